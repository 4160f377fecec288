package broker

import (
	"testing"
	"time"

	"github.com/rsheftel/barrunner/exchange"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func bar(o, h, l, c float64, v int64) marketdata.Bar {
	return marketdata.Bar{Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: v}
}

func riskAcceptedOrder(m *oms.OrderManager, now time.Time, side order.Side, qty int64, price string) *order.Order {
	o := order.New("strat-uuid", "strat-1", "stock", "TEST", side, qty, order.Limit, map[string]string{"price": price}, now)
	_ = m.NewOrder(o)
	_ = m.ChangeState(o, order.Staged, now)
	_ = m.ChangeState(o, order.RiskAccepted, now)
	return o
}

func TestSendOrdersAssignsBrokerAndExchangeIDsAndTransitionsToSent(t *testing.T) {
	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	b := New(m, ex, DefaultFeeSchedule())

	now := time.Now()
	o := riskAcceptedOrder(m, now, order.Buy, 100, "10.0")

	b.SendOrders(now)

	if o.State != order.Sent {
		t.Fatalf("state = %s, want SENT", o.State)
	}
	if o.BrokerOrderID == "" || o.ExchangeOrderID == "" {
		t.Fatalf("expected broker/exchange ids assigned, got %+v", o)
	}
}

func TestProcessFillsMirrorsExchangeFillsAndComputesCommission(t *testing.T) {
	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	fees := FeeSchedule{"stock": dec(0.01)}
	b := New(m, ex, fees)

	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(9.9, 10.1, 9.8, 10.0, 1000))

	o := riskAcceptedOrder(m, t0, order.Buy, 100, "10.0")
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	b.SendOrders(t0)
	ex.ProcessOrders(mdm)
	b.ProcessFills(t0)

	if o.State != order.Live {
		t.Fatalf("state after first bar = %s, want LIVE (no fill yet)", o.State)
	}

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)
	b.ProcessFills(t1)

	if o.State != order.Filled {
		t.Fatalf("state = %s, want FILLED", o.State)
	}
	if o.FillQuantity != 100 {
		t.Fatalf("fill_quantity = %d, want 100", o.FillQuantity)
	}
	if !o.FillPrice.Equal(dec(9.9)) {
		t.Fatalf("fill_price = %s, want 9.9", o.FillPrice)
	}
	wantCommission := dec(0.01).Mul(dec(100)).Neg()
	if !o.Commission.Equal(wantCommission) {
		t.Fatalf("commission = %s, want %s", o.Commission, wantCommission)
	}
}

func TestSendCancelsClosesOrderStillOpenOnExchange(t *testing.T) {
	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	b := New(m, ex, DefaultFeeSchedule())

	now := time.Now()
	o := riskAcceptedOrder(m, now, order.Buy, 100, "10.0")
	b.SendOrders(now)
	_ = m.ChangeState(o, order.Live, now)
	_ = m.ChangeState(o, order.CancelRequested, now)

	b.SendCancels(now)

	if o.State != order.Canceled {
		t.Fatalf("state = %s, want CANCELED", o.State)
	}
}

func TestSendReplacesResizesOrderAndMirrorsReplacementFills(t *testing.T) {
	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	b := New(m, ex, DefaultFeeSchedule())

	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10.1, 9.9, 10, 60)) // partial: volume caps at 60
	mdm.LoadBar("stock", "TEST", t2, bar(9.4, 9.45, 9.3, 9.4, 1000))
	mdm.LoadBar("stock", "TEST", t3, bar(9.6, 9.7, 9.5, 9.6, 1000))

	o := riskAcceptedOrder(m, t0, order.Sell, 100, "10.0")
	b.SendOrders(t0)
	oldExchangeID := o.ExchangeOrderID

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)
	b.ProcessFills(t1)
	if o.State != order.PartiallyFilled || o.FillQuantity != 60 {
		t.Fatalf("after t1: state = %s fill_quantity = %d, want PARTIALLY_FILLED 60", o.State, o.FillQuantity)
	}

	m.SetPendingReplace(o, 150, map[string]string{"price": "9.5"})
	_ = m.ChangeState(o, order.ReplaceRequested, t2)
	b.SendReplaces(t2)

	if o.State != order.Live {
		t.Fatalf("state after replace = %s, want LIVE", o.State)
	}
	if o.Quantity != 150 || o.Details["price"] != "9.5" {
		t.Fatalf("order = qty %d price %s, want 150 @ 9.5", o.Quantity, o.Details["price"])
	}
	if len(o.Replaces) != 2 {
		t.Fatalf("replaces history length = %d, want 2 (original + replacement)", len(o.Replaces))
	}
	if o.ExchangeOrderID == oldExchangeID {
		t.Fatal("replacement should carry a fresh exchange order id")
	}
	// The replacement exchange order covers only the unfilled remainder.
	po, _ := ex.Get(o.ExchangeOrderID)
	if po.Quantity != 90 {
		t.Fatalf("replacement exchange quantity = %d, want 90", po.Quantity)
	}

	mdm.SetBartime(t3)
	ex.SetBartime(t3)
	ex.ProcessOrders(mdm)
	b.ProcessFills(t3)

	if o.State != order.Filled {
		t.Fatalf("state after t3 = %s, want FILLED", o.State)
	}
	if o.FillQuantity != 150 {
		t.Fatalf("fill_quantity = %d, want 150 (60 pre-replace + 90 on the replacement)", o.FillQuantity)
	}
}

func TestSendReplacesRejectsResizeBelowFilledQuantity(t *testing.T) {
	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	b := New(m, ex, DefaultFeeSchedule())

	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10.1, 9.9, 10, 60))

	o := riskAcceptedOrder(m, t0, order.Sell, 100, "10.0")
	b.SendOrders(t0)
	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)
	b.ProcessFills(t1) // 60 filled

	m.SetPendingReplace(o, 50, nil) // below the 60 already filled
	_ = m.ChangeState(o, order.ReplaceRequested, t2)
	b.SendReplaces(t2)

	if o.State != order.Live {
		t.Fatalf("state = %s, want LIVE (replace rejected, order resumes resting)", o.State)
	}
	if o.Quantity != 100 {
		t.Fatalf("quantity = %d, want 100 unchanged", o.Quantity)
	}
	if len(o.Replaces) != 1 {
		t.Fatalf("replaces history length = %d, want 1 (rejected replace never applied)", len(o.Replaces))
	}
}

func TestSendCancelsRevertsToLiveWhenExchangeAlreadyClosedOrder(t *testing.T) {
	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	b := New(m, ex, DefaultFeeSchedule())

	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10, 10, 10, 1000))

	o := riskAcceptedOrder(m, t0, order.Buy, 100, "10.0")
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	b.SendOrders(t0)
	ex.ProcessOrders(mdm)
	b.ProcessFills(t0) // Sent -> Live

	// Fill it fully via the exchange test hook, racing the cancel.
	if err := ex.FillOrder(o.ExchangeOrderID, 100, dec(10.0), t1); err != nil {
		t.Fatalf("FillOrder: %v", err)
	}

	_ = m.ChangeState(o, order.CancelRequested, t1)
	b.SendCancels(t1)

	if o.State != order.Live {
		t.Fatalf("state = %s, want LIVE (cancel lost the race)", o.State)
	}

	b.ProcessFills(t1)
	if o.State != order.Filled {
		t.Fatalf("state = %s, want FILLED once the race-winning fill is mirrored", o.State)
	}
}
