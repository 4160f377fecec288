package exchange

import (
	"testing"
	"time"

	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

func bar(o, h, l, c float64, v int64) marketdata.Bar {
	return marketdata.Bar{
		Open:   decimal.NewFromFloat(o),
		High:   decimal.NewFromFloat(h),
		Low:    decimal.NewFromFloat(l),
		Close:  decimal.NewFromFloat(c),
		Volume: v,
	}
}

func TestReceivedOrderQueuedToNextBar(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10, 10, 10, 1000))

	ex := New(DefaultParams())
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	id := ex.ReceiveOrder("stock", "TEST", order.Buy, 100, order.Market, nil)

	// Processed within the same bar it was received: must not fill yet.
	ex.ProcessOrders(mdm)
	po, _ := ex.Get(id)
	if po.FilledQuantity != 0 {
		t.Fatalf("same-bar fill = %d, want 0", po.FilledQuantity)
	}

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)
	po, _ = ex.Get(id)
	if po.FilledQuantity != 100 {
		t.Fatalf("next-bar fill = %d, want 100", po.FilledQuantity)
	}
	if po.Open {
		t.Fatal("fully filled order should be closed")
	}
}

func TestLimitBuyFillsWhenLowCrossesLimit(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10.5, 9.0, 9.8, 1000))

	ex := New(DefaultParams())
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	id := ex.ReceiveOrder("stock", "TEST", order.Buy, 50, order.Limit, map[string]string{"price": "9.5"})

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)

	po, _ := ex.Get(id)
	if po.FilledQuantity != 50 {
		t.Fatalf("filled = %d, want 50", po.FilledQuantity)
	}
	// price should be min(limit, open) = min(9.5, 10) = 9.5
	if !po.Fills[0].Price.Equal(decimal.NewFromFloat(9.5)) {
		t.Fatalf("fill price = %s, want 9.5", po.Fills[0].Price)
	}
}

func TestLimitBuyDoesNotFillWhenNotMarketable(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10.5, 9.9, 10.2, 1000))

	ex := New(DefaultParams())
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	id := ex.ReceiveOrder("stock", "TEST", order.Buy, 50, order.Limit, map[string]string{"price": "9.5"})

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)

	po, _ := ex.Get(id)
	if po.FilledQuantity != 0 {
		t.Fatalf("filled = %d, want 0 (bar low 9.9 never reached limit 9.5)", po.FilledQuantity)
	}
	if !po.Open {
		t.Fatal("unfilled limit order must remain open")
	}
}

func TestFIFOVolumeCapSharedAcrossOrders(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	mdm.LoadBar("stock", "TEST", t1, bar(10, 10, 10, 10, 60)) // volume caps total fills at 60

	ex := New(DefaultParams())
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	id1 := ex.ReceiveOrder("stock", "TEST", order.Sell, 100, order.Market, nil)
	id2 := ex.ReceiveOrder("stock", "TEST", order.Sell, 100, order.Market, nil)

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm)

	po1, _ := ex.Get(id1)
	po2, _ := ex.Get(id2)
	if po1.FilledQuantity != 60 {
		t.Fatalf("first order filled = %d, want 60 (FIFO gets priority)", po1.FilledQuantity)
	}
	if po2.FilledQuantity != 0 {
		t.Fatalf("second order filled = %d, want 0 (cap exhausted)", po2.FilledQuantity)
	}
	if !po1.Open {
		t.Fatal("partially filled order must remain open")
	}
}

func TestNoMarketDataSkipsWithoutError(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	t0 := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	mdm.LoadBar("stock", "TEST", t0, bar(10, 10, 10, 10, 1000))
	// No bar loaded for t1: simulates a market-data gap.

	ex := New(DefaultParams())
	mdm.SetBartime(t0)
	ex.SetBartime(t0)
	id := ex.ReceiveOrder("stock", "TEST", order.Buy, 10, order.Market, nil)

	mdm.SetBartime(t1)
	ex.SetBartime(t1)
	ex.ProcessOrders(mdm) // must not panic

	po, _ := ex.Get(id)
	if po.FilledQuantity != 0 || !po.Open {
		t.Fatalf("order with no market data should remain open and unfilled, got %+v", po)
	}
}
