package eventprocessor

import (
	"context"
	"testing"
	"time"

	"github.com/rsheftel/barrunner/broker"
	"github.com/rsheftel/barrunner/exchange"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/portfolio"
	"github.com/rsheftel/barrunner/position"
	"github.com/rsheftel/barrunner/risk"
	"github.com/rsheftel/barrunner/strategy"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// harness wires one Processor plus its components and registers one
// portfolio (with its Risk engine) with it. No strategies are bound by
// default — tests bind what they need.
type harness struct {
	oms  *oms.OrderManager
	mdm  *marketdata.InMemoryManager
	ex   *exchange.PaperExchange
	brk  *broker.PaperBroker
	pm   *position.Manager
	pf   *portfolio.Portfolio
	eng  *risk.Engine
	proc *Processor
}

func newHarness() *harness {
	m := oms.New()
	mdm := marketdata.NewInMemoryManager()
	ex := exchange.New(exchange.DefaultParams())
	brk := broker.New(m, ex, broker.DefaultFeeSchedule())
	pm := position.New()
	proc := New(m, mdm, ex, brk, pm, nil, nil, "test")
	pf := portfolio.New("pf-1", m, pm, nil)
	eng := risk.New(m, risk.Snapshot{CurrentPosition: pm.CurrentPosition}, risk.DefaultRules()...)
	proc.Track("stock", "1m")
	proc.BindRisk(pf.UUID, eng)
	proc.portfolios = append(proc.portfolios, pf)
	return &harness{oms: m, mdm: mdm, ex: ex, brk: brk, pm: pm, pf: pf, eng: eng, proc: proc}
}

func (h *harness) bridge() *strategy.Bridge {
	return &strategy.Bridge{OMS: h.oms, Portfolio: h.pf, PM: h.pm, MarketData: h.mdm}
}

func bar(open, high, low, close float64, volume int64) marketdata.Bar {
	return marketdata.Bar{Open: dec(open), High: dec(high), Low: dec(low), Close: dec(close), Volume: volume}
}

// Scenario 1: Simple LIMIT buy filled next bar.
func TestScenarioLimitBuyFilledNextBar(t *testing.T) {
	h := newHarness()
	b := h.bridge()

	t0 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	h.mdm.LoadBar("stock", "TEST", t0, bar(10.0, 10.0, 10.0, 10.0, 1000))
	h.mdm.LoadBar("stock", "TEST", t1, bar(9.9, 10.1, 9.8, 10.0, 1000))

	uuid, err := b.Order("strat-uuid", "strat-1", "stock", "TEST", order.Buy, 100, order.Limit, map[string]string{"price": "10.0"}, t0)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	h.pf.BindStrategy("strat-uuid", "strat-1")

	ctx := context.Background()
	if err := h.proc.ProcessBar(ctx, t0); err != nil {
		t.Fatalf("ProcessBar(t0): %v", err)
	}
	if err := h.proc.ProcessBar(ctx, t1); err != nil {
		t.Fatalf("ProcessBar(t1): %v", err)
	}

	o, _ := h.oms.Get(uuid)
	if o.State != order.Filled {
		t.Fatalf("state = %s, want FILLED", o.State)
	}
	if o.FillQuantity != 100 {
		t.Fatalf("fill_quantity = %d, want 100", o.FillQuantity)
	}
	if !o.FillPrice.Equal(dec(9.9)) {
		t.Fatalf("fill_price = %s, want 9.9", o.FillPrice)
	}
	pos, ok := h.pm.CurrentPosition("strat-1", "stock", "TEST")
	if !ok || pos != 100 {
		t.Fatalf("position = %d, want 100", pos)
	}
}

// Scenario 2: LIMIT not marketable.
func TestScenarioLimitNotMarketable(t *testing.T) {
	h := newHarness()
	b := h.bridge()

	t0 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	h.mdm.LoadBar("stock", "TEST", t0, bar(10.0, 10.0, 10.0, 10.0, 1000))
	h.mdm.LoadBar("stock", "TEST", t1, bar(10.3, 10.4, 10.2, 10.3, 1000))

	uuid, err := b.Order("strat-uuid", "strat-1", "stock", "TEST", order.Buy, 100, order.Limit, map[string]string{"price": "10.0"}, t0)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	h.pf.BindStrategy("strat-uuid", "strat-1")

	ctx := context.Background()
	if err := h.proc.ProcessBar(ctx, t0); err != nil {
		t.Fatalf("ProcessBar(t0): %v", err)
	}
	if err := h.proc.ProcessBar(ctx, t1); err != nil {
		t.Fatalf("ProcessBar(t1): %v", err)
	}

	o, _ := h.oms.Get(uuid)
	if o.State != order.Live {
		t.Fatalf("state = %s, want LIVE", o.State)
	}
	if len(o.Fills) != 0 {
		t.Fatalf("fills = %v, want none", o.Fills)
	}
	if pos, ok := h.pm.CurrentPosition("strat-1", "stock", "TEST"); ok && pos != 0 {
		t.Fatalf("position = %d, want 0/unknown", pos)
	}
}

// Scenario 3: Intent -> cross-bar conversion.
func TestScenarioIntentConvertsToStagedOrder(t *testing.T) {
	h := newHarness()
	b := h.bridge()
	h.pf.BindStrategy("strat-uuid", "strat-1")

	t0 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	h.mdm.LoadBar("stock", "X", t0, bar(20.0, 20.0, 20.0, 20.0, 1000))
	h.mdm.SetBartime(t0)

	b.Intent("strat-uuid", "stock", "X", 50, t0)
	if err := h.pf.ProcessOrders(h.mdm, t0); err != nil {
		t.Fatalf("ProcessOrders: %v", err)
	}

	staged := h.oms.OpenOrdersList(oms.Filter{State: order.Staged})
	if len(staged) != 1 {
		t.Fatalf("staged orders = %d, want 1", len(staged))
	}
	o := staged[0]
	if o.Side != order.Buy || o.Quantity != 50 {
		t.Fatalf("order = %+v, want buy 50", o)
	}
	if o.OriginatorUUID != h.pf.UUID {
		t.Fatalf("originator_uuid = %s, want portfolio uuid %s", o.OriginatorUUID, h.pf.UUID)
	}
}

// Scenario 4: Risk rejection because market is closed.
func TestScenarioRiskRejectsOnMarketClosed(t *testing.T) {
	h := newHarness()
	b := h.bridge()
	h.pf.BindStrategy("strat-uuid", "strat-1")
	h.oms.MarketState("stock", false)

	t0 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	uuid, err := b.Order("strat-uuid", "strat-1", "stock", "TEST", order.Buy, 100, order.Limit, map[string]string{"price": "10.0"}, t0)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}

	if err := h.pf.ProcessOrders(h.mdm, t0); err != nil {
		t.Fatalf("ProcessOrders: %v", err)
	}
	h.eng.ProcessPortfolioOrders(h.pf.UUID, t0)

	o, _ := h.oms.Get(uuid)
	if o.State != order.RiskRejected {
		t.Fatalf("state = %s, want RISK_REJECTED", o.State)
	}
	if pos, ok := h.pm.CurrentPosition("strat-1", "stock", "TEST"); ok && pos != 0 {
		t.Fatalf("position = %d, want unchanged", pos)
	}
	closed := h.oms.ClosedOrdersList(oms.Filter{})
	if len(closed) != 1 {
		t.Fatalf("closed_orders_df = %d rows, want exactly 1", len(closed))
	}
}

// Scenario 5: Partial fill, then cancel.
func TestScenarioPartialFillThenCancel(t *testing.T) {
	h := newHarness()
	b := h.bridge()
	h.pf.BindStrategy("strat-uuid", "strat-1")

	t0 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)
	h.mdm.LoadBar("stock", "TEST", t0, bar(10.0, 10.0, 10.0, 10.0, 1000))
	h.mdm.LoadBar("stock", "TEST", t1, bar(10.0, 10.1, 9.9, 10.0, 60))
	h.mdm.LoadBar("stock", "TEST", t2, bar(10.0, 10.1, 9.9, 10.0, 60))

	uuid, err := b.Order("strat-uuid", "strat-1", "stock", "TEST", order.Sell, 100, order.Limit, map[string]string{"price": "10.0"}, t0)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}

	ctx := context.Background()
	if err := h.proc.ProcessBar(ctx, t0); err != nil {
		t.Fatalf("ProcessBar(t0): %v", err)
	}
	if err := h.proc.ProcessBar(ctx, t1); err != nil {
		t.Fatalf("ProcessBar(t1): %v", err)
	}

	o, _ := h.oms.Get(uuid)
	if o.State != order.PartiallyFilled {
		t.Fatalf("state = %s, want PARTIALLY_FILLED", o.State)
	}
	if o.FillQuantity != 60 {
		t.Fatalf("fill_quantity = %d, want 60", o.FillQuantity)
	}

	if err := b.CancelOrder(o, t2); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := h.proc.ProcessBar(ctx, t2); err != nil {
		t.Fatalf("ProcessBar(t2): %v", err)
	}

	o, _ = h.oms.Get(uuid)
	if o.State != order.Canceled {
		t.Fatalf("state = %s, want CANCELED", o.State)
	}
	if o.FillQuantity != 60 {
		t.Fatalf("final fill_quantity = %d, want 60 (unchanged)", o.FillQuantity)
	}

	wantPath := []order.State{order.Created, order.Staged, order.RiskAccepted, order.Sent, order.Live, order.PartiallyFilled, order.CancelRequested, order.CancelSent, order.Canceled}
	if len(o.StateHistory) != len(wantPath) {
		t.Fatalf("state_df length = %d, want %d: %+v", len(o.StateHistory), len(wantPath), o.StateHistory)
	}
	for i, s := range wantPath {
		if o.StateHistory[i].State != s {
			t.Fatalf("state_df[%d] = %s, want %s", i, o.StateHistory[i].State, s)
		}
	}
}

// A transient state surviving a bar with no broker resolution step would
// be flagged as stuck. This harness's Processor always forwards
// cancels/replaces in the same bar they are requested, so the happy path
// never raises StuckOrder; this test confirms that explicitly.
func TestNoStuckOrderOnNormalCancelFlow(t *testing.T) {
	h := newHarness()
	b := h.bridge()
	h.pf.BindStrategy("strat-uuid", "strat-1")

	t0 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	h.mdm.LoadBar("stock", "TEST", t0, bar(10.0, 10.0, 10.0, 10.0, 1000))
	h.mdm.LoadBar("stock", "TEST", t1, bar(10.3, 10.4, 10.2, 10.3, 1000))

	uuid, _ := b.Order("strat-uuid", "strat-1", "stock", "TEST", order.Buy, 100, order.Limit, map[string]string{"price": "10.0"}, t0)

	ctx := context.Background()
	if err := h.proc.ProcessBar(ctx, t0); err != nil {
		t.Fatalf("ProcessBar(t0): %v", err)
	}
	if err := h.proc.ProcessBar(ctx, t1); err != nil {
		t.Fatalf("ProcessBar(t1): %v", err)
	}

	o, _ := h.oms.Get(uuid)
	if err := b.CancelOrder(o, t1.Add(time.Minute)); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := h.proc.ProcessBar(ctx, t1.Add(time.Minute)); err != nil {
		t.Fatalf("ProcessBar resolving cancel: %v", err)
	}
	o, _ = h.oms.Get(uuid)
	if o.State != order.Canceled {
		t.Fatalf("state = %s, want CANCELED", o.State)
	}
}
