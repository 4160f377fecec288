package strategies

import (
	"testing"
	"time"

	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/portfolio"
	"github.com/rsheftel/barrunner/position"
	"github.com/rsheftel/barrunner/strategy"
	"github.com/rsheftel/barrunner/strategyregistry"
	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newBridge(mdm marketdata.Manager) (*strategy.Bridge, *oms.OrderManager) {
	m := oms.New()
	pm := position.New()
	pf := portfolio.New("pf-1", m, pm, nil)
	return &strategy.Bridge{OMS: m, Portfolio: pf, PM: pm, MarketData: mdm}, m
}

func TestBuyAndHoldSetsIntentOnceThenIsIdempotent(t *testing.T) {
	b, _ := newBridge(marketdata.NewInMemoryManager())
	s, err := NewBuyAndHold(strategyregistry.Row{StrategyID: "bh-1"}, b)
	if err != nil {
		t.Fatalf("NewBuyAndHold: %v", err)
	}
	bh := s.(*BuyAndHold)
	bh.AddSymbols(strategy.SymbolSpec{ProductType: "stock", Symbol: "X"})

	now := time.Now()
	if err := bh.OnBar(now); err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if _, ok := b.GetIntent(bh.StrategyUUID, "stock", "X"); !ok {
		t.Fatal("expected an intent to be set after first bar")
	}

	// Intent is materialized (deleted) by Portfolio.ProcessOrders, not by
	// OnBar itself; re-invoking OnBar before that happens must not clobber
	// or duplicate it because entered[key] is now true.
	if err := bh.OnBar(now.Add(time.Minute)); err != nil {
		t.Fatalf("second OnBar: %v", err)
	}
	if !bh.entered["stock:X"] {
		t.Fatal("expected symbol marked entered after first bar")
	}
}

func TestLimitScalperPostsOneOrderPerSymbol(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	now := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	mdm.LoadBar("stock", "X", now, marketdata.Bar{Open: dec(10), High: dec(10), Low: dec(10), Close: dec(10), Volume: 1000})
	mdm.SetBartime(now)

	b, m := newBridge(mdm)
	s, err := NewLimitScalper(strategyregistry.Row{StrategyID: "ls-1"}, b)
	if err != nil {
		t.Fatalf("NewLimitScalper: %v", err)
	}
	ls := s.(*LimitScalper)
	ls.AddSymbols(strategy.SymbolSpec{ProductType: "stock", Symbol: "X"})

	if err := ls.OnBar(now); err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	open := m.OrdersList(oms.Filter{State: order.Created})
	if len(open) != 1 {
		t.Fatalf("orders = %d, want 1 after first bar", len(open))
	}
	if _, ok := ls.pending["stock:X"]; !ok {
		t.Fatal("expected a pending order tracked for stock:X")
	}

	// A second bar before resolution must not post a duplicate order.
	if err := ls.OnBar(now.Add(time.Minute)); err != nil {
		t.Fatalf("second OnBar: %v", err)
	}
	if got := len(m.OrdersList(oms.Filter{})); got != 1 {
		t.Fatalf("orders = %d, want still 1 (no duplicate while pending)", got)
	}
}

func TestLimitScalperCancelsAfterHoldBarsExceeded(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	now := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	mdm.LoadBar("stock", "X", now, marketdata.Bar{Open: dec(10), High: dec(10), Low: dec(10), Close: dec(10), Volume: 1000})
	mdm.SetBartime(now)

	b, m := newBridge(mdm)
	s, _ := NewLimitScalper(strategyregistry.Row{StrategyID: "ls-1"}, b)
	ls := s.(*LimitScalper)
	ls.AddSymbols(strategy.SymbolSpec{ProductType: "stock", Symbol: "X"})

	if err := ls.OnBar(now); err != nil {
		t.Fatalf("OnBar bar0: %v", err)
	}
	pending := ls.pending["stock:X"]
	if pending == nil {
		t.Fatal("expected pending order after bar0")
	}
	o, _ := b.GetOrder(pending.uuid)
	_ = m.ChangeState(o, order.Staged, now)
	_ = m.ChangeState(o, order.RiskAccepted, now)
	_ = m.ChangeState(o, order.Sent, now)
	_ = m.ChangeState(o, order.Live, now)

	// holdBars is 3: bars 1, 2, 3 age the pending order without cancelling;
	// bar 4 pushes barsOld to 4 > 3 and triggers the cancel request.
	ts := now
	for i := 1; i <= 3; i++ {
		ts = ts.Add(time.Minute)
		if err := ls.OnBar(ts); err != nil {
			t.Fatalf("OnBar bar%d: %v", i, err)
		}
		if o.State != order.Live {
			t.Fatalf("bar%d: state = %s, want still LIVE (holdBars not yet exceeded)", i, o.State)
		}
	}

	ts = ts.Add(time.Minute)
	if err := ls.OnBar(ts); err != nil {
		t.Fatalf("OnBar bar4: %v", err)
	}
	if o.State != order.CancelRequested {
		t.Fatalf("state = %s, want CANCEL_REQUESTED once holdBars exceeded", o.State)
	}
}

func TestLimitScalperClearsPendingOnFill(t *testing.T) {
	mdm := marketdata.NewInMemoryManager()
	now := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	mdm.LoadBar("stock", "X", now, marketdata.Bar{Open: dec(10), High: dec(10), Low: dec(10), Close: dec(10), Volume: 1000})
	mdm.SetBartime(now)

	b, _ := newBridge(mdm)
	s, _ := NewLimitScalper(strategyregistry.Row{StrategyID: "ls-1"}, b)
	ls := s.(*LimitScalper)
	ls.AddSymbols(strategy.SymbolSpec{ProductType: "stock", Symbol: "X"})
	_ = ls.OnBar(now)

	pending := ls.pending["stock:X"]
	o, _ := b.GetOrder(pending.uuid)

	if err := ls.OnFills(now, []*order.Order{o}); err != nil {
		t.Fatalf("OnFills: %v", err)
	}
	if _, ok := ls.pending["stock:X"]; ok {
		t.Fatal("expected pending entry cleared once the order fills")
	}

	// A subsequent bar must post a fresh order since the slot is free again.
	if err := ls.OnBar(now.Add(time.Minute)); err != nil {
		t.Fatalf("OnBar after fill: %v", err)
	}
	if _, ok := ls.pending["stock:X"]; !ok {
		t.Fatal("expected a new pending order after the previous one filled")
	}
}
