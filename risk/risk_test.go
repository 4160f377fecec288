package risk

import (
	"testing"
	"time"

	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

func stagedOrder(m *oms.OrderManager, now time.Time, side order.Side, quantity int64, typ order.Type, details map[string]string) *order.Order {
	o := order.New("pf-uuid-1", "pf-1", "stock", "TEST", side, quantity, typ, details, now)
	_ = m.NewOrder(o)
	m.SetPortfolio(o, "pf-uuid-1", "pf-1")
	_ = m.ChangeState(o, order.Staged, now)
	return o
}

func TestMarketClosedRuleRejects(t *testing.T) {
	m := oms.New()
	now := time.Now()
	m.MarketState("stock", false)
	o := stagedOrder(m, now, order.Buy, 100, order.Market, nil)

	eng := New(m, Snapshot{})
	eng.ProcessPortfolioOrders("pf-uuid-1", now)

	got, _ := m.Get(o.UUID)
	if got.State != order.RiskRejected {
		t.Fatalf("state = %s, want RISK_REJECTED", got.State)
	}
}

func TestMarketOpenAcceptsByDefault(t *testing.T) {
	m := oms.New()
	now := time.Now()
	m.MarketState("stock", true)
	o := stagedOrder(m, now, order.Buy, 100, order.Market, nil)

	eng := New(m, Snapshot{})
	eng.ProcessPortfolioOrders("pf-uuid-1", now)

	got, _ := m.Get(o.UUID)
	if got.State != order.RiskAccepted {
		t.Fatalf("state = %s, want RISK_ACCEPTED", got.State)
	}
}

func TestMaxNotionalRuleRejectsOversizedLimitOrder(t *testing.T) {
	m := oms.New()
	now := time.Now()
	m.MarketState("stock", true)
	o := stagedOrder(m, now, order.Buy, 1000, order.Limit, map[string]string{"price": "100.0"})

	eng := New(m, Snapshot{}, MarketClosedRule{}, MaxNotionalRule{MaxNotional: decimal.NewFromInt(10000)})
	eng.ProcessPortfolioOrders("pf-uuid-1", now)

	got, _ := m.Get(o.UUID)
	if got.State != order.RiskRejected {
		t.Fatalf("state = %s, want RISK_REJECTED (notional 100000 > max 10000)", got.State)
	}
	if got.Details["risk_reject_reason"] == "" {
		t.Fatal("expected a recorded rejection reason")
	}
}

func TestPositionLimitRuleRejectsBeyondCap(t *testing.T) {
	m := oms.New()
	now := time.Now()
	m.MarketState("stock", true)
	o := stagedOrder(m, now, order.Buy, 600, order.Market, nil)

	snap := Snapshot{
		CurrentPosition: func(strategyID, productType, symbol string) (int64, bool) { return 500, true },
	}
	eng := New(m, snap, MarketClosedRule{}, PositionLimitRule{MaxAbsPosition: 1000})
	eng.ProcessPortfolioOrders("pf-uuid-1", now)

	got, _ := m.Get(o.UUID)
	if got.State != order.RiskRejected {
		t.Fatalf("state = %s, want RISK_REJECTED (projected 1100 > cap 1000)", got.State)
	}
}

func TestFirstRejectWinsStopsEvaluatingFurtherRules(t *testing.T) {
	m := oms.New()
	now := time.Now()
	m.MarketState("stock", false) // market-closed rule rejects first
	o := stagedOrder(m, now, order.Buy, 100, order.Limit, map[string]string{"price": "1.0"})

	eng := New(m, Snapshot{}, MarketClosedRule{}, MaxNotionalRule{MaxNotional: decimal.NewFromInt(1)})
	eng.ProcessPortfolioOrders("pf-uuid-1", now)

	got, _ := m.Get(o.UUID)
	if got.Details["risk_reject_reason"][:14] != "market_closed:" {
		t.Fatalf("reject reason = %q, want it attributed to market_closed (first rule)", got.Details["risk_reject_reason"])
	}
}
