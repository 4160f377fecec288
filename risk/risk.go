// Package risk is the gatekeeper between Portfolio's staged orders and
// Broker: a pluggable set of pure predicate Rules evaluated in order,
// first-reject-wins, against every STAGED order belonging to a portfolio.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rsheftel/barrunner/logging"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

// Snapshot is the read-only portfolio-adjacent state a Rule evaluates
// against. It carries no back-pointer to Portfolio itself, only the
// handles a rule legitimately needs.
type Snapshot struct {
	OMS *oms.OrderManager
	// CurrentPosition, when set, reports a strategy's current position for
	// (productType, symbol); position-limit rules use it. Nil-safe: a nil
	// func means "unknown", and position-limit rules should accept rather
	// than guess.
	CurrentPosition func(strategyID, productType, symbol string) (int64, bool)
}

// Rule is a pure predicate: given an order and a Snapshot, it accepts or
// rejects with a reason. Risk stops at the first rejecting Rule.
type Rule interface {
	Name() string
	Evaluate(o *order.Order, snap Snapshot) (accept bool, reason string)
}

// MarketClosedRule rejects orders whose product_type is not tradable.
type MarketClosedRule struct{}

func (MarketClosedRule) Name() string { return "market_closed" }

func (MarketClosedRule) Evaluate(o *order.Order, snap Snapshot) (bool, string) {
	if !snap.OMS.IsMarketOpen(o.ProductType) {
		return false, fmt.Sprintf("market closed for product %s", o.ProductType)
	}
	return true, ""
}

// MaxNotionalRule rejects LIMIT orders whose quantity*price exceeds a cap.
// MARKET orders pass; there is no price to compute notional from before
// the fill.
type MaxNotionalRule struct {
	MaxNotional decimal.Decimal
}

func (MaxNotionalRule) Name() string { return "max_notional" }

func (r MaxNotionalRule) Evaluate(o *order.Order, _ Snapshot) (bool, string) {
	if o.Type != order.Limit {
		return true, ""
	}
	price, err := decimal.NewFromString(o.Details["price"])
	if err != nil {
		return true, ""
	}
	notional := price.Mul(decimal.NewFromInt(o.Quantity)).Abs()
	if notional.GreaterThan(r.MaxNotional) {
		return false, fmt.Sprintf("notional %s exceeds max %s", notional, r.MaxNotional)
	}
	return true, ""
}

// PositionLimitRule rejects orders that would push a strategy's position
// in a symbol beyond MaxAbsPosition in either direction.
type PositionLimitRule struct {
	MaxAbsPosition int64
}

func (PositionLimitRule) Name() string { return "position_limit" }

func (r PositionLimitRule) Evaluate(o *order.Order, snap Snapshot) (bool, string) {
	if snap.CurrentPosition == nil {
		return true, ""
	}
	current, known := snap.CurrentPosition(o.StrategyID, o.ProductType, o.Symbol)
	if !known {
		return true, ""
	}
	delta := o.Quantity
	if o.Side == order.Sell {
		delta = -delta
	}
	projected := current + delta
	if projected > r.MaxAbsPosition || projected < -r.MaxAbsPosition {
		return false, fmt.Sprintf("projected position %d exceeds limit %d", projected, r.MaxAbsPosition)
	}
	return true, ""
}

// DefaultRules returns the minimum rule set every Engine should carry.
func DefaultRules() []Rule {
	return []Rule{MarketClosedRule{}}
}

// Engine evaluates a Rule chain against every STAGED order tagged with a
// given portfolio UUID.
type Engine struct {
	oms   *oms.OrderManager
	rules []Rule
	snap  Snapshot
	audit *logging.AuditLogger
}

// New creates an Engine wired to m, evaluating rules in order.
func New(m *oms.OrderManager, snap Snapshot, rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	snap.OMS = m
	return &Engine{oms: m, rules: rules, snap: snap}
}

// SetAuditLogger attaches an audit trail for risk rejections. A nil logger
// (the default) turns LogRiskAction into a no-op.
func (e *Engine) SetAuditLogger(al *logging.AuditLogger) {
	e.audit = al
}

// ProcessPortfolioOrders walks every STAGED order whose PortfolioUUID
// matches portfolioUUID, transitioning each to RISK_ACCEPTED on a full
// pass or RISK_REJECTED with the rejecting rule's reason recorded in
// Details.
func (e *Engine) ProcessPortfolioOrders(portfolioUUID string, now time.Time) {
	staged := e.oms.OpenOrdersList(oms.Filter{State: order.Staged, PortfolioUUID: portfolioUUID})
	for _, o := range staged {
		e.evaluate(o, now)
	}
}

func (e *Engine) evaluate(o *order.Order, now time.Time) {
	for _, rule := range e.rules {
		accept, reason := rule.Evaluate(o, e.snap)
		if !accept {
			e.oms.SetDetail(o, "risk_reject_reason", fmt.Sprintf("%s: %s", rule.Name(), reason))
			_ = e.oms.ChangeState(o, order.RiskRejected, now)
			e.audit.LogRiskAction(context.Background(), o.UUID, o.StrategyID, rule.Name(), reason)
			return
		}
	}
	_ = e.oms.ChangeState(o, order.RiskAccepted, now)
}
