// Package portfolio implements the Portfolio: it binds one or more
// strategies, converts strategy-authored CREATED orders and declared
// intents into STAGED orders, and performs optional same-bar internal
// crossing of exactly-opposing staged pairs.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

// BoundStrategy identifies one strategy bound to a Portfolio by both its
// uuid (unique identity) and human id. The relationship is ids with
// lookup, never a back-pointer to the strategy object.
type BoundStrategy struct {
	UUID string
	ID   string
}

// Intent is a per-(product_type, symbol) absolute target position a bound
// strategy has declared. Setting a new Intent for the same key replaces
// the previous one; ProcessOrders is what materializes it.
type Intent struct {
	ProductType    string
	Symbol         string
	TargetQuantity int64
	SetAt          time.Time
}

// PositionReader is the subset of position.Manager's API Portfolio needs to
// compute intent deltas, kept as an interface so tests can fake it without
// an import cycle.
type PositionReader interface {
	CurrentPosition(strategyID, productType, symbol string) (int64, bool)
}

// PricingPolicy prices an intent-derived LIMIT order.
type PricingPolicy interface {
	Price(mdm marketdata.Manager, productType, symbol string, side order.Side) (decimal.Decimal, error)
}

// DefaultPricingPolicy prices a buy at (last close - Offset) and a sell at
// (last close + Offset), biasing the limit toward filling while still
// resting off the touch.
type DefaultPricingPolicy struct {
	Offset decimal.Decimal
}

func (p DefaultPricingPolicy) Price(mdm marketdata.Manager, productType, symbol string, side order.Side) (decimal.Decimal, error) {
	last, err := mdm.CurrentPrice(productType, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if side == order.Buy {
		return last.Sub(p.Offset), nil
	}
	return last.Add(p.Offset), nil
}

// Portfolio aggregates bound strategies and stages their orders/intents for
// Risk.
type Portfolio struct {
	UUID string
	ID   string

	mu         sync.Mutex
	strategies []BoundStrategy
	intents    map[string]map[string]Intent // strategyUUID -> "productType:symbol" -> Intent

	oms    *oms.OrderManager
	pm     PositionReader
	pricer PricingPolicy
	cross  bool // internal crossing enabled
}

// New creates a Portfolio with the given id, wired to m for staging and pm
// for intent-delta lookups.
func New(id string, m *oms.OrderManager, pm PositionReader, pricer PricingPolicy) *Portfolio {
	if pricer == nil {
		pricer = DefaultPricingPolicy{Offset: decimal.NewFromFloat(0.01)}
	}
	return &Portfolio{
		UUID:    uuid.New().String(),
		ID:      id,
		intents: make(map[string]map[string]Intent),
		oms:     m,
		pm:      pm,
		pricer:  pricer,
		cross:   true,
	}
}

// EnableCrossing toggles the optional internal crossing step, on by
// default.
func (p *Portfolio) EnableCrossing(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cross = v
}

// BindStrategy registers a strategy with the portfolio. Registration
// order is stable: intents materialize in the order strategies were
// bound.
func (p *Portfolio) BindStrategy(strategyUUID, strategyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategies = append(p.strategies, BoundStrategy{UUID: strategyUUID, ID: strategyID})
	p.intents[strategyUUID] = make(map[string]Intent)
}

// StrategyIDs returns the bound strategy ids in registration order.
func (p *Portfolio) StrategyIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.strategies))
	for i, s := range p.strategies {
		out[i] = s.ID
	}
	return out
}

func intentKey(productType, symbol string) string { return productType + ":" + symbol }

// SetIntent replaces any pending intent for (productType, symbol) on
// behalf of strategyUUID. Intents are single-shot targets: the newest one
// per key wins.
func (p *Portfolio) SetIntent(strategyUUID, productType, symbol string, targetQuantity int64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.intents[strategyUUID] == nil {
		p.intents[strategyUUID] = make(map[string]Intent)
	}
	p.intents[strategyUUID][intentKey(productType, symbol)] = Intent{
		ProductType:    productType,
		Symbol:         symbol,
		TargetQuantity: targetQuantity,
		SetAt:          now,
	}
}

// GetIntent returns the pending intent, if any, for (productType, symbol).
func (p *Portfolio) GetIntent(strategyUUID, productType, symbol string) (Intent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.intents[strategyUUID][intentKey(productType, symbol)]
	return i, ok
}

// ProcessOrders stages strategy-authored CREATED orders, converts pending
// intents into delta orders, then crosses exact-opposite same-symbol
// pairs off-book.
func (p *Portfolio) ProcessOrders(mdm marketdata.Manager, now time.Time) error {
	if err := p.stageCreatedOrders(now); err != nil {
		return err
	}
	if err := p.convertIntents(mdm, now); err != nil {
		return err
	}
	if p.cross {
		p.crossStagedOrders(now)
	}
	return nil
}

func (p *Portfolio) stageCreatedOrders(now time.Time) error {
	p.mu.Lock()
	strategyUUIDs := make(map[string]bool, len(p.strategies))
	for _, s := range p.strategies {
		strategyUUIDs[s.UUID] = true
	}
	p.mu.Unlock()

	for _, o := range p.oms.OrdersList(oms.Filter{State: order.Created}) {
		if !strategyUUIDs[o.OriginatorUUID] {
			continue
		}
		p.oms.SetPortfolio(o, p.UUID, p.ID)
		if err := p.oms.ChangeState(o, order.Staged, now); err != nil {
			return fmt.Errorf("portfolio: staging %s: %w", o.UUID, err)
		}
	}
	return nil
}

func (p *Portfolio) convertIntents(mdm marketdata.Manager, now time.Time) error {
	p.mu.Lock()
	strategies := make([]BoundStrategy, len(p.strategies))
	copy(strategies, p.strategies)
	p.mu.Unlock()

	for _, s := range strategies {
		p.mu.Lock()
		pending := p.intents[s.UUID]
		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys) // deterministic materialization order within a strategy
		p.mu.Unlock()

		for _, k := range keys {
			p.mu.Lock()
			intent, ok := p.intents[s.UUID][k]
			p.mu.Unlock()
			if !ok {
				continue
			}
			if err := p.materializeIntent(mdm, s, intent, now); err != nil {
				return err
			}
			p.mu.Lock()
			delete(p.intents[s.UUID], k)
			p.mu.Unlock()
		}
	}
	return nil
}

func (p *Portfolio) materializeIntent(mdm marketdata.Manager, s BoundStrategy, intent Intent, now time.Time) error {
	current, _ := p.pm.CurrentPosition(s.ID, intent.ProductType, intent.Symbol)
	delta := intent.TargetQuantity - current
	if delta == 0 {
		return nil
	}
	side := order.Buy
	qty := delta
	if delta < 0 {
		side = order.Sell
		qty = -delta
	}
	price, err := p.pricer.Price(mdm, intent.ProductType, intent.Symbol, side)
	if err != nil {
		return nil // no market data: skip this symbol this bar, not fatal
	}
	o := order.New(p.UUID, p.ID, intent.ProductType, intent.Symbol, side, qty, order.Limit,
		map[string]string{"price": price.String()}, now)
	o.StrategyUUID = s.UUID
	o.StrategyID = s.ID
	if err := p.oms.NewOrder(o); err != nil {
		return fmt.Errorf("portfolio: materializing intent: %w", err)
	}
	p.oms.SetPortfolio(o, p.UUID, p.ID)
	return p.oms.ChangeState(o, order.Staged, now)
}

// crossStagedOrders crosses exact-opposite, exact-quantity STAGED order
// pairs on the same symbol off-book, bypassing Risk entirely. Mismatched
// quantities never partially cross; both orders go to Risk unchanged.
func (p *Portfolio) crossStagedOrders(now time.Time) {
	staged := p.oms.OpenOrdersList(oms.Filter{State: order.Staged, PortfolioUUID: p.UUID})
	matched := make(map[string]bool)

	for i := 0; i < len(staged); i++ {
		a := staged[i]
		if matched[a.UUID] {
			continue
		}
		for j := i + 1; j < len(staged); j++ {
			b := staged[j]
			if matched[b.UUID] {
				continue
			}
			if a.Symbol != b.Symbol || a.ProductType != b.ProductType {
				continue
			}
			if a.Side == b.Side || a.Quantity != b.Quantity {
				continue
			}
			if a.StrategyUUID == b.StrategyUUID {
				continue // crossing is across strategies, not with oneself
			}
			matched[a.UUID] = true
			matched[b.UUID] = true
			p.cross2(a, b, now)
			break
		}
	}
}

func (p *Portfolio) cross2(a, b *order.Order, now time.Time) {
	buyPrice := crossingPrice(a)
	sellPrice := crossingPrice(b)
	price := buyPrice.Add(sellPrice).Div(decimal.NewFromInt(2))
	for _, o := range []*order.Order{a, b} {
		if err := p.oms.ChangeState(o, order.RiskAccepted, now); err != nil {
			continue
		}
		if err := p.oms.ChangeState(o, order.Sent, now); err != nil {
			continue
		}
		fillID := fmt.Sprintf("CROSS-%s", o.UUID)
		_ = p.oms.ApplyFill(o, order.Fill{
			FillID:    fillID,
			Timestamp: now,
			Bartime:   now,
			Quantity:  o.Quantity,
			Price:     price,
		})
		_ = p.oms.ChangeState(o, order.Filled, now)
	}
}

func crossingPrice(o *order.Order) decimal.Decimal {
	if p, err := decimal.NewFromString(o.Details["price"]); err == nil {
		return p
	}
	return decimal.Zero
}
