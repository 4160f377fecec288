// Package strategy defines the Strategy contract consumed by the engine
// and the Bridge capability record every strategy receives: a small set
// of non-owning handles (OMS, Portfolio, PM, MarketData) plus explicit
// mutation entry points.
package strategy

import (
	"time"

	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/portfolio"
	"github.com/rsheftel/barrunner/position"
)

// Strategy is the full lifecycle contract the EventProcessor drives.
// Concrete strategies are collaborators, not part of the core engine;
// BaseStrategy below gives them a no-op foundation to embed.
type Strategy interface {
	ID() string
	UUID() string

	OnStart() error
	OnBeginOfDay(ts time.Time) error
	OnMarketOpen(ts time.Time) error
	OnBar(ts time.Time) error
	OnFills(ts time.Time, orders []*order.Order) error
	OnCancels(ts time.Time, orders []*order.Order) error
	OnMarketClose(ts time.Time) error
	OnEndOfDay(ts time.Time) error
	OnStop(ts time.Time) error
}

// SymbolSpec is one (product_type, symbol, frequency) entry a strategy
// registers via AddSymbols.
type SymbolSpec struct {
	ProductType string
	Symbol      string
	Frequency   string
}

// Bridge is the capability record passed to every strategy: OMS,
// Portfolio, PM and MarketData handles, plus the explicit mutation entry
// points. Strategies must not mutate Order fields directly.
type Bridge struct {
	OMS        *oms.OrderManager
	Portfolio  *portfolio.Portfolio
	PM         *position.Manager
	MarketData marketdata.Manager
}

// Order authors a new CREATED order on behalf of (strategyUUID, strategyID)
// and inserts it into the OMS, returning the new order's uuid.
func (b *Bridge) Order(strategyUUID, strategyID, productType, symbol string, side order.Side, quantity int64, typ order.Type, details map[string]string, now time.Time) (string, error) {
	o := order.New(strategyUUID, strategyID, productType, symbol, side, quantity, typ, details, now)
	o.StrategyUUID = strategyUUID
	o.StrategyID = strategyID
	if err := b.OMS.NewOrder(o); err != nil {
		return "", err
	}
	return o.UUID, nil
}

// CancelOrder requests cancellation of a live or partially-filled order;
// the Broker forwards it to the venue on the next pipeline pass.
func (b *Bridge) CancelOrder(o *order.Order, now time.Time) error {
	return b.OMS.ChangeState(o, order.CancelRequested, now)
}

// ReplaceOrder requests a resize/amend of a live or partially-filled
// order.
func (b *Bridge) ReplaceOrder(o *order.Order, newQuantity int64, details map[string]string, now time.Time) error {
	b.OMS.SetPendingReplace(o, newQuantity, details)
	return b.OMS.ChangeState(o, order.ReplaceRequested, now)
}

// GetOrder looks up an order by uuid.
func (b *Bridge) GetOrder(uuid string) (*order.Order, bool) {
	return b.OMS.Get(uuid)
}

// Intent declares a per-symbol absolute target position for strategyUUID;
// the Portfolio converts it to a delta order on its next ProcessOrders.
func (b *Bridge) Intent(strategyUUID, productType, symbol string, targetQuantity int64, now time.Time) {
	b.Portfolio.SetIntent(strategyUUID, productType, symbol, targetQuantity, now)
}

// GetIntent returns the pending intent, if any.
func (b *Bridge) GetIntent(strategyUUID, productType, symbol string) (portfolio.Intent, bool) {
	return b.Portfolio.GetIntent(strategyUUID, productType, symbol)
}

// BaseStrategy implements every lifecycle callback as a no-op so concrete
// strategies can embed it and override only what they need, the common Go
// idiom for a wide interface with mostly-optional hooks.
type BaseStrategy struct {
	StrategyID   string
	StrategyUUID string
	Bridge       *Bridge
	Symbols      []SymbolSpec
	Parameters   map[string]string
}

func (s *BaseStrategy) ID() string   { return s.StrategyID }
func (s *BaseStrategy) UUID() string { return s.StrategyUUID }

func (s *BaseStrategy) Bind(b *Bridge) { s.Bridge = b }

// AddSymbols registers the (product_type, symbol, frequency) tuples a
// strategy wants tracked.
func (s *BaseStrategy) AddSymbols(specs ...SymbolSpec) {
	s.Symbols = append(s.Symbols, specs...)
}

// SetParameters stores strategy configuration.
func (s *BaseStrategy) SetParameters(params map[string]string) {
	if s.Parameters == nil {
		s.Parameters = make(map[string]string, len(params))
	}
	for k, v := range params {
		s.Parameters[k] = v
	}
}

func (s *BaseStrategy) OnStart() error                                      { return nil }
func (s *BaseStrategy) OnBeginOfDay(ts time.Time) error                     { return nil }
func (s *BaseStrategy) OnMarketOpen(ts time.Time) error                     { return nil }
func (s *BaseStrategy) OnBar(ts time.Time) error                            { return nil }
func (s *BaseStrategy) OnFills(ts time.Time, orders []*order.Order) error   { return nil }
func (s *BaseStrategy) OnCancels(ts time.Time, orders []*order.Order) error { return nil }
func (s *BaseStrategy) OnMarketClose(ts time.Time) error                    { return nil }
func (s *BaseStrategy) OnEndOfDay(ts time.Time) error                       { return nil }
func (s *BaseStrategy) OnStop(ts time.Time) error                           { return nil }
