// Package strategies holds the built-in Strategy implementations the
// Runner can instantiate by class_name from the strategy enumeration
// table. Concrete strategies are collaborators, not part of the core
// engine, so this package depends only on the strategy package's Bridge
// contract.
package strategies

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/strategy"
	"github.com/rsheftel/barrunner/strategyregistry"
	"github.com/shopspring/decimal"
)

// tickOffset is the fractional price step LimitScalper bids below the
// current price, small enough to stay marketable once the market moves in
// its favor but not marketable on the bar it's posted.
var tickOffset = decimal.NewFromFloat(0.0005)

func newUUID() string { return uuid.NewString() }

// Factory builds a Strategy from its enumeration row and bridge. Signature
// matches runner.Assemble's factory parameter.
type Factory func(row strategyregistry.Row, b *strategy.Bridge) (strategy.Strategy, error)

// Registry maps class_name to the Factory that builds it. Go has no
// dynamic module loading, so the enumeration table's class names resolve
// against this map instead.
var Registry = map[string]Factory{
	"BuyAndHold":   NewBuyAndHold,
	"LimitScalper": NewLimitScalper,
}

// Lookup resolves row.ClassName against Registry.
func Lookup(row strategyregistry.Row, b *strategy.Bridge) (strategy.Strategy, error) {
	factory, ok := Registry[row.ClassName]
	if !ok {
		return nil, fmt.Errorf("strategies: unknown class_name %q for strategy_id %q", row.ClassName, row.StrategyID)
	}
	return factory(row, b)
}

// BuyAndHold establishes a single target position on the first bar of each
// symbol it tracks and otherwise does nothing, the simplest possible
// exercise of Bridge.Intent.
type BuyAndHold struct {
	strategy.BaseStrategy
	targetQuantity int64
	entered        map[string]bool
}

// NewBuyAndHold builds a BuyAndHold strategy for row with a fixed target
// quantity of 100.
func NewBuyAndHold(row strategyregistry.Row, b *strategy.Bridge) (strategy.Strategy, error) {
	s := &BuyAndHold{
		BaseStrategy: strategy.BaseStrategy{
			StrategyID:   row.StrategyID,
			StrategyUUID: newUUID(),
			Bridge:       b,
		},
		targetQuantity: 100,
		entered:        make(map[string]bool),
	}
	return s, nil
}

func (s *BuyAndHold) OnBar(ts time.Time) error {
	for _, sym := range s.Symbols {
		key := sym.ProductType + ":" + sym.Symbol
		if s.entered[key] {
			continue
		}
		s.Bridge.Intent(s.StrategyUUID, sym.ProductType, sym.Symbol, s.targetQuantity, ts)
		s.entered[key] = true
	}
	return nil
}

// LimitScalper posts a single LIMIT buy one tick below the current price
// and cancels it if still open after holdBars bars have passed,
// exercising the order/cancel surface directly rather than through
// intents.
type LimitScalper struct {
	strategy.BaseStrategy
	holdBars int
	pending  map[string]*pendingOrder
}

type pendingOrder struct {
	uuid    string
	openAt  time.Time
	barsOld int
}

// NewLimitScalper builds a LimitScalper strategy.
func NewLimitScalper(row strategyregistry.Row, b *strategy.Bridge) (strategy.Strategy, error) {
	s := &LimitScalper{
		BaseStrategy: strategy.BaseStrategy{
			StrategyID:   row.StrategyID,
			StrategyUUID: newUUID(),
			Bridge:       b,
		},
		holdBars: 3,
		pending:  make(map[string]*pendingOrder),
	}
	return s, nil
}

func (s *LimitScalper) OnBar(ts time.Time) error {
	for _, sym := range s.Symbols {
		key := sym.ProductType + ":" + sym.Symbol
		if p, open := s.pending[key]; open {
			p.barsOld++
			if p.barsOld > s.holdBars {
				if o, ok := s.Bridge.GetOrder(p.uuid); ok && !o.Closed {
					_ = s.Bridge.CancelOrder(o, ts)
				}
			}
			continue
		}
		price, err := s.Bridge.MarketData.CurrentPrice(sym.ProductType, sym.Symbol)
		if err != nil {
			continue
		}
		details := map[string]string{"price": price.Sub(price.Mul(tickOffset)).String()}
		uuid, err := s.Bridge.Order(s.StrategyUUID, s.StrategyID, sym.ProductType, sym.Symbol, order.Buy, 100, order.Limit, details, ts)
		if err != nil {
			continue
		}
		s.pending[key] = &pendingOrder{uuid: uuid, openAt: ts}
	}
	return nil
}

func (s *LimitScalper) OnFills(ts time.Time, orders []*order.Order) error {
	s.clearResolved(orders)
	return nil
}

func (s *LimitScalper) OnCancels(ts time.Time, orders []*order.Order) error {
	s.clearResolved(orders)
	return nil
}

func (s *LimitScalper) clearResolved(orders []*order.Order) {
	for _, o := range orders {
		key := o.ProductType + ":" + o.Symbol
		if p, ok := s.pending[key]; ok && p.uuid == o.UUID {
			delete(s.pending, key)
		}
	}
}
