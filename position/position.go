// Package position implements the PositionManager: it books fills into a
// keyed (strategy_id, product_type, symbol) ledger and computes per-row
// average cost, trade PnL, position PnL and commission.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rsheftel/barrunner/logging"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

// Key identifies one row of the position ledger.
type Key struct {
	StrategyID  string
	ProductType string
	Symbol      string
}

func (k Key) String() string { return fmt.Sprintf("%s|%s|%s", k.StrategyID, k.ProductType, k.Symbol) }

// Position is one row of the keyed ledger.
type Position struct {
	Key Key

	CurrentPosition int64
	StartPosition   int64
	NetQuantity     int64
	BuyQuantity     int64
	SellQuantity    int64
	BuyAvgPrice     decimal.Decimal
	SellAvgPrice    decimal.Decimal

	BuyPnl          decimal.Decimal
	SellPnl         decimal.Decimal
	TradePnl        decimal.Decimal
	PositionPnl     decimal.Decimal
	GrossPnl        decimal.Decimal
	Commission      decimal.Decimal
	NetPnl          decimal.Decimal
	PriorClosePrice decimal.Decimal
	CurrentPrice    decimal.Decimal
}

// Trade is one append-only entry in the ledger backing a Position row.
type Trade struct {
	OriginatorID string
	StrategyID   string
	Timestamp    time.Time
	ProductType  string
	Symbol       string
	Side         order.Side
	Quantity     int64
	Price        decimal.Decimal
	Commission   decimal.Decimal
}

// Manager is the PositionManager.
type Manager struct {
	mu     sync.Mutex
	rows   map[Key]*Position
	order  []Key
	trades []Trade
	audit  *logging.AuditLogger
}

// New creates an empty PositionManager.
func New() *Manager {
	return &Manager{rows: make(map[Key]*Position)}
}

// SetAuditLogger attaches an audit trail recording every (strategy,
// product_type, symbol) row returning flat. A nil logger (the default)
// turns LogPositionClose into a no-op.
func (m *Manager) SetAuditLogger(al *logging.AuditLogger) {
	m.audit = al
}

func (m *Manager) rowLocked(k Key) *Position {
	row, ok := m.rows[k]
	if !ok {
		row = &Position{Key: k, BuyAvgPrice: decimal.Zero, SellAvgPrice: decimal.Zero}
		m.rows[k] = row
		m.order = append(m.order, k)
	}
	return row
}

// SetStartPosition seeds the session-start position for a key, typically
// loaded from persistence at begin-of-day.
func (m *Manager) SetStartPosition(strategyID, productType, symbol string, start int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rowLocked(Key{strategyID, productType, symbol})
	row.StartPosition = start
	row.CurrentPosition = start + row.BuyQuantity - row.SellQuantity
}

// EnterTrade appends one trade and updates its row's running buy/sell
// quantities, quantity-weighted average prices and current position.
func (m *Manager) EnterTrade(originatorID, strategyID string, ts time.Time, productType, symbol string, side order.Side, quantity int64, price decimal.Decimal, commission decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key{strategyID, productType, symbol}
	row := m.rowLocked(k)
	prevPosition := row.CurrentPosition

	switch side {
	case order.Buy:
		total := row.BuyAvgPrice.Mul(decimal.NewFromInt(row.BuyQuantity)).Add(price.Mul(decimal.NewFromInt(quantity)))
		row.BuyQuantity += quantity
		if row.BuyQuantity > 0 {
			row.BuyAvgPrice = total.Div(decimal.NewFromInt(row.BuyQuantity))
		}
		row.NetQuantity += quantity
	case order.Sell:
		total := row.SellAvgPrice.Mul(decimal.NewFromInt(row.SellQuantity)).Add(price.Mul(decimal.NewFromInt(quantity)))
		row.SellQuantity += quantity
		if row.SellQuantity > 0 {
			row.SellAvgPrice = total.Div(decimal.NewFromInt(row.SellQuantity))
		}
		row.NetQuantity -= quantity
	}
	row.CurrentPosition = row.StartPosition + row.BuyQuantity - row.SellQuantity
	row.Commission = row.Commission.Add(commission)

	if prevPosition != 0 && row.CurrentPosition == 0 {
		netPnl, _ := row.NetPnl.Float64()
		m.audit.LogPositionClose(context.Background(), strategyID, productType, symbol, netPnl)
	}

	m.trades = append(m.trades, Trade{
		OriginatorID: originatorID,
		StrategyID:   strategyID,
		Timestamp:    ts,
		ProductType:  productType,
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		Price:        price,
		Commission:   commission,
	})
}

// EnterTradeFromOrder derives EnterTrade's parameters from o's accumulated
// fills; o must be closed with at least one fill.
func (m *Manager) EnterTradeFromOrder(o *order.Order) error {
	if !o.Closed {
		return fmt.Errorf("position: order %s is not closed", o.UUID)
	}
	if len(o.Fills) == 0 {
		return fmt.Errorf("position: order %s has no fills", o.UUID)
	}
	ts := o.Fills[len(o.Fills)-1].Timestamp
	m.EnterTrade(o.OriginatorID, o.StrategyID, ts, o.ProductType, o.Symbol, o.Side, o.FillQuantity, o.FillPrice, o.Commission)
	return nil
}

// BookFills applies every unbooked closed order from m and marks it
// booked, so re-running it is idempotent.
func (m *Manager) BookFills(manager *oms.OrderManager) error {
	for _, o := range manager.ToBeBookedList() {
		if err := m.EnterTradeFromOrder(o); err != nil {
			return err
		}
		manager.SetBooked(o, true)
	}
	return nil
}

// UpdatePnl recomputes every row's PnL fields from mdm's current price and
// prior close. The identity net_pnl == buy_pnl + sell_pnl + position_pnl
// + commission holds after every call.
func (m *Manager) UpdatePnl(mdm marketdata.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.order {
		row := m.rows[k]
		price, err := mdm.CurrentPrice(k.ProductType, k.Symbol)
		if err != nil {
			continue // NoMarketData: skip this row this bar, not fatal
		}
		prior, err := mdm.PriorClose(k.ProductType, k.Symbol)
		if err != nil {
			prior = row.PriorClosePrice
		}
		row.CurrentPrice = price
		row.PriorClosePrice = prior

		if row.BuyQuantity > 0 {
			row.BuyPnl = price.Sub(row.BuyAvgPrice).Mul(decimal.NewFromInt(row.BuyQuantity))
		} else {
			row.BuyPnl = decimal.Zero
		}
		if row.SellQuantity > 0 {
			row.SellPnl = row.SellAvgPrice.Sub(price).Mul(decimal.NewFromInt(row.SellQuantity))
		} else {
			row.SellPnl = decimal.Zero
		}
		row.TradePnl = row.BuyPnl.Add(row.SellPnl)
		row.PositionPnl = price.Sub(row.PriorClosePrice).Mul(decimal.NewFromInt(row.StartPosition))
		row.GrossPnl = row.TradePnl.Add(row.PositionPnl)
		row.NetPnl = row.GrossPnl.Add(row.Commission)
	}
	return nil
}

// CurrentPosition reports the current signed position for a key, used by
// Portfolio's intent-delta conversion.
func (m *Manager) CurrentPosition(strategyID, productType, symbol string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[Key{strategyID, productType, symbol}]
	if !ok {
		return 0, false
	}
	return row.CurrentPosition, true
}

// GetValue reads a single named field off one row.
func (m *Manager) GetValue(strategyID, productType, symbol, field string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[Key{strategyID, productType, symbol}]
	if !ok {
		return decimal.Zero, fmt.Errorf("position: no row for %s/%s/%s", strategyID, productType, symbol)
	}
	switch field {
	case "current_position":
		return decimal.NewFromInt(row.CurrentPosition), nil
	case "start_position":
		return decimal.NewFromInt(row.StartPosition), nil
	case "net_quantity":
		return decimal.NewFromInt(row.NetQuantity), nil
	case "buy_quantity":
		return decimal.NewFromInt(row.BuyQuantity), nil
	case "sell_quantity":
		return decimal.NewFromInt(row.SellQuantity), nil
	case "buy_avg_price":
		return row.BuyAvgPrice, nil
	case "sell_avg_price":
		return row.SellAvgPrice, nil
	case "buy_pnl":
		return row.BuyPnl, nil
	case "sell_pnl":
		return row.SellPnl, nil
	case "trade_pnl":
		return row.TradePnl, nil
	case "position_pnl":
		return row.PositionPnl, nil
	case "gross_pnl":
		return row.GrossPnl, nil
	case "commission":
		return row.Commission, nil
	case "net_pnl":
		return row.NetPnl, nil
	case "prior_close_price":
		return row.PriorClosePrice, nil
	case "current_price":
		return row.CurrentPrice, nil
	default:
		return decimal.Zero, fmt.Errorf("position: unknown field %q", field)
	}
}

// PositionsDF is the tabular projection of the keyed ledger, sorted by
// composite key.
func (m *Manager) PositionsDF() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, len(m.order))
	copy(keys, m.order)
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	out := make([]Position, 0, len(keys))
	for _, k := range keys {
		out = append(out, *m.rows[k])
	}
	return out
}

// Trades returns the append-only trade ledger in insertion order.
func (m *Manager) Trades() []Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}
