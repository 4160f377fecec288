// Package exchange implements the simulated trading venue: PaperExchange
// accepts orders by value (never the engine's order.Order), matches them
// against the current bar, and produces fills.
package exchange

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

// Fill is one execution reported back by the exchange. Broker mirrors
// these into order.Fill entries on the trading-system Order, attaching its
// own commission.
type Fill struct {
	FillID    string
	Timestamp time.Time
	Bartime   time.Time
	Quantity  int64
	Price     decimal.Decimal
}

// PaperOrder is the exchange's own value copy of a submitted order, plus
// its own fill history. It never references the trading-system order.Order.
type PaperOrder struct {
	ExchangeOrderID string
	ProductType     string
	Symbol          string
	Side            order.Side
	Quantity        int64
	Type            order.Type
	Details         map[string]string

	ReceivedBartime   time.Time
	Open              bool
	FilledQuantity    int64
	Fills             []Fill
	CloseBarTimestamp time.Time
}

func (p *PaperOrder) remaining() int64 { return p.Quantity - p.FilledQuantity }

// Params tunes the paper fill model.
type Params struct {
	// FillMultiplier is the fraction (<=1) of a bar's volume available to
	// all competing orders on that symbol this bar.
	FillMultiplier decimal.Decimal
	// StockFeePerShare is unused by the exchange itself (commission is a
	// Broker concern) but is kept here because paper-trading fixtures
	// construct both from the same config block.
	StockFeePerShare decimal.Decimal
}

// DefaultParams is suitable for paper trading against daily or minute
// bars: the full bar volume is available, stock commission half a cent a
// share.
func DefaultParams() Params {
	return Params{
		FillMultiplier:   decimal.NewFromFloat(1.0),
		StockFeePerShare: decimal.NewFromFloat(0.005),
	}
}

// PaperExchange is a deliberately simple fill model, not a real matching
// engine: one pass per bar, price-touch fill rules, a shared volume cap.
type PaperExchange struct {
	mu             sync.Mutex
	params         Params
	book           map[string]*PaperOrder
	insertionOrder []string
	seq            int64
	currentBartime time.Time
}

// New creates a PaperExchange with the given parameters.
func New(params Params) *PaperExchange {
	return &PaperExchange{
		params: params,
		book:   make(map[string]*PaperOrder),
	}
}

// SetBartime records the bar currently being processed. EventProcessor's
// ProcessBar calls this once per bar, before the broker forwards any newly
// accepted orders, so the
// exchange can queue same-bar arrivals: an order received during a bar
// is only eligible to fill from the next bar on.
func (e *PaperExchange) SetBartime(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentBartime = t
}

// ReceiveOrder accepts an order by value and returns a newly minted,
// monotonic exchange_order_id. The exchange never sees the trading-system
// Order object.
func (e *PaperExchange) ReceiveOrder(productType, symbol string, side order.Side, quantity int64, typ order.Type, details map[string]string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	id := fmt.Sprintf("EX-%d-%06d", e.currentBartime.UnixNano(), e.seq)
	po := &PaperOrder{
		ExchangeOrderID: id,
		ProductType:     productType,
		Symbol:          symbol,
		Side:            side,
		Quantity:        quantity,
		Type:            typ,
		Details:         details,
		ReceivedBartime: e.currentBartime,
		Open:            true,
	}
	e.book[id] = po
	e.insertionOrder = append(e.insertionOrder, id)
	return id
}

// Get returns a snapshot copy of the paper order for id.
func (e *PaperExchange) Get(id string) (PaperOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.book[id]
	if !ok {
		return PaperOrder{}, false
	}
	return *po, true
}

// ProcessOrders matches every currently-eligible open order against the
// current bar for its (product_type, symbol). LIMIT buys fill when the
// bar's low touches the limit, LIMIT sells when the high does, MARKET
// orders at the open. Orders competing for the same symbol's volume cap
// fill FIFO in insertion order, not pro-rata.
func (e *PaperExchange) ProcessOrders(mdm marketdata.Manager) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := mdm.Bartime()
	usedVolume := make(map[string]int64) // symbol -> volume consumed this bar

	for _, id := range e.insertionOrder {
		po := e.book[id]
		if !po.Open {
			continue
		}
		// Same-bar arrivals stay queued until the next tick.
		if !po.ReceivedBartime.Before(current) {
			continue
		}

		bar, err := mdm.CurrentBar(po.ProductType, po.Symbol)
		if err != nil {
			continue // NoMarketData: skip this symbol this bar, not fatal
		}

		cap := int64(math.Floor(float64(bar.Volume) * e.params.FillMultiplier.InexactFloat64()))
		available := cap - usedVolume[po.Symbol]
		if available <= 0 {
			continue
		}

		fillable, fillPrice := e.evaluate(po, bar)
		if !fillable {
			continue
		}

		qty := po.remaining()
		if qty > available {
			qty = available
		}
		if qty <= 0 {
			continue
		}

		f := Fill{
			FillID:    fmt.Sprintf("FILL-%s-%d", id, len(po.Fills)+1),
			Timestamp: current,
			Bartime:   current,
			Quantity:  qty,
			Price:     fillPrice,
		}
		po.Fills = append(po.Fills, f)
		po.FilledQuantity += qty
		usedVolume[po.Symbol] += qty

		if po.remaining() == 0 {
			po.Open = false
			po.CloseBarTimestamp = current
		}
	}
}

func (e *PaperExchange) evaluate(po *PaperOrder, bar marketdata.Bar) (bool, decimal.Decimal) {
	switch po.Type {
	case order.Market:
		return true, bar.Open
	case order.Limit:
		limit := parsePrice(po.Details["price"])
		if po.Side == order.Buy {
			if bar.Low.LessThanOrEqual(limit) {
				return true, decimal.Min(limit, bar.Open)
			}
			return false, decimal.Zero
		}
		if bar.High.GreaterThanOrEqual(limit) {
			return true, decimal.Max(limit, bar.Open)
		}
		return false, decimal.Zero
	default:
		return false, decimal.Zero
	}
}

func parsePrice(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Cancel closes id if still open, reporting whether the cancel took effect.
// false means the exchange had already closed the order (fully filled)
// before the cancel arrived — the caller (Broker) must treat this as a
// cancel-too-late race, not an error.
func (e *PaperExchange) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.book[id]
	if !ok || !po.Open {
		return false
	}
	po.Open = false
	return true
}

// FillOrder is a test hook and must never be called from the pipeline.
func (e *PaperExchange) FillOrder(id string, qty int64, price decimal.Decimal, ts time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	po, ok := e.book[id]
	if !ok {
		return fmt.Errorf("exchange: unknown order %s", id)
	}
	f := Fill{FillID: fmt.Sprintf("TESTFILL-%s-%d", id, len(po.Fills)+1), Timestamp: ts, Bartime: ts, Quantity: qty, Price: price}
	po.Fills = append(po.Fills, f)
	po.FilledQuantity += qty
	if po.remaining() == 0 {
		po.Open = false
		po.CloseBarTimestamp = ts
	}
	return nil
}
