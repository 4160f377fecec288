// Package marketdata specifies the external market-data collaborator
// boundary and ships a fixture-driven in-memory implementation used by
// tests and the paper-trading CLI path. The historical/live feed
// machinery itself lives outside this engine.
package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV observation for a (product_type, symbol, frequency) at
// a given bartime.
type Bar struct {
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// Key identifies a tracked (product_type, symbol, frequency) series.
type Key struct {
	ProductType string
	Symbol      string
	Frequency   string
}

// Manager is the market-data boundary consumed by the engine.
// Implementations may be backed by a live feed, a historical replay, or,
// as here, a fixture map.
type Manager interface {
	// Bartime returns the manager's current simulation/live clock.
	Bartime() time.Time
	// SetBartime advances the manager's clock; EventProcessor's ProcessBar
	// calls this once per bar, before its other steps.
	SetBartime(t time.Time)
	// Update refreshes cached data for (productType, frequency) as of the
	// current bartime; a no-op for fixture-backed managers.
	Update(productType, frequency string) error
	// CurrentBar returns the bar for (productType, symbol) at the current
	// bartime.
	CurrentBar(productType, symbol string) (Bar, error)
	// CurrentPrice returns the last traded price at the current bartime
	// (the fixture/live convention is the bar's close).
	CurrentPrice(productType, symbol string) (decimal.Decimal, error)
	// PriorClose returns the previous bar's close.
	PriorClose(productType, symbol string) (decimal.Decimal, error)
}

// ErrNoMarketData is returned when a bar is requested for a time/symbol
// the manager has no data for. Callers log and skip the symbol for the
// bar; it is not fatal.
type ErrNoMarketData struct {
	ProductType, Symbol string
	Bartime             time.Time
}

func (e *ErrNoMarketData) Error() string {
	return fmt.Sprintf("marketdata: no data for %s:%s at %s", e.ProductType, e.Symbol, e.Bartime)
}

// InMemoryManager is a fixture-driven Manager: bars are pre-loaded per
// (product_type, symbol) keyed by bartime, in the order a backtest or unit
// test supplies them.
type InMemoryManager struct {
	mu      sync.RWMutex
	bartime time.Time
	series  map[string]map[int64]Bar // "productType:symbol" -> unixnano(bartime) -> Bar
	order   map[string][]int64       // insertion-ordered bartimes per series, for PriorClose
}

// NewInMemoryManager creates an empty fixture manager.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		series: make(map[string]map[int64]Bar),
		order:  make(map[string][]int64),
	}
}

func seriesKey(productType, symbol string) string {
	return productType + ":" + symbol
}

// LoadBar seeds one bar for (productType, symbol) at bartime t.
func (m *InMemoryManager) LoadBar(productType, symbol string, t time.Time, b Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey(productType, symbol)
	if m.series[key] == nil {
		m.series[key] = make(map[int64]Bar)
	}
	ns := t.UnixNano()
	if _, exists := m.series[key][ns]; !exists {
		m.order[key] = append(m.order[key], ns)
	}
	m.series[key][ns] = b
}

func (m *InMemoryManager) Bartime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bartime
}

func (m *InMemoryManager) SetBartime(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bartime = t
}

func (m *InMemoryManager) Update(productType, frequency string) error {
	return nil
}

func (m *InMemoryManager) CurrentBar(productType, symbol string) (Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := seriesKey(productType, symbol)
	b, ok := m.series[key][m.bartime.UnixNano()]
	if !ok {
		return Bar{}, &ErrNoMarketData{ProductType: productType, Symbol: symbol, Bartime: m.bartime}
	}
	return b, nil
}

func (m *InMemoryManager) CurrentPrice(productType, symbol string) (decimal.Decimal, error) {
	b, err := m.CurrentBar(productType, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Close, nil
}

func (m *InMemoryManager) PriorClose(productType, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := seriesKey(productType, symbol)
	times := m.order[key]
	cur := m.bartime.UnixNano()
	var prior int64 = -1
	found := false
	for _, ns := range times {
		if ns < cur && (!found || ns > prior) {
			prior = ns
			found = true
		}
	}
	if !found {
		return decimal.Zero, &ErrNoMarketData{ProductType: productType, Symbol: symbol, Bartime: m.bartime}
	}
	return m.series[key][prior].Close, nil
}

// LoadCSV seeds bars for (productType, symbol) from r, one row per bar:
// "bartime,open,high,low,close,volume" with bartime as RFC3339.
func (m *InMemoryManager) LoadCSV(productType, symbol string, r io.Reader) error {
	reader := csv.NewReader(r)
	rows, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("marketdata: reading csv: %w", err)
	}
	for i, row := range rows {
		if len(row) < 6 {
			return fmt.Errorf("marketdata: row %d: want 6 columns, got %d", i, len(row))
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return fmt.Errorf("marketdata: row %d: parsing bartime: %w", i, err)
		}
		open, err := decimal.NewFromString(row[1])
		if err != nil {
			return fmt.Errorf("marketdata: row %d: parsing open: %w", i, err)
		}
		high, err := decimal.NewFromString(row[2])
		if err != nil {
			return fmt.Errorf("marketdata: row %d: parsing high: %w", i, err)
		}
		low, err := decimal.NewFromString(row[3])
		if err != nil {
			return fmt.Errorf("marketdata: row %d: parsing low: %w", i, err)
		}
		closeP, err := decimal.NewFromString(row[4])
		if err != nil {
			return fmt.Errorf("marketdata: row %d: parsing close: %w", i, err)
		}
		volume, err := strconv.ParseInt(row[5], 10, 64)
		if err != nil {
			return fmt.Errorf("marketdata: row %d: parsing volume: %w", i, err)
		}
		m.LoadBar(productType, symbol, ts, Bar{Open: open, High: high, Low: low, Close: closeP, Volume: volume})
	}
	return nil
}
