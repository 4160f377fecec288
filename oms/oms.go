// Package oms is the OrderManager: the single source of truth for every
// Order in the system. No other component mutates an Order's state-bearing
// fields directly — they all go through OrderManager.
package oms

import (
	"fmt"
	"sync"
	"time"

	"github.com/rsheftel/barrunner/order"
)

// DuplicateUUIDError is returned by NewOrder when the uuid already exists.
type DuplicateUUIDError struct{ UUID string }

func (e *DuplicateUUIDError) Error() string {
	return fmt.Sprintf("oms: duplicate uuid %s", e.UUID)
}

// InvalidTransitionError is returned by ChangeState on a disallowed edge.
type InvalidTransitionError struct {
	UUID     string
	From, To order.State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("oms: invalid transition %s -> %s for order %s", e.From, e.To, e.UUID)
}

// MarketClosedError is returned when a transition beyond STAGED is
// attempted for a product whose market is closed.
type MarketClosedError struct{ ProductType string }

func (e *MarketClosedError) Error() string {
	return fmt.Sprintf("oms: market closed for product %s", e.ProductType)
}

// Filter restricts queries to orders whose fields match every provided
// key. Zero-value fields are treated as "don't filter on this".
type Filter struct {
	State          order.State
	Symbol         string
	ProductType    string
	OriginatorUUID string
	StrategyUUID   string
	StrategyID     string
	PortfolioUUID  string
}

func (f Filter) matches(o *order.Order) bool {
	if f.State != "" && o.State != f.State {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.ProductType != "" && o.ProductType != f.ProductType {
		return false
	}
	if f.OriginatorUUID != "" && o.OriginatorUUID != f.OriginatorUUID {
		return false
	}
	if f.StrategyUUID != "" && o.StrategyUUID != f.StrategyUUID {
		return false
	}
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	if f.PortfolioUUID != "" && o.PortfolioUUID != f.PortfolioUUID {
		return false
	}
	return true
}

// OrderManager is the central Order repository.
type OrderManager struct {
	mu             sync.RWMutex
	orders         map[string]*order.Order
	insertionOrder []string
	openUUIDs      map[string]bool
	closedUUIDs    map[string]bool
	marketOpen     map[string]bool // product_type -> is tradable
}

// New creates an empty OrderManager.
func New() *OrderManager {
	return &OrderManager{
		orders:      make(map[string]*order.Order),
		openUUIDs:   make(map[string]bool),
		closedUUIDs: make(map[string]bool),
		marketOpen:  make(map[string]bool),
	}
}

// NewOrder inserts o, which must be in state CREATED.
func (m *OrderManager) NewOrder(o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.State != order.Created {
		return fmt.Errorf("oms: new_order requires state CREATED, got %s", o.State)
	}
	if _, exists := m.orders[o.UUID]; exists {
		return &DuplicateUUIDError{UUID: o.UUID}
	}
	m.orders[o.UUID] = o
	m.insertionOrder = append(m.insertionOrder, o.UUID)
	m.openUUIDs[o.UUID] = true
	return nil
}

// MarketState records whether a product_type is currently tradable.
func (m *OrderManager) MarketState(productType string, isOpen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketOpen[productType] = isOpen
}

// IsMarketOpen reports the last-recorded tradability of productType.
// Unknown products default to open so paper-trading fixtures that never
// call MarketState behave as before this gate existed.
func (m *OrderManager) IsMarketOpen(productType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open, known := m.marketOpen[productType]
	if !known {
		return true
	}
	return open
}

// ChangeState validates and applies a state transition, appending to the
// order's state_df and moving it between the open/closed partitions.
func (m *OrderManager) ChangeState(o *order.Order, newState order.State, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.UUID]; !ok {
		return fmt.Errorf("oms: unknown order %s", o.UUID)
	}
	if !order.CanTransition(o.State, newState) {
		return &InvalidTransitionError{UUID: o.UUID, From: o.State, To: newState}
	}
	// Staged orders may not progress further while their market is closed;
	// Risk is expected to reject them instead.
	if o.State == order.Staged && newState == order.RiskAccepted {
		if open, known := m.marketOpen[o.ProductType]; known && !open {
			return &MarketClosedError{ProductType: o.ProductType}
		}
	}

	o.State = newState
	o.StateHistory = append(o.StateHistory, order.StateChange{Timestamp: now, State: newState})
	if order.IsClosed(newState) {
		o.Closed = true
		delete(m.openUUIDs, o.UUID)
		m.closedUUIDs[o.UUID] = true
	}
	return nil
}

// ApplyFill folds a fill into o's running totals. The OMS is the only
// component allowed to mutate fill-bearing fields; Broker calls this, then
// calls ChangeState separately to move the order's state.
func (m *OrderManager) ApplyFill(o *order.Order, f order.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.UUID]; !ok {
		return fmt.Errorf("oms: unknown order %s", o.UUID)
	}
	if o.Remaining() < f.Quantity {
		return fmt.Errorf("oms: fill quantity %d exceeds remaining %d for order %s", f.Quantity, o.Remaining(), o.UUID)
	}
	o.ApplyFill(f)
	return nil
}

// Replace appends a replacement entry and updates o's live quantity and
// details. Only callable while o is in a request/sent transient state;
// callers are responsible for the surrounding state transitions.
func (m *OrderManager) Replace(o *order.Order, quantity int64, details map[string]string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.UUID]; !ok {
		return fmt.Errorf("oms: unknown order %s", o.UUID)
	}
	o.Replace(quantity, details, now)
	return nil
}

// SetBrokerIDs records the broker- and exchange-assigned identifiers for o.
// Only Broker calls this, immediately after SendOrder/SendReplace.
func (m *OrderManager) SetBrokerIDs(o *order.Order, brokerOrderID, exchangeOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if brokerOrderID != "" {
		o.BrokerOrderID = brokerOrderID
	}
	if exchangeOrderID != "" {
		o.ExchangeOrderID = exchangeOrderID
	}
}

// SetPortfolio tags o with the portfolio that staged it.
func (m *OrderManager) SetPortfolio(o *order.Order, portfolioUUID, portfolioID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.PortfolioUUID = portfolioUUID
	o.PortfolioID = portfolioID
}

// SetDetail annotates o.Details with a single key/value pair, used by Risk
// to record a rejection reason without exposing direct map mutation to
// every caller.
func (m *OrderManager) SetDetail(o *order.Order, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Details == nil {
		o.Details = make(map[string]string)
	}
	o.Details[key] = value
}

// SetPendingReplace records the new quantity/details a REPLACE_REQUESTED
// order should carry once Broker.SendReplaces forwards it.
func (m *OrderManager) SetPendingReplace(o *order.Order, quantity int64, details map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.PendingReplaceQuantity = quantity
	o.PendingReplaceDetails = cloneStringMap(details)
}

func cloneStringMap(d map[string]string) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// SetBooked sets the PositionManager's booked flag for a closed order.
func (m *OrderManager) SetBooked(o *order.Order, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		o.Booked = order.BookedTrue
	} else {
		o.Booked = order.BookedFalse
	}
}

// ToBeBookedList returns closed orders with booked == false, in insertion
// order, ready for PositionManager.BookFills.
func (m *OrderManager) ToBeBookedList() []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*order.Order
	for _, uuid := range m.orderedUUIDsLocked() {
		o := m.orders[uuid]
		if o.Closed && o.Booked == order.BookedFalse {
			out = append(out, o)
		}
	}
	return out
}

// OrdersList returns every order matching f, in insertion order.
func (m *OrderManager) OrdersList(f Filter) []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*order.Order
	for _, uuid := range m.orderedUUIDsLocked() {
		o := m.orders[uuid]
		if f.matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// OpenOrdersList returns open-partition orders matching f.
func (m *OrderManager) OpenOrdersList(f Filter) []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*order.Order
	for _, uuid := range m.orderedUUIDsLocked() {
		if !m.openUUIDs[uuid] {
			continue
		}
		o := m.orders[uuid]
		if f.matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// ClosedOrdersList returns closed-partition orders matching f.
func (m *OrderManager) ClosedOrdersList(f Filter) []*order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*order.Order
	for _, uuid := range m.orderedUUIDsLocked() {
		if !m.closedUUIDs[uuid] {
			continue
		}
		o := m.orders[uuid]
		if f.matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// Get returns the order for uuid, if present.
func (m *OrderManager) Get(uuid string) (*order.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[uuid]
	return o, ok
}

// orderedUUIDsLocked returns all known uuids in insertion order. Callers
// must hold m.mu. insertionOrder is maintained separately from the maps
// above so iteration never depends on Go's randomized map order: queries
// must return orders in insertion order, ties broken by uuid.
func (m *OrderManager) orderedUUIDsLocked() []string {
	out := make([]string, 0, len(m.insertionOrder))
	out = append(out, m.insertionOrder...)
	return out
}
