package oms

import (
	"testing"
	"time"

	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

func newTestOrder(now time.Time) *order.Order {
	return order.New("strat-1", "strat-1", "stock", "TEST", order.Buy, 100, order.Limit, map[string]string{"price": "10.0"}, now)
}

func TestNewOrderRejectsDuplicateUUID(t *testing.T) {
	m := New()
	now := time.Now()
	o := newTestOrder(now)

	if err := m.NewOrder(o); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := m.NewOrder(o)
	if _, ok := err.(*DuplicateUUIDError); !ok {
		t.Fatalf("expected DuplicateUUIDError, got %v", err)
	}
}

func TestNewOrderRequiresCreatedState(t *testing.T) {
	m := New()
	o := newTestOrder(time.Now())
	o.State = order.Staged
	if err := m.NewOrder(o); err == nil {
		t.Fatal("expected error inserting non-CREATED order")
	}
}

func TestChangeStateValidatesEdges(t *testing.T) {
	m := New()
	now := time.Now()
	o := newTestOrder(now)
	_ = m.NewOrder(o)

	if err := m.ChangeState(o, order.RiskAccepted, now); err == nil {
		t.Fatal("expected invalid transition CREATED -> RISK_ACCEPTED")
	}
	if err := m.ChangeState(o, order.Staged, now); err != nil {
		t.Fatalf("CREATED -> STAGED: %v", err)
	}
	if err := m.ChangeState(o, order.RiskAccepted, now); err != nil {
		t.Fatalf("STAGED -> RISK_ACCEPTED: %v", err)
	}
	if len(o.StateHistory) != 3 {
		t.Fatalf("state_df length = %d, want 3", len(o.StateHistory))
	}
}

func TestChangeStateClosedPartitionMove(t *testing.T) {
	m := New()
	now := time.Now()
	o := newTestOrder(now)
	_ = m.NewOrder(o)
	_ = m.ChangeState(o, order.Staged, now)
	_ = m.ChangeState(o, order.RiskRejected, now)

	if !o.Closed {
		t.Fatal("order should be closed after RISK_REJECTED")
	}
	open := m.OpenOrdersList(Filter{})
	if len(open) != 0 {
		t.Fatalf("open orders = %d, want 0", len(open))
	}
	closed := m.ClosedOrdersList(Filter{})
	if len(closed) != 1 {
		t.Fatalf("closed orders = %d, want 1", len(closed))
	}
}

func TestMarketStateGatesStagedProgress(t *testing.T) {
	m := New()
	now := time.Now()
	m.MarketState("stock", false)

	o := newTestOrder(now)
	_ = m.NewOrder(o)
	_ = m.ChangeState(o, order.Staged, now)

	err := m.ChangeState(o, order.RiskAccepted, now)
	if _, ok := err.(*MarketClosedError); !ok {
		t.Fatalf("expected MarketClosedError, got %v", err)
	}
}

func TestToBeBookedListAfterFill(t *testing.T) {
	m := New()
	now := time.Now()
	o := newTestOrder(now)
	_ = m.NewOrder(o)
	_ = m.ChangeState(o, order.Staged, now)
	_ = m.ChangeState(o, order.RiskAccepted, now)
	_ = m.ChangeState(o, order.Sent, now)
	_ = m.ApplyFill(o, order.Fill{FillID: "f1", Timestamp: now, Bartime: now, Quantity: 100, Price: decimal.NewFromFloat(9.9)})
	_ = m.ChangeState(o, order.Filled, now)

	list := m.ToBeBookedList()
	if len(list) != 1 || list[0].UUID != o.UUID {
		t.Fatalf("to_be_booked_list = %+v, want [order]", list)
	}

	m.SetBooked(o, true)
	if len(m.ToBeBookedList()) != 0 {
		t.Fatal("order should drop off to_be_booked_list once booked")
	}
}

func TestOrdersListFilterIsANDOfFields(t *testing.T) {
	m := New()
	now := time.Now()
	o1 := newTestOrder(now)
	o2 := order.New("strat-2", "strat-2", "stock", "OTHER", order.Sell, 50, order.Market, nil, now)
	_ = m.NewOrder(o1)
	_ = m.NewOrder(o2)

	got := m.OrdersList(Filter{Symbol: "TEST", State: order.Created})
	if len(got) != 1 || got[0].UUID != o1.UUID {
		t.Fatalf("filtered orders = %+v, want [o1]", got)
	}

	got = m.OrdersList(Filter{Symbol: "TEST", State: order.Staged})
	if len(got) != 0 {
		t.Fatalf("filtered orders = %+v, want []", got)
	}
}

func TestInsertionOrderIsStable(t *testing.T) {
	m := New()
	now := time.Now()
	var uuids []string
	for i := 0; i < 20; i++ {
		o := order.New("s", "s", "stock", "TEST", order.Buy, 1, order.Market, nil, now)
		_ = m.NewOrder(o)
		uuids = append(uuids, o.UUID)
	}
	got := m.OrdersList(Filter{})
	for i, o := range got {
		if o.UUID != uuids[i] {
			t.Fatalf("order at index %d = %s, want %s (insertion order)", i, o.UUID, uuids[i])
		}
	}
}
