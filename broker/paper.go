// Package broker implements PaperBroker, the simulated execution venue
// adapter that forwards RISK_ACCEPTED orders to the Exchange and mirrors
// the Exchange's fills back onto the trading-system Order via the
// OrderManager. A live-broker adapter would sit behind the same surface;
// none ships here.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rsheftel/barrunner/exchange"
	"github.com/rsheftel/barrunner/logging"
	"github.com/rsheftel/barrunner/metrics"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/shopspring/decimal"
)

// FeeSchedule maps product_type to a per-share commission. Commission is
// recorded as a negative amount on each Fill: costs carry a negative
// sign all the way through to net PnL.
type FeeSchedule map[string]decimal.Decimal

// DefaultFeeSchedule charges stock trades half a cent a share and
// everything else nothing.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{"stock": decimal.NewFromFloat(0.005)}
}

func (f FeeSchedule) perShare(productType string) decimal.Decimal {
	if fee, ok := f[productType]; ok {
		return fee
	}
	return decimal.Zero
}

// PaperBroker is the only Broker implementation shipped.
type PaperBroker struct {
	oms      *oms.OrderManager
	ex       *exchange.PaperExchange
	fees     FeeSchedule
	orderSeq int64
	mirrored map[string]int   // exchange_order_id -> fills already mirrored into the OMS order
	barCount int64            // ProcessFills passes completed, the broker's bar clock
	sentBar  map[string]int64 // order uuid -> barCount its send targeted, until first fill
	audit    *logging.AuditLogger
}

// New creates a PaperBroker wired to m and ex.
func New(m *oms.OrderManager, ex *exchange.PaperExchange, fees FeeSchedule) *PaperBroker {
	return &PaperBroker{oms: m, ex: ex, fees: fees, mirrored: make(map[string]int), sentBar: make(map[string]int64)}
}

// SetAuditLogger attaches an audit trail. A nil logger (the default) turns
// every audit call below into a no-op.
func (b *PaperBroker) SetAuditLogger(al *logging.AuditLogger) {
	b.audit = al
}

// SendOrders forwards every RISK_ACCEPTED order to the exchange,
// transitioning each to SENT.
func (b *PaperBroker) SendOrders(now time.Time) {
	for _, o := range b.oms.OpenOrdersList(oms.Filter{State: order.RiskAccepted}) {
		b.send(o, now)
	}
}

func (b *PaperBroker) send(o *order.Order, now time.Time) {
	b.orderSeq++
	brokerID := fmt.Sprintf("BRK-%d", b.orderSeq)
	exchangeID := b.ex.ReceiveOrder(o.ProductType, o.Symbol, o.Side, o.Quantity, o.Type, o.Details)
	b.oms.SetBrokerIDs(o, brokerID, exchangeID)
	b.sentBar[o.UUID] = b.barCount + 1 // sends precede this bar's ProcessFills pass
	if err := b.oms.ChangeState(o, order.Sent, now); err != nil {
		// Nothing else to do: the order stays RISK_ACCEPTED and will be
		// retried next bar by SendOrders.
		_ = err
		return
	}
	b.audit.LogOrderPlacement(context.Background(), o.UUID, o.StrategyID, o.ProductType, o.Symbol, string(o.Side), o.Quantity, string(o.Type))
}

// ProcessFills mirrors every new exchange fill onto its trading-system
// Order, applying commission and driving the SENT -> LIVE ->
// PARTIALLY_FILLED/FILLED transitions.
func (b *PaperBroker) ProcessFills(now time.Time) {
	b.barCount++
	states := []order.State{order.Sent, order.Live, order.PartiallyFilled}
	for _, st := range states {
		for _, o := range b.oms.OpenOrdersList(oms.Filter{State: st}) {
			b.mirror(o, now)
		}
	}
}

func (b *PaperBroker) mirror(o *order.Order, now time.Time) {
	if o.ExchangeOrderID == "" {
		return
	}
	po, ok := b.ex.Get(o.ExchangeOrderID)
	if !ok {
		return
	}

	if o.State == order.Sent {
		if err := b.oms.ChangeState(o, order.Live, now); err != nil {
			return
		}
	}

	// Counted per exchange order id, not len(o.Fills): after a replace the
	// order points at a fresh exchange order whose fill list restarts at
	// zero while o.Fills keeps the pre-replace fills.
	already := b.mirrored[o.ExchangeOrderID]
	if already >= len(po.Fills) {
		return
	}
	firstFill := len(o.Fills) == 0
	feePerShare := b.fees.perShare(o.ProductType)
	for _, f := range po.Fills[already:] {
		commission := feePerShare.Mul(decimal.NewFromInt(f.Quantity)).Neg()
		_ = b.oms.ApplyFill(o, order.Fill{
			FillID:     f.FillID,
			Timestamp:  f.Timestamp,
			Bartime:    f.Bartime,
			Quantity:   f.Quantity,
			Price:      f.Price,
			Commission: commission,
		})
	}
	b.mirrored[o.ExchangeOrderID] = len(po.Fills)

	if firstFill && len(o.Fills) > 0 {
		if sent, ok := b.sentBar[o.UUID]; ok {
			metrics.ObserveFillLatency(o.ProductType, o.Symbol, float64(b.barCount-sent))
			delete(b.sentBar, o.UUID)
		}
	}

	if o.Remaining() == 0 {
		_ = b.oms.ChangeState(o, order.Filled, now)
	} else {
		_ = b.oms.ChangeState(o, order.PartiallyFilled, now)
	}
}

// SendCancels forwards every CANCEL_REQUESTED order to the exchange,
// transitioning it to CANCEL_SENT and then resolving the race against a
// possibly-already-filled exchange order: CANCEL_SENT ends in CANCELED,
// or back in LIVE when the venue had already closed the order.
func (b *PaperBroker) SendCancels(now time.Time) {
	for _, o := range b.oms.OpenOrdersList(oms.Filter{State: order.CancelRequested}) {
		if err := b.oms.ChangeState(o, order.CancelSent, now); err != nil {
			continue
		}
		if b.ex.Cancel(o.ExchangeOrderID) {
			_ = b.oms.ChangeState(o, order.Canceled, now)
			b.audit.LogOrderCancellation(context.Background(), o.UUID, o.StrategyID, "success")
		} else {
			// Too late: the exchange had already closed the order. Revert to
			// LIVE; the next ProcessFills pass mirrors in whatever fills beat
			// the cancel and moves the order on to PARTIALLY_FILLED/FILLED.
			_ = b.oms.ChangeState(o, order.Live, now)
			b.audit.LogOrderCancellation(context.Background(), o.UUID, o.StrategyID, "too_late")
		}
	}
}

// SendReplaces forwards every REPLACE_REQUESTED order as a cancel of the
// old exchange order plus a fresh ReceiveOrder at the new quantity/details
// recorded by Bridge.ReplaceOrder. REPLACE_SENT resolves to LIVE on
// success or through REPLACE_REJECTED back to LIVE when the venue
// refuses.
func (b *PaperBroker) SendReplaces(now time.Time) {
	for _, o := range b.oms.OpenOrdersList(oms.Filter{State: order.ReplaceRequested}) {
		if err := b.oms.ChangeState(o, order.ReplaceSent, now); err != nil {
			continue
		}
		newQty := o.PendingReplaceQuantity
		if newQty == 0 {
			newQty = o.Quantity
		}
		newDetails := o.PendingReplaceDetails
		if newDetails == nil {
			newDetails = o.Details
		}

		// A resize below what has already filled would break the
		// fill_quantity <= quantity invariant; the venue outcome is a
		// rejection, which routes the order back to LIVE unchanged.
		if newQty <= o.FillQuantity || !b.ex.Cancel(o.ExchangeOrderID) {
			_ = b.oms.ChangeState(o, order.ReplaceRejected, now)
			_ = b.oms.ChangeState(o, order.Live, now)
			b.audit.LogOrderModification(context.Background(), o.UUID, o.StrategyID, newQty, "rejected")
			continue
		}
		// The replacement exchange order carries only the unfilled remainder;
		// fills already mirrored stay attributed to the old exchange order.
		exchangeID := b.ex.ReceiveOrder(o.ProductType, o.Symbol, o.Side, newQty-o.FillQuantity, o.Type, newDetails)
		b.oms.SetBrokerIDs(o, "", exchangeID)
		if err := b.oms.Replace(o, newQty, newDetails, now); err != nil {
			continue
		}
		_ = b.oms.ChangeState(o, order.Live, now)
		b.audit.LogOrderModification(context.Background(), o.UUID, o.StrategyID, newQty, "success")
	}
}
