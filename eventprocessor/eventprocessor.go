// Package eventprocessor implements the EventProcessor: the per-bar
// pipeline that turns one advancing bar time into calendar hooks,
// strategy callbacks, order staging, risk evaluation, broker/exchange
// execution, fill booking and PnL recomputation, in a single cooperative
// pass with no preemption inside a bar.
package eventprocessor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rsheftel/barrunner/broker"
	"github.com/rsheftel/barrunner/enginerr"
	"github.com/rsheftel/barrunner/exchange"
	"github.com/rsheftel/barrunner/live"
	"github.com/rsheftel/barrunner/logging"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/metrics"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/persistence"
	"github.com/rsheftel/barrunner/portfolio"
	"github.com/rsheftel/barrunner/position"
	"github.com/rsheftel/barrunner/risk"
	"github.com/rsheftel/barrunner/strategy"
)

// Calendar reports whether productType trades at time t; the processor
// consults it to detect day and market open/close boundaries without
// hard-coding a schedule.
type Calendar interface {
	IsOpen(productType string, t time.Time) bool
}

// AlwaysOpenCalendar treats every tracked product as open at every bar,
// the right default for 24-hour instruments and backtest fixtures.
type AlwaysOpenCalendar struct{}

func (AlwaysOpenCalendar) IsOpen(string, time.Time) bool { return true }

// TrackedProduct is one (product_type, frequency) pair the processor
// refreshes every bar via the market-data manager's Update.
type TrackedProduct struct {
	ProductType string
	Frequency   string
}

// transientStates are the states that must never survive a bar boundary.
var transientStates = map[order.State]bool{
	order.CancelRequested:  true,
	order.CancelSent:       true,
	order.ReplaceRequested: true,
	order.ReplaceSent:      true,
}

// strategyBinding pairs a bound strategy with its portfolio, so the
// processor can group post-fill/cancel callbacks and per-portfolio risk
// passes without strategies knowing about portfolios or vice versa.
type strategyBinding struct {
	strategy  strategy.Strategy
	portfolio *portfolio.Portfolio
	healthy   bool
}

// Processor is the EventProcessor.
type Processor struct {
	oms      *oms.OrderManager
	mdm      marketdata.Manager
	ex       *exchange.PaperExchange
	brk      *broker.PaperBroker
	pm       *position.Manager
	calendar Calendar
	store    persistence.Store
	source   string
	tracked  []TrackedProduct
	errs     *logging.ErrorTracker
	live     *live.Hub

	portfolios []*portfolio.Portfolio
	risks      map[string]*risk.Engine // portfolio UUID -> its Risk engine
	bindings   []*strategyBinding

	lastDate string
	wasOpen  bool
}

// New creates a Processor wired to the core components. calendar may be
// nil, defaulting to AlwaysOpenCalendar. store may be nil to skip
// persistence entirely (useful for tests).
func New(m *oms.OrderManager, mdm marketdata.Manager, ex *exchange.PaperExchange, brk *broker.PaperBroker, pm *position.Manager, calendar Calendar, store persistence.Store, source string) *Processor {
	if calendar == nil {
		calendar = AlwaysOpenCalendar{}
	}
	return &Processor{
		oms:      m,
		mdm:      mdm,
		ex:       ex,
		brk:      brk,
		pm:       pm,
		calendar: calendar,
		store:    store,
		source:   source,
		risks:    make(map[string]*risk.Engine),
		errs:     logging.NewErrorTracker(),
	}
}

// Close stops the processor's background error-tracker cleanup loop.
func (p *Processor) Close() { p.errs.Stop() }

// SetLiveHub wires a websocket fan-out hub; bar/fill/PnL events publish to
// it best-effort once set. Publishing is a no-op with no hub wired.
func (p *Processor) SetLiveHub(h *live.Hub) { p.live = h }

func (p *Processor) publish(ev live.Event) {
	if p.live != nil {
		p.live.Publish(ev)
	}
}

// Track registers a (product_type, frequency) pair to refresh every bar.
func (p *Processor) Track(productType, frequency string) {
	p.tracked = append(p.tracked, TrackedProduct{ProductType: productType, Frequency: frequency})
}

// BindStrategy registers s, bound to pf. Strategies are invoked in
// registration order on every bar, so runs are deterministic.
func (p *Processor) BindStrategy(s strategy.Strategy, pf *portfolio.Portfolio) {
	p.bindings = append(p.bindings, &strategyBinding{strategy: s, portfolio: pf, healthy: true})
	for _, existing := range p.portfolios {
		if existing.UUID == pf.UUID {
			return
		}
	}
	p.portfolios = append(p.portfolios, pf)
}

// BindRisk attaches a Risk engine to one portfolio by UUID; each
// portfolio carries its own rule chain.
func (p *Processor) BindRisk(portfolioUUID string, engine *risk.Engine) {
	p.risks[portfolioUUID] = engine
}

// ProcessBar runs the full pipeline for bar time now.
func (p *Processor) ProcessBar(ctx context.Context, now time.Time) error {
	stuckBefore := p.stuckCandidates()

	p.mdm.SetBartime(now)
	p.ex.SetBartime(now)
	metrics.SetBartime(float64(now.Unix()))
	p.publish(live.Event{Type: live.EventBar, Bartime: now, Payload: now})

	newDay := p.lastDate != "" && p.lastDate != now.UTC().Format("2006-01-02")
	firstBar := p.lastDate == ""
	p.lastDate = now.UTC().Format("2006-01-02")

	// Step 1: new calendar day.
	if newDay || firstBar {
		for _, b := range p.bindings {
			b.healthy = true // a fresh day re-enables any strategy disabled by a panic
			p.invoke(ctx, b, "on_begin_of_day", now, func() error { return b.strategy.OnBeginOfDay(now) })
		}
	}

	// Step 2/13: market open/close transition, tracked globally as "any
	// tracked product open" rather than per product.
	isOpen := p.anyTrackedOpen(now)
	for _, tp := range p.tracked {
		p.oms.MarketState(tp.ProductType, p.calendar.IsOpen(tp.ProductType, now))
	}
	if isOpen && !p.wasOpen {
		for _, b := range p.bindings {
			p.invoke(ctx, b, "on_market_open", now, func() error { return b.strategy.OnMarketOpen(now) })
		}
	}

	// Step 3: refresh market data.
	for _, tp := range p.tracked {
		if err := p.mdm.Update(tp.ProductType, tp.Frequency); err != nil {
			p.errs.Track(ctx, err, "low", map[string]interface{}{"product_type": tp.ProductType, "frequency": tp.Frequency})
		}
	}

	// Step 4: strategy on_bar.
	for _, b := range p.bindings {
		p.invoke(ctx, b, "on_bar", now, func() error { return b.strategy.OnBar(now) })
	}

	// Step 5: portfolio.process_orders() across portfolios.
	for _, pf := range p.portfolios {
		if err := pf.ProcessOrders(p.mdm, now); err != nil {
			logging.Error("portfolio order processing failed", err,
				logging.Component("eventprocessor"),
				logging.PortfolioID(pf.ID),
				logging.PortfolioUUID(pf.UUID),
				logging.Bartime(now))
			return enginerr.New(enginerr.KindInvalidTransition, "portfolio", err)
		}
	}

	// Step 6: risk.process_portfolio_orders(portfolio) across portfolios.
	for _, pf := range p.portfolios {
		if eng, ok := p.risks[pf.UUID]; ok {
			eng.ProcessPortfolioOrders(pf.UUID, now)
		}
	}

	// Step 7: broker sends risk-accepted orders, plus any pending
	// cancel/replace requests — without forwarding these here, step 14
	// would flag every cancel_order/replace_order call as stuck on the
	// very next bar.
	p.brk.SendOrders(now)
	p.brk.SendCancels(now)
	p.brk.SendReplaces(now)

	// Step 8: exchange produces fills.
	p.ex.ProcessOrders(p.mdm)

	// Step 9: broker mirrors fills into OMS orders.
	p.brk.ProcessFills(now)

	// Capture orders that reached FILLED/CANCELED on this bar (their latest
	// state change is stamped now), so step 11 can group them by strategy.
	newlyFilled := p.ordersClosedThisBar(now, order.Filled)
	newlyCanceled := p.ordersClosedThisBar(now, order.Canceled)

	// Step 10: position_manager.book_fills().
	if err := p.pm.BookFills(p.oms); err != nil {
		return enginerr.New(enginerr.KindPersistence, "position", err)
	}

	for _, o := range newlyFilled {
		metrics.RecordOrder(string(o.Type), string(o.State))
		p.publish(live.Event{Type: live.EventFill, Bartime: now, Payload: o})
	}
	for _, o := range newlyCanceled {
		metrics.RecordOrder(string(o.Type), string(o.State))
	}

	// Step 11: on_fills/on_cancels per strategy with newly closed orders.
	for _, b := range p.bindings {
		id := b.strategy.ID()
		if fills := filterByStrategy(newlyFilled, id); len(fills) > 0 {
			p.invoke(ctx, b, "on_fills", now, func() error { return b.strategy.OnFills(now, fills) })
		}
		if cancels := filterByStrategy(newlyCanceled, id); len(cancels) > 0 {
			p.invoke(ctx, b, "on_cancels", now, func() error { return b.strategy.OnCancels(now, cancels) })
		}
	}

	// Step 12: position_manager.update_pnl().
	if err := p.pm.UpdatePnl(p.mdm); err != nil {
		p.errs.Track(ctx, err, "medium", nil)
	} else {
		for _, row := range p.pm.PositionsDF() {
			netPnl, _ := row.NetPnl.Float64()
			metrics.SetNetPnl(row.Key.StrategyID, row.Key.ProductType, row.Key.Symbol, netPnl)
			p.publish(live.Event{Type: live.EventPnl, Bartime: now, Payload: row})
		}
	}

	// Step 13: market close / end of day. A bar-driven session has no
	// lookahead to the next bar's date, so end-of-day fires on the same
	// bar the market transitions closed.
	marketJustClosed := !isOpen && p.wasOpen
	if marketJustClosed {
		for _, b := range p.bindings {
			p.invoke(ctx, b, "on_market_close", now, func() error { return b.strategy.OnMarketClose(now) })
		}
		for _, b := range p.bindings {
			p.invoke(ctx, b, "on_end_of_day", now, func() error { return b.strategy.OnEndOfDay(now) })
		}
		if p.store != nil {
			if err := p.persist(ctx, now); err != nil {
				return enginerr.New(enginerr.KindPersistence, "persistence", err)
			}
		}
	}
	p.wasOpen = isOpen

	// Step 14: no transient-state order may survive a bar boundary.
	if stuck := p.stillStuck(stuckBefore); len(stuck) > 0 {
		metrics.RecordStuckOrders(len(stuck))
		return enginerr.New(enginerr.KindStuckOrder, "eventprocessor", &enginerr.StuckOrderError{UUIDs: stuck})
	}
	return nil
}

func (p *Processor) anyTrackedOpen(now time.Time) bool {
	if len(p.tracked) == 0 {
		return p.calendar.IsOpen("", now)
	}
	for _, tp := range p.tracked {
		if p.calendar.IsOpen(tp.ProductType, now) {
			return true
		}
	}
	return false
}

func (p *Processor) persist(ctx context.Context, now time.Time) error {
	orders := p.oms.OrdersList(oms.Filter{})
	start := time.Now()
	if err := p.store.SaveOrders(ctx, p.source, now, orders); err != nil {
		return fmt.Errorf("eventprocessor: persisting orders: %w", err)
	}
	logging.LogSlowQuery(ctx, "save_orders", time.Since(start))

	start = time.Now()
	if err := p.store.SavePositions(ctx, p.source, now, p.pm.PositionsDF()); err != nil {
		return fmt.Errorf("eventprocessor: persisting positions: %w", err)
	}
	logging.LogSlowQuery(ctx, "save_positions", time.Since(start))
	return nil
}

// stuckCandidates snapshots the uuids of every order already sitting in a
// transient state when the bar begins.
func (p *Processor) stuckCandidates() []string {
	var out []string
	for st := range transientStates {
		for _, o := range p.oms.OpenOrdersList(oms.Filter{State: st}) {
			out = append(out, o.UUID)
		}
	}
	sort.Strings(out)
	return out
}

// stillStuck reports which of the candidate uuids are still in a transient
// state at the end of the same bar.
func (p *Processor) stillStuck(candidates []string) []string {
	var out []string
	for _, uuid := range candidates {
		o, ok := p.oms.Get(uuid)
		if !ok {
			continue
		}
		if transientStates[o.State] {
			out = append(out, uuid)
		}
	}
	return out
}

// ordersClosedThisBar returns closed orders in state st whose most recent
// state_df entry timestamp equals now.
func (p *Processor) ordersClosedThisBar(now time.Time, st order.State) []*order.Order {
	var out []*order.Order
	for _, o := range p.oms.ClosedOrdersList(oms.Filter{State: st}) {
		if len(o.StateHistory) == 0 {
			continue
		}
		if o.StateHistory[len(o.StateHistory)-1].Timestamp.Equal(now) {
			out = append(out, o)
		}
	}
	return out
}

func filterByStrategy(orders []*order.Order, strategyID string) []*order.Order {
	var out []*order.Order
	for _, o := range orders {
		if o.StrategyID == strategyID {
			out = append(out, o)
		}
	}
	return out
}

// invoke runs a strategy callback with panic recovery: a callback failure
// is logged and disables that strategy, not the run, until the next
// begin-of-day re-enables it.
func (p *Processor) invoke(ctx context.Context, b *strategyBinding, callback string, now time.Time, fn func() error) {
	if !b.healthy {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.healthy = false
			err := fmt.Errorf("panic in %s.%s: %v", b.strategy.ID(), callback, r)
			logging.Error("strategy callback panicked, strategy disabled until next begin-of-day", err,
				logging.Component("eventprocessor"),
				logging.StrategyID(b.strategy.ID()),
				logging.StrategyUUID(b.strategy.UUID()),
				logging.Bartime(now),
				logging.String("callback", callback))
			p.errs.Track(ctx, err, "critical", map[string]interface{}{"strategy_id": b.strategy.ID(), "callback": callback})
			metrics.RecordStrategyError(b.strategy.ID(), callback)
		}
	}()
	if err := fn(); err != nil {
		b.healthy = false
		logging.Error("strategy callback failed, strategy disabled until next begin-of-day", err,
			logging.Component("eventprocessor"),
			logging.StrategyID(b.strategy.ID()),
			logging.StrategyUUID(b.strategy.UUID()),
			logging.Bartime(now),
			logging.String("callback", callback))
		p.errs.Track(ctx, err, "high", map[string]interface{}{"strategy_id": b.strategy.ID(), "callback": callback})
		metrics.RecordStrategyError(b.strategy.ID(), callback)
	}
}
