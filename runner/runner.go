// Package runner assembles the core components into one runnable engine
// and drives the outer bar loop: advance the clock from Start to End at
// Freq, calling EventProcessor.ProcessBar at every tick.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rsheftel/barrunner/auth"
	"github.com/rsheftel/barrunner/broker"
	"github.com/rsheftel/barrunner/enginerr"
	"github.com/rsheftel/barrunner/eventprocessor"
	"github.com/rsheftel/barrunner/exchange"
	"github.com/rsheftel/barrunner/live"
	"github.com/rsheftel/barrunner/logging"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/oms"
	"github.com/rsheftel/barrunner/persistence"
	"github.com/rsheftel/barrunner/portfolio"
	"github.com/rsheftel/barrunner/position"
	"github.com/rsheftel/barrunner/risk"
	"github.com/rsheftel/barrunner/strategy"
	"github.com/rsheftel/barrunner/strategyregistry"
)

// Config holds everything needed to assemble and run one backtest session.
type Config struct {
	Start  time.Time
	End    time.Time
	Freq   time.Duration
	Source string
}

// Engine is the assembled set of core components plus the Processor that
// drives them, returned by New so callers (tests, the CLI) can inspect
// state after a run.
type Engine struct {
	OMS        *oms.OrderManager
	Exchange   *exchange.PaperExchange
	Broker     *broker.PaperBroker
	PM         *position.Manager
	MarketData marketdata.Manager
	Processor  *eventprocessor.Processor
	Portfolios map[string]*portfolio.Portfolio // keyed by portfolio id
	Live       *live.Hub
}

// WithLiveHub attaches a websocket fan-out hub to the Engine's Processor and
// starts its event loop. authService may be nil to skip token validation on
// connect. Must be called before Run.
func (e *Engine) WithLiveHub(authService *auth.Service) *live.Hub {
	h := live.NewHub(authService)
	go h.Run()
	e.Live = h
	e.Processor.SetLiveHub(h)
	return h
}

// Assemble wires one Engine: an OMS, a PaperExchange/PaperBroker pair, a
// PositionManager, one Portfolio per distinct portfolio_id in the
// strategy table, a default Risk engine per portfolio, and strategies
// constructed by factory and bound into the Processor. factory looks up a
// strategyregistry.Row and returns a ready-to-bind Strategy. auditLogger may
// be nil to run without a durable audit trail.
func Assemble(mdm marketdata.Manager, table *strategyregistry.StaticTable, factory func(row strategyregistry.Row, b *strategy.Bridge) (strategy.Strategy, error), store persistence.Store, calendar eventprocessor.Calendar, auditLogger *logging.AuditLogger, cfg Config) (*Engine, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	m := oms.New()
	ex := exchange.New(exchange.DefaultParams())
	brk := broker.New(m, ex, broker.DefaultFeeSchedule())
	brk.SetAuditLogger(auditLogger)
	pm := position.New()
	pm.SetAuditLogger(auditLogger)
	proc := eventprocessor.New(m, mdm, ex, brk, pm, calendar, store, cfg.Source)

	portfolios := make(map[string]*portfolio.Portfolio)
	for _, row := range table.Rows() {
		pf, ok := portfolios[row.PortfolioID]
		if !ok {
			pf = portfolio.New(row.PortfolioID, m, pm, nil)
			portfolios[row.PortfolioID] = pf
			riskEngine := risk.New(m, risk.Snapshot{CurrentPosition: pm.CurrentPosition}, risk.DefaultRules()...)
			riskEngine.SetAuditLogger(auditLogger)
			proc.BindRisk(pf.UUID, riskEngine)
		}

		bridge := &strategy.Bridge{OMS: m, Portfolio: pf, PM: pm, MarketData: mdm}
		s, err := factory(row, bridge)
		if err != nil {
			return nil, fmt.Errorf("runner: constructing strategy %s: %w", row.StrategyID, err)
		}
		pf.BindStrategy(s.UUID(), s.ID())
		proc.BindStrategy(s, pf)
	}

	return &Engine{OMS: m, Exchange: ex, Broker: brk, PM: pm, MarketData: mdm, Processor: proc, Portfolios: portfolios}, nil
}

// Run advances the clock from cfg.Start to cfg.End in steps of cfg.Freq,
// calling ProcessBar at each tick and stopping at the first fatal error.
func (e *Engine) Run(ctx context.Context, cfg Config) error {
	if cfg.Freq <= 0 {
		return fmt.Errorf("runner: freq must be positive")
	}
	for t := cfg.Start; !t.After(cfg.End); t = t.Add(cfg.Freq) {
		if err := e.Processor.ProcessBar(ctx, t); err != nil {
			if enginerr.IsFatal(err) {
				return err
			}
		}
	}
	return nil
}

// Close releases background resources held by the assembled Engine.
func (e *Engine) Close() {
	e.Processor.Close()
}
