package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rsheftel/barrunner/auth"
	"github.com/rsheftel/barrunner/config"
	"github.com/rsheftel/barrunner/enginerr"
	"github.com/rsheftel/barrunner/eventprocessor"
	"github.com/rsheftel/barrunner/logging"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/rsheftel/barrunner/marketdatacache"
	"github.com/rsheftel/barrunner/metrics"
	"github.com/rsheftel/barrunner/persistence"
	"github.com/rsheftel/barrunner/runner"
	"github.com/rsheftel/barrunner/strategies"
	"github.com/rsheftel/barrunner/strategy"
	"github.com/rsheftel/barrunner/strategyregistry"
	"github.com/spf13/cobra"
)

var (
	flagStart       string
	flagEnd         string
	flagFreq        string
	flagSource      string
	flagData        []string // "productType:symbol:path.csv"
	flagStrategy    []string // "strategy_id:portfolio_id:class_name"
	flagPostgres    bool
	flagRedis       bool
	flagLive        bool
	flagMetricsAddr string
	flagAuditDir    string
	flagLogFile     string
	flagSentryDSN   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runner",
	Short: "runner drives the bar-by-bar backtest/live engine",
	Long:  "runner assembles the OMS, Exchange, Broker, Portfolio, Risk and PositionManager collaborators and advances them through a bar-by-bar session.",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&flagStart, "start", "", "session start timestamp (RFC3339), required")
	runCmd.Flags().StringVar(&flagEnd, "end", "", "session end timestamp (RFC3339), required")
	runCmd.Flags().StringVar(&flagFreq, "freq", "1m", "bar frequency (time.ParseDuration syntax)")
	runCmd.Flags().StringVar(&flagSource, "source", "default", "persistence source label for saved snapshots")
	runCmd.Flags().StringArrayVar(&flagData, "data", nil, "productType:symbol:path.csv bar fixture, repeatable")
	runCmd.Flags().StringArrayVar(&flagStrategy, "strategy", nil, "strategy_id:portfolio_id:class_name, repeatable")
	runCmd.Flags().BoolVar(&flagPostgres, "postgres", false, "persist order/position snapshots to Postgres instead of in-memory")
	runCmd.Flags().BoolVar(&flagRedis, "redis", false, "front the market-data manager with a Redis bar cache")
	runCmd.Flags().BoolVar(&flagLive, "live", false, "serve a websocket fan-out of bar/fill/pnl events")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on, e.g. :9090 (disabled if empty)")
	runCmd.Flags().StringVar(&flagAuditDir, "audit-dir", "", "directory for the durable order/risk/auth audit trail (disabled if empty)")
	runCmd.Flags().StringVar(&flagLogFile, "log-file", "", "rotating log file path, in addition to stderr (disabled if empty)")
	runCmd.Flags().StringVar(&flagSentryDSN, "sentry-dsn", "", "Sentry DSN for error-level log alerting (disabled if empty)")
	runCmd.MarkFlagRequired("start")
	runCmd.MarkFlagRequired("end")
	runCmd.MarkFlagRequired("strategy")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a backtest session over [--start, --end] at --freq",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession()
	},
}

func runSession() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	start, err := time.Parse(time.RFC3339, flagStart)
	if err != nil {
		return fmt.Errorf("parsing --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, flagEnd)
	if err != nil {
		return fmt.Errorf("parsing --end: %w", err)
	}
	freq, err := time.ParseDuration(flagFreq)
	if err != nil {
		return fmt.Errorf("parsing --freq: %w", err)
	}

	mdm, tracked, err := loadMarketData(flagData)
	if err != nil {
		return fmt.Errorf("loading market data: %w", err)
	}

	if flagRedis {
		cacheCfg := marketdatacache.DefaultConfig()
		cacheCfg.Address = cfg.Redis.Addr()
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		cache, err := marketdatacache.New(context.Background(), mdm, cacheCfg)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer cache.Close()
		mdm = cache
	}

	table, err := loadStrategyTable(flagStrategy)
	if err != nil {
		return fmt.Errorf("loading strategy table: %w", err)
	}

	symbols := symbolSpecs(flagData)
	factory := func(row strategyregistry.Row, b *strategy.Bridge) (strategy.Strategy, error) {
		s, err := strategies.Lookup(row, b)
		if err != nil {
			return nil, err
		}
		if adder, ok := s.(interface{ AddSymbols(...strategy.SymbolSpec) }); ok {
			adder.AddSymbols(symbols...)
		}
		return s, nil
	}

	auditDir := firstNonEmpty(flagAuditDir, cfg.Logging.AuditDir)
	logFile := firstNonEmpty(flagLogFile, cfg.Logging.LogFile)
	sentryDSN := firstNonEmpty(flagSentryDSN, cfg.Logging.SentryDSN)

	var auditLogger *logging.AuditLogger
	if auditDir != "" {
		auditLogger, err = logging.NewAuditLogger(auditDir)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLogger.Close()
	}

	if logFile != "" {
		writer, err := logging.NewRotatingFileWriter(logging.RotationConfig{Filename: logFile})
		if err != nil {
			return fmt.Errorf("opening rotating log file: %w", err)
		}
		defer writer.Close()
		logging.AddOutput(writer)
	}

	if sentryDSN != "" {
		hook, err := logging.NewSentryHook(sentryDSN, cfg.Environment)
		if err != nil {
			return fmt.Errorf("initializing sentry: %w", err)
		}
		logging.AddHook(hook)
	}

	var store persistence.Store
	if flagPostgres {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := persistence.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		store = pg
	} else {
		store = persistence.NewInMemoryStore()
	}

	runnerCfg := runner.Config{Start: start, End: end, Freq: freq, Source: flagSource}
	eng, err := runner.Assemble(mdm, table, factory, store, eventprocessor.AlwaysOpenCalendar{}, auditLogger, runnerCfg)
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}
	defer eng.Close()

	for _, tp := range tracked {
		eng.Processor.Track(tp.productType, tp.frequency)
	}

	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr)
	}

	if flagLive {
		var authService *auth.Service
		if cfg.JWT.Secret != "" {
			authService = auth.NewService(cfg.Admin.Password, cfg.JWT.Secret)
			authService.SetAuditLogger(auditLogger)
		}
		hub := eng.WithLiveHub(authService)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWs)
		handler := logging.PanicRecoveryMiddleware(logging.Default())(mux)
		handler = logging.HTTPLoggingMiddleware(logging.Default())(handler)
		go func() {
			logging.Info("serving live events", logging.Component("cmd/runner"), logging.String("addr", ":"+cfg.Port))
			if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
				logging.Error("live server stopped", err, logging.Component("cmd/runner"))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx, runnerCfg)
	if runErr != nil {
		var engErr *enginerr.EngineError
		if errors.As(runErr, &engErr) {
			fmt.Fprintf(os.Stderr, "run stopped: %s: %s\n", engErr.Kind, engErr.Error())
		} else {
			fmt.Fprintf(os.Stderr, "run stopped: %s\n", runErr.Error())
		}
		return runErr
	}

	fmt.Printf("run complete: %s -> %s (%s bars)\n", start.Format(time.RFC3339), end.Format(time.RFC3339), freq)
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	handler := logging.PanicRecoveryMiddleware(logging.Default())(mux)
	handler = logging.HTTPLoggingMiddleware(logging.Default())(handler)
	logging.Info("serving metrics", logging.Component("cmd/runner"), logging.String("addr", addr))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logging.Error("metrics server stopped", err, logging.Component("cmd/runner"))
	}
}

// firstNonEmpty returns the first non-empty string, letting a CLI flag
// override its config/environment-sourced default.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type trackedProduct struct {
	productType string
	frequency   string
}

// loadMarketData builds an InMemoryManager from repeated
// "productType:symbol:path.csv" specs and returns the distinct
// (productType, frequency) pairs to track, defaulting frequency to the
// session's bar frequency label "bar".
func loadMarketData(specs []string) (marketdata.Manager, []trackedProduct, error) {
	mdm := marketdata.NewInMemoryManager()
	seen := make(map[string]bool)
	var tracked []trackedProduct

	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("--data %q: want productType:symbol:path.csv", spec)
		}
		productType, symbol, path := parts[0], parts[1], parts[2]

		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", path, err)
		}
		err = mdm.LoadCSV(productType, symbol, f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", path, err)
		}

		if !seen[productType] {
			seen[productType] = true
			tracked = append(tracked, trackedProduct{productType: productType, frequency: "bar"})
		}
	}
	return mdm, tracked, nil
}

// symbolSpecs parses the same "productType:symbol:path.csv" specs --data
// uses into the strategy.SymbolSpec list every constructed strategy is
// registered against, so OnBar has something to act on.
func symbolSpecs(specs []string) []strategy.SymbolSpec {
	out := make([]strategy.SymbolSpec, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, strategy.SymbolSpec{ProductType: parts[0], Symbol: parts[1], Frequency: "bar"})
	}
	return out
}

// loadStrategyTable builds a strategyregistry.StaticTable from repeated
// "strategy_id:portfolio_id:class_name" specs.
func loadStrategyTable(specs []string) (*strategyregistry.StaticTable, error) {
	rows := make([]strategyregistry.Row, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("--strategy %q: want strategy_id:portfolio_id:class_name", spec)
		}
		rows = append(rows, strategyregistry.Row{
			StrategyID:  parts[0],
			PortfolioID: parts[1],
			ClassName:   parts[2],
			ModuleName:  "strategies",
		})
	}
	return strategyregistry.NewStaticTable(rows...), nil
}
