package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/bitfinex"
	"github.com/JohnCCarter/Genesis-sub002/internal/bootstrap"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/internal/infrastructure/health"
	metricsrv "github.com/JohnCCarter/Genesis-sub002/internal/infrastructure/metrics"
	"github.com/JohnCCarter/Genesis-sub002/internal/marketdata"
	"github.com/JohnCCarter/Genesis-sub002/internal/risk"
	"github.com/JohnCCarter/Genesis-sub002/internal/scheduler"
	"github.com/JohnCCarter/Genesis-sub002/internal/trading"
	"github.com/JohnCCarter/Genesis-sub002/internal/ws"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	if err := run(app); err != nil {
		app.Logger.Fatal("Trader stopped", "error", err.Error())
	}
}

func run(app *bootstrap.App) error {
	cfg, rt, logger := app.Cfg, app.Runtime, app.Logger
	hasCreds := cfg.Bitfinex.HasCredentials()

	tel, err := telemetry.Setup("genesis-trader")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	metrics := telemetry.GetGlobalMetrics()

	// Signed REST transport chain.
	nonces, err := bitfinex.NewNonceSource(filepath.Join(cfg.System.StateDir, "nonce_store.json"))
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	signer := bitfinex.NewSigner(cfg.Bitfinex, nonces)
	limiter, err := bitfinex.NewLimiter(cfg.RateLimit, metrics)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	breakers := bitfinex.NewBreakerSet(cfg.Circuit, logger, metrics)
	transport := bitfinex.NewTransport(
		cfg.Bitfinex, cfg.RateLimit.PrivateRESTConcurrency,
		signer, limiter, breakers, rt, logger, metrics)
	client := bitfinex.NewClient(transport, logger, cfg.Bitfinex.AffCode)
	symbols := bitfinex.NewSymbolService(transport, logger)

	// Market data: public pool + candle cache behind the facade.
	store, err := marketdata.NewCandleStore(cfg.MarketData.CandleCachePath, metrics)
	if err != nil {
		return fmt.Errorf("candle store: %w", err)
	}
	defer store.Close()

	pool := ws.NewPublicPool(
		ws.GorillaDial(cfg.Bitfinex.WSPublicURL, cfg.WS, logger), rt, logger, metrics)
	facade := marketdata.NewFacade(cfg.MarketData, client, pool, store, rt, logger, metrics)
	defer facade.Close()

	// Private session feeds the order registry, brackets, and wallet image.
	session := ws.NewPrivateSession(
		ws.GorillaDial(cfg.Bitfinex.WSAuthURL, cfg.WS, logger),
		signer, cfg.WS, cfg.Bitfinex.AffCode, logger, metrics)

	// Risk layer.
	equity := risk.NewEquityService(client, facade, logger)
	session.OnWallet(func(code string, w core.Wallet) { equity.ApplyWallet(w) })

	window, err := risk.NewTradingWindow(cfg.Trading.RulesPath, cfg.Trading, logger)
	if err != nil {
		return fmt.Errorf("trading window: %w", err)
	}
	counter, err := risk.NewTradeCounter(
		filepath.Join(cfg.System.StateDir, "trade_counter.json"), window.Location(), logger)
	if err != nil {
		return fmt.Errorf("trade counter: %w", err)
	}
	guards, err := risk.NewGuardSet(
		cfg.Risk.GuardsStatePath, cfg.Risk, window.Location(), equity, logger, metrics)
	if err != nil {
		return fmt.Errorf("risk guards: %w", err)
	}
	policy := risk.NewEngine(window, counter, guards, rt, logger, metrics)

	// Order pipeline.
	registry := trading.NewOrderRegistry(client, logger, metrics)
	session.OnOrder(registry.HandleOrderEvent)

	brackets, err := trading.NewBracketManager(
		cfg.Trading.BracketStatePath, client, rt, logger, metrics)
	if err != nil {
		return fmt.Errorf("bracket manager: %w", err)
	}
	defer brackets.Stop()
	brackets.SetLossNotifier(guards)
	session.OnTrade(brackets.HandleTradeEvent)

	pipeline := trading.NewPipeline(trading.PipelineDeps{
		Validator:   trading.NewValidator(symbols, logger),
		Policy:      policy,
		Idempotency: trading.NewIdempotencyCache(time.Duration(cfg.Trading.IdempotencyTTLSecs)*time.Second, logger),
		REST:        client,
		WS:          session,
		Registry:    registry,
		Brackets:    brackets,
		Runtime:     rt,
		Logger:      logger,
		Metrics:     metrics,
	}, cfg.Trading)

	// Unified event log and health surface.
	events := health.NewEventLog(256, logger)
	breakers.SetEventSink(events)
	guards.SetEventSink(events)
	session.SetEventSink(events)
	brackets.SetEventSink(events)

	healthMon := health.NewManager(logger)
	healthMon.Register("rest_breakers", func() error {
		if open := breakers.OpenEndpoints(); len(open) > 0 {
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
	})
	healthMon.Register("candle_store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := store.RowCount(ctx, "tBTCUSD", "1m")
		return err
	})
	if hasCreds {
		healthMon.Register("ws_private", func() error {
			if !session.Authenticated() {
				return errors.New("not authenticated")
			}
			return nil
		})
	}

	// Maintenance jobs.
	coord := scheduler.NewCoordinator(guards, store, facade, nil, rt, logger, metrics)
	sched := scheduler.New(cfg.Scheduler, logger, metrics)
	sched.RegisterCoordinator(cfg.Scheduler, coord)

	// Adopt whatever is already on the book before accepting new work.
	if hasCreds {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := registry.Reconcile(ctx, client); err != nil {
			logger.Warn("Startup order reconcile failed", "error", err.Error())
		}
		cancel()
	}

	runners := []bootstrap.Runner{sched}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners,
			metricsrv.NewServer(cfg.Telemetry.MetricsPort, healthMon, events, metrics, logger))
	}
	runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		pool.Close()
		return nil
	}))
	if hasCreds {
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			session.Start()
			<-ctx.Done()
			session.Stop()
			return nil
		}))
	}

	runErr := app.Run(runners...)

	if cfg.System.CancelOnExit {
		cancelOpenOrders(pipeline, registry, logger)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown failed", "error", err.Error())
	}
	return runErr
}

// cancelOpenOrders sweeps the registry on the way out so no unattended
// orders survive the process.
func cancelOpenOrders(pipeline *trading.Pipeline, registry *trading.OrderRegistry, logger core.ILogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active := registry.Active()
	if len(active) == 0 {
		return
	}
	logger.Info("Canceling open orders on exit", "count", len(active))
	for _, order := range active {
		if err := pipeline.Cancel(ctx, order.ID); err != nil {
			logger.Warn("Exit cancel failed", "order_id", order.ID, "error", err.Error())
		}
	}
}
