// Command trader launches the trading runtime entrypoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/fairline/trader/config"
	"github.com/fairline/trader/internal/adapters/exchstream"
	"github.com/fairline/trader/internal/adapters/fake"
	"github.com/fairline/trader/internal/audit"
	"github.com/fairline/trader/internal/engine"
	"github.com/fairline/trader/internal/eventbus"
	"github.com/fairline/trader/internal/marketstore"
	"github.com/fairline/trader/internal/observability"
	"github.com/fairline/trader/internal/persistence/migrations"
	"github.com/fairline/trader/internal/persistence/postgres"
	"github.com/fairline/trader/internal/position"
	"github.com/fairline/trader/internal/provider"
	"github.com/fairline/trader/internal/risk"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = 30 * time.Second
	subscribeRetryInterval   = time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to configuration file (defaults apply when omitted)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	observability.SetLogger(observability.NewZapLogger(zl))

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	telemetryShutdown, err := observability.InitTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	store := marketstore.New(cfg.StaleAfter)
	tracker := position.NewTracker(cfg.CommissionRate)
	bus := eventbus.NewBus(eventbus.Config{ReplayBuffer: cfg.Audit.ReplayBuffer})
	riskMgr := risk.NewManager(cfg.Risk, tracker,
		risk.WithAlert(engine.RiskAlert(bus)),
		risk.WithPriceSource(store.BestLay))

	prov, err := buildProvider(cfg.Provider)
	if err != nil {
		return err
	}
	eng := engine.New(cfg, prov, store, tracker, riskMgr, bus)

	var lifecycle conc.WaitGroup

	writer, err := startAuditLog(ctx, cfg.Audit, bus)
	if err != nil {
		return err
	}

	pool, err := startAuditStore(ctx, &lifecycle, cfg.Audit, bus)
	if err != nil {
		return err
	}

	lifecycle.Go(func() {
		if err := eng.Run(ctx); err != nil {
			observability.Log().Error("engine stopped",
				observability.F("error", err.Error()))
			cancel()
		}
	})

	if stream, ok := prov.(*exchstream.Provider); ok && len(cfg.Provider.Markets) > 0 {
		lifecycle.Go(func() { subscribeMarkets(ctx, stream, cfg.Provider.Markets) })
	}

	observability.Log().Info("trader started",
		observability.F("provider", cfg.Provider.Name),
		observability.F("markets", len(cfg.Provider.Markets)))
	<-ctx.Done()
	observability.Log().Info("shutdown signal received")

	eng.Stop()
	lifecycle.Wait()
	bus.Close()
	if writer != nil {
		if err := writer.Close(); err != nil {
			observability.Log().Warn("audit log close",
				observability.F("error", err.Error()))
		}
	}
	if pool != nil {
		pool.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		observability.Log().Warn("telemetry shutdown",
			observability.F("error", err.Error()))
	}
	observability.Log().Info("trader stopped")
	return nil
}

func loadConfig(path string) (config.Settings, error) {
	if path == "" {
		observability.Log().Info("no configuration file given, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load config %s: %w", path, err)
	}
	observability.Log().Info("configuration loaded", observability.F("path", path))
	return cfg, nil
}

func buildProvider(cfg config.ProviderConfig) (provider.Instance, error) {
	switch cfg.Name {
	case "", "fake":
		return fake.New(fake.Options{Name: "fake"}), nil
	case "exchstream":
		return exchstream.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func startAuditLog(ctx context.Context, cfg config.AuditConfig, bus *eventbus.Bus) (*audit.Writer, error) {
	if cfg.Path == "" {
		return nil, nil
	}
	writer, err := audit.NewWriter(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := writer.Run(ctx, bus, 1); err != nil {
		return nil, fmt.Errorf("start audit log: %w", err)
	}
	observability.Log().Info("audit log enabled", observability.F("path", cfg.Path))
	return writer, nil
}

func startAuditStore(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.AuditConfig, bus *eventbus.Bus) (*pgxpool.Pool, error) {
	if cfg.PostgresDSN == "" {
		return nil, nil
	}
	migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()
	if err := migrations.Apply(migrateCtx, cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	auditStore := postgres.NewAuditStore(pool)
	lifecycle.Go(func() {
		if err := auditStore.Run(ctx, bus); err != nil {
			observability.Log().Error("audit store stopped",
				observability.F("error", err.Error()))
		}
	})
	observability.Log().Info("audit store enabled")
	return pool, nil
}

// subscribeMarkets retries until the stream accepts the subscription; the
// first attempts can race the provider's initial handshake.
func subscribeMarkets(ctx context.Context, stream *exchstream.Provider, markets []string) {
	for {
		err := stream.SubscribeMarkets(ctx, markets...)
		if err == nil {
			observability.Log().Info("markets subscribed",
				observability.F("count", len(markets)))
			return
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		observability.Log().Warn("market subscription failed, retrying",
			observability.F("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(subscribeRetryInterval):
		}
	}
}
