package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/lock"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/monitoring"
	"github.com/rendis/autoflow/internal/scheduler"
	"github.com/rendis/autoflow/internal/secrets"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/synthesis"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/mcp"
	"github.com/rendis/autoflow/pkg/schema"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	cfg, err := loadConfig(os.Getenv("AUTOFLOW_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("autoflow stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stderr, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := seedTenants(ctx, st, cfg.Tenants); err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var vault secrets.Vault
	if cfg.Vault.Passphrase != "" {
		v, vErr := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.Vault.Passphrase,
			Salt:       []byte(cfg.Vault.Salt),
		})
		if vErr != nil {
			return fmt.Errorf("vault: %w", vErr)
		}
		vault = v
	} else {
		logger.Warn("no vault passphrase configured; ${{secrets.*}} references will fail")
	}

	relay := actions.NewRelay(actions.NewWebhookClient(cfg.Webhook), cfg.Relay)
	registry, err := actions.NewRegistry(relay.Collaborators())
	if err != nil {
		return fmt.Errorf("action registry: %w", err)
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel: %w", err)
	}
	conditions := expressions.NewConditionEvaluator(celEngine, expressions.NewExprEngine())
	jq := expressions.NewGoJQEngine()

	metricsSvc, err := monitoring.NewService(cfg.Metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = metricsSvc.Shutdown(shutdownCtx)
	}()
	metrics, err := engine.NewMetrics(metricsSvc.Meter())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	deps := engine.Deps{
		Store:        st,
		Actions:      registry,
		Conditions:   conditions,
		Transforms:   jq,
		Interpolator: expressions.NewInterpolator(vault),
		Timer:        scheduler.NewStoreTimer(st),
		Locker:       engine.NewLocalLocker(),
		Hub:          streaming.NewMemoryHub(),
		Metrics:      metrics,
		Logger:       logger,
	}
	var extraSources []scheduler.DueSource
	if rdb != nil {
		redisTimer := scheduler.NewRedisTimer(rdb, cfg.Redis.Prefix+"timers")
		deps.Timer = redisTimer
		deps.Locker = lock.NewRedisLocker(rdb, cfg.Lock, logger)
		deps.Hub = streaming.NewRedisHub(rdb, cfg.Redis.Prefix+"events:", logger)
		extraSources = append(extraSources, redisTimer)
	}

	eng, err := engine.NewEngine(deps, engine.Config{Retry: cfg.Retry, CircuitBreaker: &cfg.Breaker})
	if err != nil {
		return err
	}

	validator, err := validation.NewTemplateValidator(registry, conditions, jq)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	sweeper, err := scheduler.NewSweeper(st, eng, cfg.Sweeper, logger, extraSources...)
	if err != nil {
		return err
	}

	mcpSrv := mcp.NewAutoflowServer(mcp.AutoflowServerDeps{
		Engine:      eng,
		Store:       st,
		Validator:   validator,
		Synthesizer: synthesis.NewSynthesizer(st, validator, cfg.Synthesis, logger),
		Logger:      logger,
	})
	notifier := mcp.NewNotifier(mcpSrv)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(metricsSvc.Path(), metricsSvc.Handler())
	sse := mcpSrv.SSEHandler(cfg.HTTP.BaseURL)
	mux.Handle("/sse", sse)
	mux.Handle("/message", sse)
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("autoflow listening", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "redis", rdb != nil)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return notifier.Forward(gctx, deps.Hub)
	})
	if cfg.MCP.Stdio {
		g.Go(func() error {
			return mcpSrv.Serve(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	default:
		return store.NewLibSQLStore("file:" + cfg.Path)
	}
}

func seedTenants(ctx context.Context, st store.Store, seeds []TenantSeed) error {
	for _, t := range seeds {
		if err := st.UpsertTenant(ctx, &schema.Tenant{
			ID:        t.ID,
			Name:      t.Name,
			Industry:  t.Industry,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
	}
	return nil
}
