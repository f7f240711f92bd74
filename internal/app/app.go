package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"riskwatch/internal/alerting"
	"riskwatch/internal/analytics"
	"riskwatch/internal/cache"
	"riskwatch/internal/claims"
	"riskwatch/internal/config"
	"riskwatch/internal/fetcher"
	"riskwatch/internal/metrics"
	"riskwatch/internal/risk"
	"riskwatch/internal/scheduler"
	"riskwatch/internal/server"
	"riskwatch/internal/service"
	"riskwatch/internal/storage"
	"riskwatch/internal/telemetry"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// engine is the fully wired component graph shared by the commands.
type engine struct {
	repo       storage.Repository
	redis      redis.UniversalClient
	metrics    *metrics.Metrics
	snapCache  cache.Cache[analytics.Envelope]
	priceCache cache.Cache[decimal.Decimal]
	snapshots  *analytics.Store
	router     *alerting.Router
	dispatcher *alerting.Dispatcher
	evaluator  *alerting.Evaluator
	gate       *claims.Gate
	logger     zerolog.Logger
}

func (a *App) openStore(ctx context.Context) (storage.Repository, error) {
	dbCfg := a.Config.Database
	if dbCfg.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory repository")
		return storage.NewMemory(nil), nil
	}

	if dbCfg.MigrateOnStart {
		if err := storage.Migrate(dbCfg.DSN, a.Logger); err != nil {
			return nil, err
		}
	}

	pool, err := storage.NewPool(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	return storage.NewStore(pool), nil
}

func (a *App) openRedis(ctx context.Context) (redis.UniversalClient, error) {
	if a.Config.Cache.Backend != "redis" {
		return nil, nil
	}
	rc := a.Config.Redis
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{rc.Addr},
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	return client, nil
}

func newCache[V any](cfg *config.Config, rdb redis.UniversalClient, name string, m *metrics.Metrics, logger zerolog.Logger) cache.Cache[V] {
	opts := cache.Options{Name: name, SweepInterval: cfg.Cache.SweepInterval, Observer: m}
	if rdb != nil {
		return cache.NewRedis[V](rdb, cache.RedisOptions{Options: opts, Prefix: cfg.Redis.Prefix}, cache.MsgpackCodec[V]{}, logger)
	}
	return cache.NewMemory[V](opts, logger)
}

func (a *App) newPriceSource() (fetcher.PriceProvider, error) {
	pc := a.Config.Prices
	switch pc.Source {
	case "http":
		return fetcher.NewHTTPPrices(fetcher.HTTPPriceOptions{
			BaseURL:   pc.BaseURL,
			Timeout:   pc.RequestTimeout,
			UserAgent: pc.UserAgent,
		}, a.Logger), nil
	default:
		return fetcher.NewStaticPrices(pc.Static)
	}
}

func (a *App) newModel() (*risk.ConcentrationModel, error) {
	rc := a.Config.Risk
	weights := make(map[string]risk.BasisPoints, len(rc.ProtocolRisk))
	for addr, bp := range rc.ProtocolRisk {
		weights[addr] = risk.BasisPoints(bp)
	}
	return risk.NewConcentrationModel(risk.ConcentrationOptions{
		ProtocolRisk:        weights,
		DefaultProtocolRisk: risk.BasisPoints(rc.DefaultProtocolRisk),
		ConcentrationWeight: rc.ConcentrationWeight,
	})
}

func (a *App) newRouter() *alerting.Router {
	ac := a.Config.Alerting
	router := alerting.NewRouter().
		Handle(alerting.SchemeWebhook, alerting.NewWebhookChannel(ac.Webhook.RequestTimeout, ac.Webhook.UserAgent, a.Logger)).
		Handle(alerting.SchemeLog, alerting.NewLogChannel(a.Logger))
	if ac.Telegram.BotToken != "" {
		router.Handle(alerting.SchemeTelegram, alerting.NewTelegramChannel(ac.Telegram.BotToken, ac.Telegram.APIBase, ac.Telegram.RequestTimeout, a.Logger))
	} else {
		a.Logger.Warn().Msg("alerting.telegram.bot_token not configured; telegram destinations will fail")
	}
	return router
}

func (a *App) newDispatcher(router *alerting.Router, ledger storage.DispatchLedger, m *metrics.Metrics) *alerting.Dispatcher {
	dc := a.Config.Alerting.Dispatch
	rl := a.Config.Alerting.RateLimit
	return alerting.NewDispatcher(alerting.DispatcherOptions{
		MaxAttempts:     dc.MaxAttempts,
		InitialInterval: dc.InitialInterval,
		MaxInterval:     dc.MaxInterval,
		Timeout:         dc.Timeout,
		RatePerSecond:   rl.PerSecond,
		Burst:           rl.Burst,
	}, router, ledger, m, a.Logger)
}

func (a *App) newEngine(ctx context.Context) (_ *engine, err error) {
	cfg := a.Config
	eng := &engine{metrics: metrics.New(), logger: a.Logger}
	defer func() {
		if err != nil {
			eng.Close()
		}
	}()

	if eng.repo, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if eng.redis, err = a.openRedis(ctx); err != nil {
		return nil, err
	}
	eng.snapCache = newCache[analytics.Envelope](cfg, eng.redis, "snapshots", eng.metrics, a.Logger)
	eng.priceCache = newCache[decimal.Decimal](cfg, eng.redis, "prices", eng.metrics, a.Logger)

	tokens := make([]fetcher.TrackedToken, 0, len(cfg.Ethereum.Tokens))
	for _, t := range cfg.Ethereum.Tokens {
		tokens = append(tokens, fetcher.TrackedToken{Protocol: t.Protocol, Token: t.Token, Decimals: int32(t.Decimals)})
	}
	positions := fetcher.NewERC20Positions(fetcher.ERC20Options{
		RPCURL:  cfg.Ethereum.RPCURL,
		Tokens:  tokens,
		Timeout: cfg.Ethereum.RequestTimeout,
	}, eng.repo, a.Logger)

	source, err := a.newPriceSource()
	if err != nil {
		return nil, err
	}
	prices := fetcher.NewCachedPrices(source, eng.priceCache, cfg.Cache.PriceTTL, a.Logger)

	model, err := a.newModel()
	if err != nil {
		return nil, err
	}

	eng.snapshots, err = analytics.NewStore(analytics.Options{
		SnapshotTTL:      cfg.Cache.SnapshotTTL,
		WaitTimeout:      cfg.Analytics.WaitTimeout,
		RecomputeTimeout: cfg.Analytics.RecomputeTimeout,
	}, analytics.Deps{
		Cache:     eng.snapCache,
		Repo:      eng.repo,
		Positions: positions,
		Prices:    prices,
		Model:     model,
		Metrics:   eng.metrics,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	eng.router = a.newRouter()
	eng.dispatcher = a.newDispatcher(eng.router, eng.repo, eng.metrics)
	eng.evaluator = alerting.NewEvaluator(alerting.EvaluatorOptions{
		Concurrency: cfg.Alerting.Concurrency,
		MaxAge:      cfg.Analytics.MaxAge,
	}, eng.repo, eng.snapshots, eng.dispatcher, eng.metrics, a.Logger)

	payout, err := claims.NewPayoutCalculator(cfg.Claims.Payout, cfg.Claims.SeverityFloor)
	if err != nil {
		return nil, err
	}
	eng.gate = claims.NewGate(claims.Options{
		MaxAge:     cfg.Claims.MaxAge,
		AllowStale: cfg.Claims.AllowStale,
	}, eng.repo, eng.snapshots, payout, eng.metrics, a.Logger)

	return eng, nil
}

func (e *engine) healthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{"storage": e.repo.Ping}
	if e.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return e.redis.Ping(ctx).Err() }
	}
	return checks
}

// Close drains in-flight recomputes and releases every backend.
func (e *engine) Close() {
	if e.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := e.snapshots.Close(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("analytics store did not drain")
		}
		cancel()
	}
	for _, c := range []interface{ Close() error }{e.snapCache, e.priceCache} {
		if c != nil {
			_ = c.Close()
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.repo != nil {
		e.repo.Close()
	}
}

// Run executes the long-running engine with the ops server alongside.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(ctx, a.Config.Telemetry, a.Config.App.Name, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracer(tctx); err != nil {
			a.Logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	eng, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	svc := service.New(a.Config, sched, service.Deps{
		Repo:      eng.repo,
		Snapshots: eng.snapshots,
		Evaluator: eng.evaluator,
		Gate:      eng.gate,
		Metrics:   eng.metrics,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })

	if a.Config.Server.Enabled {
		srv := server.New(server.Options{
			Addr:            a.Config.Server.Addr,
			ReadTimeout:     a.Config.Server.ReadTimeout,
			ShutdownTimeout: a.Config.Server.ShutdownTimeout,
			Metrics:         eng.metrics.Handler(),
			Checks:          eng.healthChecks(),
		}, a.Logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	a.Logger.Info().Msg("starting risk engine")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("risk engine stopped")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(_ context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	return storage.Migrate(a.Config.Database.DSN, a.Logger)
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	PortfolioID string
	From        *time.Time
	To          *time.Time
	PNGPath     string
	CSVPath     string
	MaxPoints   int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	PortfolioID string
	Limit       int
}

// RefreshOptions configure the refresh job.
type RefreshOptions struct {
	PortfolioIDs []string
	Workers      int
}
