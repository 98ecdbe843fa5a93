package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/dedup"
	"github.com/mohammad-safakhou/rebuttal/internal/generation"
	"github.com/mohammad-safakhou/rebuttal/internal/quota"
	"github.com/mohammad-safakhou/rebuttal/internal/relay"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
	"github.com/mohammad-safakhou/rebuttal/internal/store"
	"github.com/mohammad-safakhou/rebuttal/tools/web_search"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Logger       slog.Logger
	Metrics      *runtime.Metrics
	Ledger       *quota.Ledger
	Guard        *dedup.Guard
	Sessions     SessionStore
	Relay        *relay.Relay
	Identity     runtime.IdentityResolver
	Secret       []byte
	GuestTTL     time.Duration
	SecureCookie bool
	AllowOrigins []string
	Pinger       Pinger
	Clock        quartz.Clock

	// IPExtractor picks the client address for the IP window. Nil means the socket peer.
	IPExtractor echo.IPExtractor
}

// New builds the echo instance with every route registered.
func New(d Deps) *echo.Echo {
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	if len(d.AllowOrigins) == 0 {
		d.AllowOrigins = []string{"*"}
	}
	httpLogger := d.Logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = d.IPExtractor
	if e.IPExtractor == nil {
		e.IPExtractor = echo.ExtractIPDirect()
	}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = errorHandler(httpLogger, d.Metrics)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     d.AllowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error {
		if d.Pinger != nil {
			if err := d.Pinger.Ping(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	registerDocs(e)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	api := e.Group("/api")
	guest := &GuestHandler{Ledger: d.Ledger, Secret: d.Secret, TTL: d.GuestTTL, SecureCookie: d.SecureCookie, Clock: d.Clock}
	guest.Register(api.Group("/auth"))

	turns := &TurnsHandler{
		Ledger:   d.Ledger,
		Guard:    d.Guard,
		Sessions: d.Sessions,
		Relay:    d.Relay,
		Identity: d.Identity,
		Clock:    d.Clock,
		Logger:   d.Logger.Named("turns"),
	}
	turns.Register(api)

	sessions := &SessionsHandler{Sessions: d.Sessions}
	sessions.Register(api, d.Identity)
	return e
}

// App is a fully wired service.
type App struct {
	Echo    *echo.Echo
	Janitor *Janitor
	store   *store.Store
	redis   *redis.Client
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return a.store.Close()
}

// Build connects the backing services described by cfg and wires the application.
func Build(ctx context.Context, cfg *config.Config, logger slog.Logger) (*App, error) {
	clock := quartz.NewReal()
	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return nil, err
	}
	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, err
	}
	rdb, err := runtime.NewRedisClient(ctx, cfg.Storage.Redis)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var counters quota.WindowCounter = &quota.SQLCounter{Rows: st, Clock: clock}
	if cfg.Quota.CounterBackend == config.CounterBackendRedis {
		if rdb == nil {
			_ = st.Close()
			return nil, fmt.Errorf("quota.counter_backend=redis requires storage.redis")
		}
		counters = &quota.RedisCounters{Client: rdb, Prefix: "rebuttal:rate:", Clock: clock}
	}

	extractIP, err := ipExtractor(cfg.Server.TrustedProxies)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	metrics := runtime.NewMetrics(cfg.Telemetry.ServiceName)
	sink := runtime.NewSink(logger.Named("relay"), metrics)
	ledger := quota.NewLedger(counters, st, st, cfg.Quota, clock)

	e := New(Deps{
		Logger:       logger,
		Metrics:      metrics,
		Ledger:       ledger,
		Guard:        dedup.NewGuard(st, cfg.Quota.DuplicateWindow, clock),
		Sessions:     st,
		Relay:        relay.New(backend, st, sink, cfg.Relay, clock),
		Identity:     runtime.JWTResolver{Secret: secret},
		Secret:       secret,
		GuestTTL:     cfg.Server.GuestTokenTTL,
		SecureCookie: cfg.Server.SecureCookies,
		AllowOrigins: cfg.Server.AllowOrigins,
		Pinger:       st,
		Clock:        clock,
		IPExtractor:  extractIP,
	})

	app := &App{Echo: e, store: st, redis: rdb}
	if cfg.Janitor.Enabled {
		app.Janitor = &Janitor{
			Pruner:   st,
			Redis:    rdb,
			Schedule: cfg.Janitor.Schedule,
			LockTTL:  cfg.Janitor.LockTTL,
			Clock:    clock,
			Logger:   logger.Named("janitor"),
		}
	}
	return app, nil
}

func buildBackend(cfg *config.Config, logger slog.Logger) (generation.Backend, error) {
	var backend generation.Backend
	switch cfg.LLM.Provider {
	case "mock":
		backend = generation.NewMock(30 * time.Millisecond)
	case "openai":
		backend = generation.NewOpenAI(cfg.LLM)
	default:
		return nil, fmt.Errorf("unsupported llm.provider %q", cfg.LLM.Provider)
	}
	if !cfg.Search.Enabled() {
		return backend, nil
	}
	searcher, err := web_search.NewWebSearcher(web_search.Provider(cfg.Search.Provider), cfg.Search.APIKey, web_search.Options{
		Timeout: cfg.Search.Timeout,
		Retries: cfg.Search.Retries,
	})
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return &generation.Grounded{
		Backend:    backend,
		Search:     searcher,
		MaxResults: cfg.Search.MaxResults,
		Logger:     logger.Named("grounding"),
	}, nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, e *echo.Echo, addr string, logger slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", slog.F("address", addr), slog.F("pid", os.Getpid()))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
