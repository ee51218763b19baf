// Package app wires the Haven messaging runtime: config, logging, stores, live feeds,
// per-viewer inbox engines and the HTTP/WebSocket surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/inboxapi"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/marketplace"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/realtime"
)

// App is the Haven server runtime. It owns the store, the live feeds and the engines.
type App struct {
	cfg Config
	log Logger

	metrics *prometheus.Registry

	dbPool *pgxpool.Pool
	redis  *redis.Client

	hub       *realtime.Hub
	transport inbox.Transport
	store     inbox.MessageStore
	feed   *realtime.PostgresFeed
	bridge *realtime.RedisBridge

	engines *inbox.Registry
	api     *inboxapi.Handler
	ws      *realtime.WSGateway
}

// New constructs a fully wired App from config and logger.
//
// Store selection: PostgreSQL when HAVEN_DATABASE_URL is set, in-memory otherwise.
// Live fanout: Redis pub/sub when HAVEN_REDIS_ADDR is set, else pg_notify when the
// store is PostgreSQL, else the in-process hub alone. With HAVEN_GATEWAY_URL set, engines
// subscribe through that remote gateway instead of the local hub.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{cfg: cfg, log: log, metrics: reg}
	a.hub = realtime.NewHub(log, realtime.WithHubMetrics(reg))

	if err := a.initStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	transport, err := a.engineTransport()
	if err != nil {
		a.close()
		return nil, err
	}
	a.transport = transport

	inboxMetrics := inbox.NewMetrics(reg)
	factory := func(viewerID string) (*inbox.Engine, error) {
		return inbox.NewEngine(log, viewerID, a.store, a.transport,
			inbox.WithMetrics(inboxMetrics),
			inbox.WithRetryPolicy(cfg.Retry),
			inbox.WithLiveBuffer(cfg.LiveBuffer),
		)
	}
	a.engines = inbox.NewRegistry(log, factory, cfg.EngineIdleTTL, inboxMetrics)

	api, err := inboxapi.NewHandler(log, a.engines, marketplace.NewSessions(), inboxapi.WithMaxWait(cfg.PollMaxWait))
	if err != nil {
		a.close()
		return nil, err
	}
	a.api = api
	a.ws = realtime.NewWSGateway(log, a.hub, cfg.WS)

	return a, nil
}

// engineTransport picks the live feed engines subscribe to.
func (a *App) engineTransport() (inbox.Transport, error) {
	if a.cfg.GatewayURL == "" {
		return a.hub, nil
	}

	var opts []realtime.WSTransportOption
	if a.cfg.GatewayOrigin != "" {
		opts = append(opts, realtime.WithOrigin(a.cfg.GatewayOrigin))
	}
	tr, err := realtime.NewWSTransport(a.log, a.cfg.GatewayURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	a.log.Info("gateway.remote.enabled", "url", a.cfg.GatewayURL)
	return tr, nil
}

func (a *App) initStore(ctx context.Context) error {
	var publisher realtime.Publisher = a.hub

	if a.cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
		}

		bridge, err := realtime.NewRedisBridge(a.log, a.redis, a.cfg.RedisChannel, a.hub)
		if err != nil {
			return err
		}
		a.bridge = bridge
		publisher = bridge
		a.log.Info("redis.enabled.bridge", "addr", a.cfg.RedisAddr, "channel", a.cfg.RedisChannel)
	}

	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = realtime.NewMemoryStore(a.log, publisher)
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.dbPool = pool

	opts := []realtime.PostgresOption{
		realtime.WithSchema(a.cfg.DBSchema),
		realtime.WithStoreLogger(a.log),
	}
	if a.bridge != nil {
		// The bridge already fans out to every instance; pg_notify would deliver twice.
		opts = append(opts, realtime.WithNotifyChannel(""), realtime.WithPublisher(a.bridge))
	}
	st, err := realtime.NewPostgresStore(pool, opts...)
	if err != nil {
		return err
	}
	if a.cfg.DBMigrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	a.store = st

	if a.bridge == nil {
		feed, err := realtime.NewPostgresFeed(a.log, pool, st, a.hub)
		if err != nil {
			return err
		}
		a.feed = feed
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "notify", st.NotifyChannel())
	return nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run serves HTTP and runs the live feeds and engines until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	// Cancelled on shutdown: hijacked WebSocket connections are not tracked by Shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 45*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/v1/conversations",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"remote_gateway", a.cfg.GatewayURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cancelBase()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error { return a.engines.Run(gctx) })

	if a.feed != nil {
		g.Go(func() error { return a.feed.Run(gctx) })
	}
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// close releases pool and client. Engines are stopped by Registry.Run.
func (a *App) close() {
	if a.engines != nil {
		a.engines.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
