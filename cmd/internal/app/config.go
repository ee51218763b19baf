package app

import (
	"strings"
	"time"

	"github.com/ditu87/Builder-echo-haven/cmd/internal/inbox"
	"github.com/ditu87/Builder-echo-haven/cmd/internal/realtime"
)

// Config contains all runtime configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// CORS for the browser UI. Empty disables CORS headers entirely.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	DBMigrate   bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string

	// GatewayURL points engines at a remote WSGateway (ws:// or wss://) instead of the
	// local hub. GatewayOrigin is sent as Origin on the upgrade.
	GatewayURL    string
	GatewayOrigin string

	LiveBuffer    int
	Retry         inbox.RetryPolicy
	EngineIdleTTL time.Duration
	PollMaxWait   time.Duration

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from env (process environment over config file) with defaults.
func LoadConfig(env Env) Config {
	retry := inbox.DefaultRetryPolicy()
	ws := realtime.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  env.String("HAVEN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("HAVEN_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(env.String("HAVEN_LOG_FORMAT", "json")),

		ReadHeaderTimeout: env.Duration("HAVEN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("HAVEN_HTTP_READ_TIMEOUT", 15*time.Second),
		// Long-polls hold the response for up to PollMaxWait.
		WriteTimeout:   env.Duration("HAVEN_HTTP_WRITE_TIMEOUT", 45*time.Second),
		IdleTimeout:    env.Duration("HAVEN_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: env.Int("HAVEN_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   env.CSV("HAVEN_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: env.Bool("HAVEN_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    env.Int("HAVEN_CORS_MAX_AGE_SECONDS", 600),

		DatabaseURL: env.String("HAVEN_DATABASE_URL", ""),
		DBMaxConns:  env.Int32("HAVEN_DB_MAX_CONNS", 10),
		DBMinConns:  env.Int32("HAVEN_DB_MIN_CONNS", 0),
		DBSchema:    env.String("HAVEN_DB_SCHEMA", "haven"),
		DBMigrate:   env.Bool("HAVEN_DB_MIGRATE", true),

		ReadinessRequireDB: env.Bool("HAVEN_READINESS_REQUIRE_DB", false),

		RedisAddr:     env.String("HAVEN_REDIS_ADDR", ""),
		RedisPassword: env.String("HAVEN_REDIS_PASSWORD", ""),
		RedisDB:       env.Int("HAVEN_REDIS_DB", 0),
		RedisChannel:  env.String("HAVEN_REDIS_CHANNEL", realtime.DefaultRedisChannel),

		GatewayURL:    env.String("HAVEN_GATEWAY_URL", ""),
		GatewayOrigin: env.String("HAVEN_GATEWAY_ORIGIN", ""),

		LiveBuffer: env.Int("HAVEN_LIVE_BUFFER", 1024),
		Retry: inbox.RetryPolicy{
			Attempts: env.Int("HAVEN_FETCH_RETRIES", retry.Attempts),
			Base:     env.Duration("HAVEN_RETRY_BASE", retry.Base),
			Max:      env.Duration("HAVEN_RETRY_MAX", retry.Max),
		},
		EngineIdleTTL: env.Duration("HAVEN_ENGINE_IDLE_TTL", 10*time.Minute),
		PollMaxWait:   env.Duration("HAVEN_POLL_MAX_WAIT", 30*time.Second),

		WS: realtime.GatewayConfig{
			DevInsecure:       env.Bool("HAVEN_WS_DEV_INSECURE", ws.DevInsecure),
			OriginRequired:    env.Bool("HAVEN_WS_ORIGIN_REQUIRED", ws.OriginRequired),
			AllowedOrigins:    env.CSV("HAVEN_WS_ALLOWED_ORIGINS", ws.AllowedOrigins),
			WriteTimeout:      env.Duration("HAVEN_WS_WRITE_TIMEOUT", ws.WriteTimeout),
			ReadIdleTimeout:   env.Duration("HAVEN_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout),
			SendQueueSize:     env.Int("HAVEN_WS_SEND_QUEUE_SIZE", ws.SendQueueSize),
			HeartbeatInterval: env.Duration("HAVEN_WS_HEARTBEAT_INTERVAL", ws.HeartbeatInterval),
			HeartbeatTimeout:  env.Duration("HAVEN_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout),
			RateEvents:        env.Int("HAVEN_WS_RATE_EVENTS", ws.RateEvents),
			RateWindow:        env.Duration("HAVEN_WS_RATE_WINDOW", ws.RateWindow),
		},
	}
}
