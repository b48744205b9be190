package app

import (
	"errors"
	"fmt"
	"time"

	"wander/cmd/internal/chat"
	"wander/cmd/internal/chatapi"
	"wander/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL        string
	DBMaxConns         int32
	DBMinConns         int32
	DBSchema           string
	DBApplySchema      bool
	ReadinessRequireDB bool

	// Empty selects the in-process relay.
	RedisURL     string
	RedisChannel string
	InstanceID   string

	// The signing key itself is read from WANDER_JWT_SECRET by the token package.
	// DevInsecureAuth replaces a missing key with a random per-process one.
	DevInsecureAuth bool
	TokenIssuer     string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Per-user budget for REST writes.
	APIWriteEvents int
	APIWriteWindow time.Duration

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WANDER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WANDER_LOG_LEVEL", "info"),
		LogFormat: EnvString("WANDER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WANDER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WANDER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WANDER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WANDER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("WANDER_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("WANDER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:        EnvString("WANDER_DATABASE_URL", ""),
		DBMaxConns:         EnvInt32("WANDER_DB_MAX_CONNS", 10),
		DBMinConns:         EnvInt32("WANDER_DB_MIN_CONNS", 0),
		DBSchema:           EnvString("WANDER_DB_SCHEMA", chat.DefaultSchema),
		DBApplySchema:      EnvBool("WANDER_DB_APPLY_SCHEMA", true),
		ReadinessRequireDB: EnvBool("WANDER_READINESS_REQUIRE_DB", false),

		RedisURL:     EnvString("WANDER_REDIS_URL", ""),
		RedisChannel: EnvString("WANDER_REDIS_CHANNEL", realtime.DefaultFanoutChannel),
		InstanceID:   EnvString("WANDER_INSTANCE_ID", ""),

		DevInsecureAuth: EnvBool("WANDER_DEV_INSECURE_AUTH", false),
		TokenIssuer:     EnvString("WANDER_JWT_ISSUER", "wander"),

		CORSAllowedOrigins:   EnvList("WANDER_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("WANDER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("WANDER_CORS_MAX_AGE_SECONDS", 600),

		APIWriteEvents: EnvInt("WANDER_API_WRITE_EVENTS", chatapi.DefaultWriteEvents),
		APIWriteWindow: EnvDuration("WANDER_API_WRITE_WINDOW", chatapi.DefaultWriteWindow),

		MetricsEnabled: EnvBool("WANDER_METRICS_ENABLED", true),
	}
}

// Validate reports configuration combinations the server refuses to start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("WANDER_HTTP_ADDR is empty"))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("WANDER_READINESS_REQUIRE_DB=true requires WANDER_DATABASE_URL"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("WANDER_DB_MIN_CONNS (%d) exceeds WANDER_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("WANDER_LOG_FORMAT %q is not one of json, text, pretty", c.LogFormat))
	}
	return errors.Join(errs...)
}
