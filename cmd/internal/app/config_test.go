package app

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("WANDER_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("WANDER_DB_MAX_CONNS", "4")
	t.Setenv("WANDER_DB_MIN_CONNS", "-1")
	t.Setenv("WANDER_HTTP_READ_TIMEOUT", "bogus")
	t.Setenv("WANDER_CORS_ALLOWED_ORIGINS", " https://a.example , ,http://127.0.0.1:* ")
	t.Setenv("WANDER_METRICS_ENABLED", "false")
	t.Setenv("WANDER_REDIS_URL", "redis://localhost:6379/0")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.DBMaxConns != 4 || cfg.DBMinConns != 0 {
		t.Fatalf("db conns=%d/%d want 4/0", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Fatalf("invalid duration must fall back to default, got %v", cfg.ReadTimeout)
	}
	if diff := cmp.Diff([]string{"https://a.example", "http://127.0.0.1:*"}, cfg.CORSAllowedOrigins); diff != "" {
		t.Fatalf("cors origins (-want +got):\n%s", diff)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("metrics should be disabled")
	}
	if cfg.RedisURL == "" || cfg.RedisChannel != "wander:fanout" {
		t.Fatalf("redis config: %q %q", cfg.RedisURL, cfg.RedisChannel)
	}
	if cfg.DBSchema != "wander" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "readiness without db", mutate: func(c *Config) { c.ReadinessRequireDB = true }, wantErr: "WANDER_READINESS_REQUIRE_DB"},
		{name: "min above max", mutate: func(c *Config) { c.DBMinConns, c.DBMaxConns = 5, 2 }, wantErr: "WANDER_DB_MIN_CONNS"},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "WANDER_LOG_FORMAT"},
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = "" }, wantErr: "WANDER_HTTP_ADDR"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.DBMaxConns = 10
			tc.mutate(&cfg)

			err := cfg.Validate()
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}
