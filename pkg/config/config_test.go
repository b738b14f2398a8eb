package config

import (
	"testing"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.BaseURL != "http://localhost:8080" {
		t.Errorf("base url = %q", cfg.Server.BaseURL)
	}
	if cfg.Database.IsPostgres() {
		t.Error("default database should be sqlite")
	}
	if cfg.Upstream.Enabled {
		t.Error("upstream proxy should be off by default")
	}
	if !cfg.Auth.RequirePublishAuth {
		t.Error("publish auth should be required by default")
	}
	if cfg.Auth.RequireDownloadAuth {
		t.Error("download auth should be off by default")
	}
	if cfg.RateLimit.Requests != 300 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.StrictRequests != 60 {
		t.Errorf("strict rate limit = %d", cfg.RateLimit.StrictRequests)
	}
	if cfg.LogLevel != observability.InfoLevel {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REPUB_LISTEN_ADDR", ":9000")
	t.Setenv("REPUB_BASE_URL", "https://pub.example.com/")
	t.Setenv("REPUB_DATABASE_URL", "postgres://repub:s3cret@db:5432/repub")
	t.Setenv("REPUB_ENABLE_UPSTREAM_PROXY", "true")
	t.Setenv("REPUB_UPSTREAM_URL", "https://pub.dev/")
	t.Setenv("REPUB_REQUIRE_DOWNLOAD_AUTH", "1")
	t.Setenv("REPUB_RATE_LIMIT_REQUESTS", "10")
	t.Setenv("REPUB_RATE_LIMIT_WINDOW_SECONDS", "5")
	t.Setenv("REPUB_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	// Trailing slashes are trimmed so URL joins stay clean.
	if cfg.Server.BaseURL != "https://pub.example.com" {
		t.Errorf("base url = %q", cfg.Server.BaseURL)
	}
	if cfg.Upstream.URL != "https://pub.dev" {
		t.Errorf("upstream url = %q", cfg.Upstream.URL)
	}
	if !cfg.Database.IsPostgres() {
		t.Error("postgres URL not detected")
	}
	if !cfg.Upstream.Enabled || !cfg.Auth.RequireDownloadAuth {
		t.Error("boolean flags not applied")
	}
	if cfg.RateLimit.Requests != 10 || cfg.RateLimit.Window != 5*time.Second {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.LogLevel != observability.DebugLevel {
		t.Errorf("log level = %v", cfg.LogLevel)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad base url", "REPUB_BASE_URL", "pub.example.com"},
		{"bad storage backend", "REPUB_STORAGE_BACKEND", "tape"},
		{"zero rate limit", "REPUB_RATE_LIMIT_REQUESTS", "0"},
		{"zero strict rate limit", "REPUB_STRICT_RATE_LIMIT_REQUESTS", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}
