package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ECOTRADE_JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.RetryBaseDelay != time.Second || cfg.RetryMaxDelay != 10*time.Second {
		t.Errorf("unexpected retry defaults: %+v", cfg)
	}
	if !cfg.MDNSEnabled {
		t.Error("MDNSEnabled should default to true")
	}
	if cfg.Locale != "id" {
		t.Errorf("Locale = %q, want id", cfg.Locale)
	}
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ECOTRADE_JWT_SECRET", "secret")
	t.Setenv("ECOTRADE_HTTP_PORT", "9000")
	t.Setenv("ECOTRADE_RETRY_BASE_DELAY", "250ms")
	t.Setenv("ECOTRADE_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ECOTRADE_MDNS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.HTTPPort)
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v", cfg.RetryBaseDelay)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.MDNSEnabled {
		t.Error("MDNSEnabled should be false")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	chdir(t, t.TempDir())

	if _, err := Load(); err == nil {
		t.Fatal("expected error without ECOTRADE_JWT_SECRET")
	}

	t.Setenv("ECOTRADE_JWT_SECRET", "secret")
	t.Setenv("ECOTRADE_RETRY_MAX_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero attempts")
	}
}

// chdir changes the working directory for the duration of the test,
// restoring the previous one on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
