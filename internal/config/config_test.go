package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.PingPeriod != 54*time.Second || cfg.Persistence.Driver != "none" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RateLimit.Votes != 10 || cfg.RateLimit.Interval != 5*time.Second {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := []byte(`
port: 9090
deck: ["S", "M", "L"]
persistence:
  driver: sqlite
  retry_delay: 1s
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POKER_PERSISTENCE_MODE", "transport")
	t.Setenv("POKER_PORT", "9191")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9191 {
		t.Fatalf("env must override file port, got %d", cfg.Port)
	}
	if diff := cmp.Diff([]string{"S", "M", "L"}, cfg.Deck); diff != "" {
		t.Fatalf("deck mismatch (-want +got):\n%s", diff)
	}
	if cfg.Persistence.Driver != "sqlite" || cfg.Persistence.Mode != "transport" || cfg.Persistence.RetryDelay != time.Second {
		t.Fatalf("unexpected persistence %+v", cfg.Persistence)
	}
}

func TestLoadFileRejectsBadPort(t *testing.T) {
	t.Setenv("POKER_PORT", "70000")
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected invalid port error")
	}
}
