package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7441" || cfg.Authority != "legacy" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TrailTTL() != 4*time.Hour {
		t.Fatalf("trail ttl = %v", cfg.TrailTTL())
	}
}

func TestLoadOverridesAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waggle.yaml")
	in := Default()
	in.Addr = ":9000"
	in.Authority = "eventlog"
	in.Claims.TimeoutSeconds = 3
	if err := in.Write(path); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.Authority != "eventlog" {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if cfg.ClaimTimeout() != 3*time.Second {
		t.Fatalf("claim timeout = %v", cfg.ClaimTimeout())
	}
	// Unset fields keep defaults.
	if cfg.Heuristics.HardLimit != 50 {
		t.Fatalf("hard limit = %d", cfg.Heuristics.HardLimit)
	}
}

func TestLoadRejectsBadAuthority(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waggle.yaml")
	if err := os.WriteFile(path, []byte("authority: maybe\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestResolvePathHonorsEnv(t *testing.T) {
	t.Setenv("WAGGLE_CONFIG", "/tmp/custom.yaml")
	if got := ResolvePath(); got != "/tmp/custom.yaml" {
		t.Fatalf("path = %q", got)
	}
	t.Setenv("WAGGLE_CONFIG", "")
	if got := ResolvePath(); got != "waggle.yaml" {
		t.Fatalf("default path = %q", got)
	}
}
