package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.CacheTTL != 30*time.Second || cfg.LocalCacheMB != 64 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RiskVaRMethod != "historical" || cfg.RiskVaRConfidence != 0.95 || cfg.AlertNearThreshold != 0.05 {
		t.Errorf("unexpected risk defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("unexpected addr %s", cfg.Addr())
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("RISK_VAR_METHOD", "Parametric")
	t.Setenv("CAPITALIZE_BUY_FEES", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 || cfg.CacheTTL != 2*time.Minute || !cfg.CapitalizeBuyFees {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.RiskVaRMethod != "parametric" || cfg.LogLevel != "debug" {
		t.Errorf("enum values should be normalized: %q %q", cfg.RiskVaRMethod, cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("should validate: %v", err)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	if err := os.WriteFile(path, []byte("port: 7070\nalert_near_threshold: 0.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7171")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AlertNearThreshold != 0.1 {
		t.Errorf("file value not applied: %v", cfg.AlertNearThreshold)
	}
	if cfg.Port != 7171 {
		t.Errorf("environment should win over the file, got %d", cfg.Port)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Setenv("RISK_VAR_CONFIDENCE", "1.5")
	t.Setenv("RISK_VAR_METHOD", "montecarlo")
	t.Setenv("PRICE_TIMEOUT", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"RiskVaRConfidence", "RiskVaRMethod", "PRICE_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestCacheEnabled(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"local tier", Config{CacheTTL: time.Minute, LocalCacheMB: 8}, true},
		{"redis tier", Config{CacheTTL: time.Minute, RedisURL: "redis://localhost:6379"}, true},
		{"zero ttl", Config{LocalCacheMB: 8, RedisURL: "redis://localhost:6379"}, false},
		{"no tiers", Config{CacheTTL: time.Minute}, false},
	}
	for _, tc := range cases {
		if got := tc.cfg.CacheEnabled(); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
