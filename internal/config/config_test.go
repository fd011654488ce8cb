package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "trading:\n  paper_trading: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Polymarket.ChainID != 137 {
		t.Errorf("chain_id default = %d, want 137", cfg.Polymarket.ChainID)
	}
	if cfg.Risk.CrossPlatformBuffer != 0.15 {
		t.Errorf("cross buffer default = %v, want 0.15", cfg.Risk.CrossPlatformBuffer)
	}
	if cfg.Trading.ExecutionTimeout != 5*time.Second {
		t.Errorf("execution timeout default = %v", cfg.Trading.ExecutionTimeout)
	}
	if !cfg.Trading.PaperTrading {
		t.Error("paper trading should be on")
	}
	if cfg.MarketData.DebounceInterval != 100*time.Millisecond {
		t.Errorf("debounce default = %v", cfg.MarketData.DebounceInterval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "trading:\n  paper_trading: true\n  not_a_real_option: 42\n")

	if _, err := Load(path); err == nil {
		t.Fatal("unknown key should be rejected at load")
	}
}

func TestValidateLiveRequiresCredentials(t *testing.T) {
	path := writeConfig(t, "trading:\n  paper_trading: false\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("live trading without credentials should fail validation")
	}
}

func TestValidateRanges(t *testing.T) {
	path := writeConfig(t, "risk:\n  max_drawdown_pct: 150\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("drawdown > 100% should fail validation")
	}
}

func TestValidateSignatureType(t *testing.T) {
	path := writeConfig(t, "polymarket:\n  signature_type: 1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Proxy signature without a funder address is unusable.
	if err := cfg.Validate(); err == nil {
		t.Fatal("signature_type=1 without funder_address should fail")
	}
}

func TestKalshiHostSelection(t *testing.T) {
	cfg := &Config{}
	cfg.Kalshi.Environment = "demo"
	if got := cfg.KalshiHost(); got != "https://demo-api.kalshi.co" {
		t.Errorf("demo host = %q", got)
	}

	cfg.Kalshi.Environment = "prod"
	if got := cfg.KalshiHost(); got != "https://api.elections.kalshi.com" {
		t.Errorf("prod host = %q", got)
	}

	cfg.Kalshi.Host = "https://localhost:9999"
	if got := cfg.KalshiHost(); got != "https://localhost:9999" {
		t.Errorf("explicit host not honored: %q", got)
	}
}
