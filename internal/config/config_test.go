package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	contents := `
currency: EUR
exchanges:
  - base-url: https://exchange.example.com/
    master-public-key: ABCD
    currency: EUR
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Currency != "EUR" {
		t.Fatalf("currency = %q", cfg.Currency)
	}
	if cfg.DefaultWireFeeAmortization != 1 {
		t.Fatalf("amortization default = %d", cfg.DefaultWireFeeAmortization)
	}
	if cfg.DepositConcurrencyPerExchange != 16 {
		t.Fatalf("deposit concurrency default = %d", cfg.DepositConcurrencyPerExchange)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0].BaseURL != "https://exchange.example.com/" {
		t.Fatalf("exchanges = %+v", cfg.Exchanges)
	}
}

func TestLoadRejectsMissingCurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(path, []byte("force-audit: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Fatalf("expected validation error for missing currency")
	}
}
