package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicyWhenPathEmpty(t *testing.T) {
	p, err := NewProvider("")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	pol := p.Policy()
	if pol.MaxTradeUSD != 10000 {
		t.Fatalf("unexpected default max trade: %v", pol.MaxTradeUSD)
	}
	if !pol.Modes["paper"].Enabled || pol.Modes["live"].Enabled {
		t.Fatalf("unexpected default mode flags: %+v", pol.Modes)
	}
	if pol.Auto.AllowLive {
		t.Fatal("auto live must be disallowed by default")
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	raw := `
max_trade_usd: 2500
max_open_exposure_usd: 9000
allowed_symbols: [BTCUSDT, ETHUSDT]
modes:
  paper:
    enabled: true
    starting_balance: 5000
    notional_cap_usd: 2500
auto:
  enabled: false
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	pol := p.Policy()
	if pol.MaxTradeUSD != 2500 || pol.MaxOpenExposureUSD != 9000 {
		t.Fatalf("file values not applied: %+v", pol)
	}
	if len(pol.AllowedSymbols) != 2 {
		t.Fatalf("allow-list not parsed: %v", pol.AllowedSymbols)
	}
	if pol.Auto.Enabled {
		t.Fatal("auto flag from file not applied")
	}
}

func TestInvalidPolicyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("max_trade_usd: -5\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := NewProvider(path); err == nil {
		t.Fatal("expected validation error for negative max trade")
	}
}

func TestReloadKeepsPreviousSnapshotOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("max_trade_usd: 2500\nmodes:\n  paper:\n    enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := NewProvider(path)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	before := p.Policy()

	if err := os.WriteFile(path, []byte(":::not yaml"), 0o644); err != nil {
		t.Fatalf("corrupt policy: %v", err)
	}
	if err := p.Reload(); err == nil {
		t.Fatal("expected reload failure for corrupt file")
	}
	if p.Policy() != before {
		t.Fatal("failed reload must keep the previous snapshot")
	}
}

func TestSnapshotImmutableAcrossReload(t *testing.T) {
	p, err := NewProvider("")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	held := p.Policy()
	replacement := DefaultPolicy()
	replacement.MaxTradeUSD = 1
	p.Set(&replacement)

	if held.MaxTradeUSD != 10000 {
		t.Fatalf("held snapshot mutated: %v", held.MaxTradeUSD)
	}
	if p.Policy().MaxTradeUSD != 1 {
		t.Fatalf("new snapshot not visible: %v", p.Policy().MaxTradeUSD)
	}
}
