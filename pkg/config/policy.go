package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ModePolicy configures one trading mode (paper/testnet/live).
type ModePolicy struct {
	Enabled         bool    `yaml:"enabled"`
	StartingBalance float64 `yaml:"starting_balance"`
	NotionalCapUSD  float64 `yaml:"notional_cap_usd"` // per-order cap for this mode
}

// AutoPolicy governs orders sourced by automated strategies.
type AutoPolicy struct {
	Enabled        bool    `yaml:"enabled"`
	AllowLive      bool    `yaml:"allow_live"`
	NotionalCapUSD float64 `yaml:"notional_cap_usd"`
	DailyOrderCap  int     `yaml:"daily_order_cap"`
}

// MacroPolicy configures regime-based position sizing.
type MacroPolicy struct {
	Enabled bool `yaml:"enabled"`

	// Multipliers keyed by classifier labels, e.g. "uptrend", "high".
	TrendMultipliers map[string]float64 `yaml:"trend_multipliers"`
	VolMultipliers   map[string]float64 `yaml:"vol_multipliers"`

	// Reductions at or beyond this are logged as informational breaches.
	SignificantReduction float64 `yaml:"significant_reduction"`

	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// TradingPolicy is the risk policy evaluated on every pre-trade check.
type TradingPolicy struct {
	MaxTradeUSD           float64  `yaml:"max_trade_usd"`
	MaxOpenExposureUSD    float64  `yaml:"max_open_exposure_usd"`
	SymbolExposureCapUSD  float64  `yaml:"symbol_exposure_cap_usd"`
	MaxOpenOrdersSymbol   int      `yaml:"max_open_orders_per_symbol"`
	MaxDailyLossUSD       float64  `yaml:"max_daily_loss_usd"`
	SensitiveNotionalUSD  float64  `yaml:"sensitive_notional_usd"`
	AllowedSymbols        []string `yaml:"allowed_symbols"` // empty = all symbols allowed

	Modes map[string]ModePolicy `yaml:"modes"`
	Auto  AutoPolicy            `yaml:"auto"`
	Macro MacroPolicy           `yaml:"macro"`
}

// DefaultPolicy returns the built-in policy used when no file is configured.
func DefaultPolicy() TradingPolicy {
	return TradingPolicy{
		MaxTradeUSD:          10000,
		MaxOpenExposureUSD:   50000,
		SymbolExposureCapUSD: 20000,
		MaxOpenOrdersSymbol:  10,
		MaxDailyLossUSD:      2000,
		SensitiveNotionalUSD: 5000,
		Modes: map[string]ModePolicy{
			"paper":   {Enabled: true, StartingBalance: 100000, NotionalCapUSD: 10000},
			"testnet": {Enabled: true, StartingBalance: 10000, NotionalCapUSD: 5000},
			"live":    {Enabled: false, StartingBalance: 0, NotionalCapUSD: 1000},
		},
		Auto: AutoPolicy{
			Enabled:        true,
			AllowLive:      false,
			NotionalCapUSD: 1000,
			DailyOrderCap:  50,
		},
		Macro: MacroPolicy{
			Enabled: false,
			TrendMultipliers: map[string]float64{
				"uptrend":   1.2,
				"sideways":  1.0,
				"downtrend": 0.5,
			},
			VolMultipliers: map[string]float64{
				"low":    1.2,
				"normal": 1.0,
				"high":   0.5,
			},
			SignificantReduction: 0.3,
			CacheTTL:             5 * time.Minute,
		},
	}
}

// Provider hands out immutable policy snapshots and supports explicit reload.
// Callers always copy the pointer once and read fields from that snapshot so a
// concurrent Reload cannot change limits mid-check.
type Provider struct {
	path string
	mu   sync.RWMutex
	cur  *TradingPolicy
}

// NewProvider loads the policy file at path, or built-in defaults when path is
// empty.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Policy returns the current immutable snapshot.
func (p *Provider) Policy() *TradingPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Reload re-reads the policy file and swaps in a fresh snapshot. The previous
// snapshot stays valid for checks already holding it.
func (p *Provider) Reload() error {
	pol := DefaultPolicy()
	if p.path != "" {
		raw, err := os.ReadFile(p.path)
		if err != nil {
			return fmt.Errorf("read policy file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &pol); err != nil {
			return fmt.Errorf("parse policy file: %w", err)
		}
	}
	if err := validatePolicy(&pol); err != nil {
		return err
	}

	p.mu.Lock()
	p.cur = &pol
	p.mu.Unlock()
	return nil
}

// Set swaps in a policy snapshot directly, bypassing the file. Used for
// runtime overrides and in tests.
func (p *Provider) Set(pol *TradingPolicy) {
	p.mu.Lock()
	p.cur = pol
	p.mu.Unlock()
}

func validatePolicy(pol *TradingPolicy) error {
	if pol.MaxTradeUSD <= 0 {
		return fmt.Errorf("policy: max_trade_usd must be positive, got %v", pol.MaxTradeUSD)
	}
	if pol.MaxDailyLossUSD < 0 {
		return fmt.Errorf("policy: max_daily_loss_usd must not be negative, got %v", pol.MaxDailyLossUSD)
	}
	if len(pol.Modes) == 0 {
		return fmt.Errorf("policy: at least one mode must be configured")
	}
	if pol.Macro.CacheTTL <= 0 {
		pol.Macro.CacheTTL = 5 * time.Minute
	}
	return nil
}
