package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	multiplierFloor = 0.3
	multiplierCeil  = 2.0
)

type cachedMultiplier struct {
	multiplier float64
	reason     string
	expires    time.Time
}

type regimeCache struct {
	mu      sync.Mutex
	entries map[string]cachedMultiplier
}

// GetRegimeMultiplier returns the position-size multiplier for a symbol based
// on the latest detected market regime. Disabled regime sizing and lookup
// failures both yield the neutral (1.0, "") so sizing never blocks trading.
func (m *Manager) GetRegimeMultiplier(ctx context.Context, symbol string) (float64, string) {
	pol := m.policy.Policy()
	if !pol.Macro.Enabled || m.regime == nil {
		return 1.0, ""
	}

	m.cache.mu.Lock()
	if m.cache.entries == nil {
		m.cache.entries = make(map[string]cachedMultiplier)
	}
	if c, ok := m.cache.entries[symbol]; ok && m.now().Before(c.expires) {
		m.cache.mu.Unlock()
		return c.multiplier, c.reason
	}
	m.cache.mu.Unlock()

	regime, err := m.regime.LatestRegime(symbol)
	if err != nil {
		// A missing classification is not a reason to stop trading.
		return 1.0, ""
	}

	trendMult, ok := pol.Macro.TrendMultipliers[regime.Trend]
	if !ok {
		trendMult = 1.0
	}
	volMult, ok := pol.Macro.VolMultipliers[regime.Volatility]
	if !ok {
		volMult = 1.0
	}

	// Most conservative of the two classifications wins.
	mult := trendMult
	if volMult < mult {
		mult = volMult
	}
	if mult < multiplierFloor {
		mult = multiplierFloor
	}
	if mult > multiplierCeil {
		mult = multiplierCeil
	}

	reason := fmt.Sprintf("regime %s/%s", regime.Trend, regime.Volatility)

	if reduction := 1.0 - mult; reduction >= pol.Macro.SignificantReduction {
		m.LogBreach(ctx, "regime_size_reduction",
			fmt.Sprintf("%s position sizing reduced to %.0f%% (%s)", symbol, mult*100, reason),
			"info",
			map[string]any{"symbol": symbol, "multiplier": mult, "trend": regime.Trend, "volatility": regime.Volatility})
	}

	m.cache.mu.Lock()
	m.cache.entries[symbol] = cachedMultiplier{
		multiplier: mult,
		reason:     reason,
		expires:    m.now().Add(pol.Macro.CacheTTL),
	}
	m.cache.mu.Unlock()

	return mult, reason
}

// CalculatePositionSize applies the regime multiplier to a base USD size. The
// result is advisory; callers use it before constructing an order request.
func (m *Manager) CalculatePositionSize(ctx context.Context, symbol string, baseSizeUSD float64, applyRegime bool) Sizing {
	s := Sizing{
		Symbol:       symbol,
		BaseSizeUSD:  baseSizeUSD,
		FinalSizeUSD: baseSizeUSD,
		Multiplier:   1.0,
	}
	if !applyRegime {
		return s
	}

	mult, reason := m.GetRegimeMultiplier(ctx, symbol)
	s.Multiplier = mult
	s.FinalSizeUSD = baseSizeUSD * mult
	s.Reason = reason
	s.Adjusted = mult != 1.0
	return s
}

func encodeDetails(details map[string]any) string {
	if len(details) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
