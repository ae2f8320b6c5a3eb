package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"exec-core/internal/events"
	"exec-core/pkg/config"
	"exec-core/pkg/db"
)

type stubRegime struct {
	regime Regime
	err    error
	calls  int
}

func (s *stubRegime) LatestRegime(string) (Regime, error) {
	s.calls++
	return s.regime, s.err
}

func newRegimeManager(t *testing.T, src RegimeSource) (*Manager, *config.Provider) {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	policy, err := config.NewProvider("")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	pol := *policy.Policy()
	pol.Macro.Enabled = true
	policy.Set(&pol)

	return NewManager(store, policy, events.NewBus(), src), policy
}

func TestRegimeMultiplierDisabled(t *testing.T) {
	src := &stubRegime{regime: Regime{Trend: "downtrend", Volatility: "high"}}
	m, policy := newRegimeManager(t, src)

	pol := *policy.Policy()
	pol.Macro.Enabled = false
	policy.Set(&pol)

	mult, reason := m.GetRegimeMultiplier(context.Background(), "BTCUSDT")
	if mult != 1.0 || reason != "" {
		t.Fatalf("disabled regime must be neutral, got (%v, %q)", mult, reason)
	}
	if src.calls != 0 {
		t.Fatalf("disabled regime must not query the source, got %d calls", src.calls)
	}
}

func TestRegimeMultiplierTakesMinimum(t *testing.T) {
	cases := []struct {
		name   string
		regime Regime
		want   float64
	}{
		{"both favorable", Regime{Trend: "uptrend", Volatility: "low"}, 1.2},
		{"volatility wins", Regime{Trend: "uptrend", Volatility: "high"}, 0.5},
		{"trend wins", Regime{Trend: "downtrend", Volatility: "low"}, 0.5},
		{"unknown labels neutral", Regime{Trend: "mystery", Volatility: "mystery"}, 1.0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, _ := newRegimeManager(t, &stubRegime{regime: c.regime})
			mult, _ := m.GetRegimeMultiplier(context.Background(), "BTCUSDT")
			if mult != c.want {
				t.Fatalf("expected %v, got %v", c.want, mult)
			}
		})
	}
}

func TestRegimeMultiplierClamped(t *testing.T) {
	src := &stubRegime{regime: Regime{Trend: "crash", Volatility: "normal"}}
	m, policy := newRegimeManager(t, src)

	pol := *policy.Policy()
	pol.Macro.TrendMultipliers = map[string]float64{"crash": 0.1}
	policy.Set(&pol)

	mult, _ := m.GetRegimeMultiplier(context.Background(), "BTCUSDT")
	if mult != 0.3 {
		t.Fatalf("expected clamp to floor 0.3, got %v", mult)
	}
}

func TestRegimeLookupFailureDegrades(t *testing.T) {
	src := &stubRegime{err: errors.New("classifier down")}
	m, _ := newRegimeManager(t, src)

	mult, reason := m.GetRegimeMultiplier(context.Background(), "BTCUSDT")
	if mult != 1.0 || reason != "" {
		t.Fatalf("lookup failure must degrade to neutral, got (%v, %q)", mult, reason)
	}
}

func TestRegimeMultiplierCached(t *testing.T) {
	src := &stubRegime{regime: Regime{Trend: "uptrend", Volatility: "low"}}
	m, _ := newRegimeManager(t, src)
	ctx := context.Background()

	first, _ := m.GetRegimeMultiplier(ctx, "BTCUSDT")
	src.regime = Regime{Trend: "downtrend", Volatility: "high"}
	second, _ := m.GetRegimeMultiplier(ctx, "BTCUSDT")
	if first != second {
		t.Fatalf("expected cached multiplier inside TTL, got %v then %v", first, second)
	}
	if src.calls != 1 {
		t.Fatalf("expected one source lookup, got %d", src.calls)
	}

	// Advancing past the TTL re-queries and picks up the new regime.
	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	third, _ := m.GetRegimeMultiplier(ctx, "BTCUSDT")
	if third != 0.5 {
		t.Fatalf("expected refreshed multiplier 0.5 after TTL, got %v", third)
	}
}

func TestSignificantReductionLogsBreach(t *testing.T) {
	src := &stubRegime{regime: Regime{Trend: "downtrend", Volatility: "high"}}
	m, _ := newRegimeManager(t, src)
	ctx := context.Background()

	if mult, _ := m.GetRegimeMultiplier(ctx, "BTCUSDT"); mult != 0.5 {
		t.Fatalf("expected 0.5, got %v", mult)
	}

	breaches, err := m.Breaches(ctx, true, 10)
	if err != nil {
		t.Fatalf("list breaches: %v", err)
	}
	if len(breaches) != 1 || breaches[0].Severity != "info" {
		t.Fatalf("expected one info breach for the reduction, got %+v", breaches)
	}
}

func TestCalculatePositionSize(t *testing.T) {
	src := &stubRegime{regime: Regime{Trend: "downtrend", Volatility: "high"}}
	m, _ := newRegimeManager(t, src)
	ctx := context.Background()

	s := m.CalculatePositionSize(ctx, "BTCUSDT", 1000, true)
	if s.FinalSizeUSD != 500 || !s.Adjusted || s.Multiplier != 0.5 {
		t.Fatalf("unexpected sizing: %+v", s)
	}

	s = m.CalculatePositionSize(ctx, "BTCUSDT", 1000, false)
	if s.FinalSizeUSD != 1000 || s.Adjusted || s.Multiplier != 1.0 {
		t.Fatalf("expected untouched sizing without regime, got %+v", s)
	}
}
