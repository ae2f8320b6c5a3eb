// Package settlement owns wallet balances, positions, fills and the
// hash-chained ledger. All position math uses weighted-average cost.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"exec-core/pkg/db"
)

// Epsilon below which a position quantity counts as fully closed.
const Epsilon = 1e-9

// SideLong is the only position side in the net-long model: sells reduce a
// long position instead of opening a short row.
const SideLong = "long"

// ErrInvalidFill rejects fills with non-positive quantity or price before any
// state is mutated.
var ErrInvalidFill = errors.New("invalid fill")

// PriceSource supplies the latest market price for a symbol when no fill
// history exists. It is an external collaborator and may be nil.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Config seeds wallets and names the ledger currency.
type Config struct {
	StartingBalances map[string]float64 // per mode
	Currency         string
}

// Ledger is the settlement bookkeeping component. Fills for one mode are
// serialized by a per-mode mutex so weighted-average math and the snapshot
// chain stay correct under concurrent callers.
type Ledger struct {
	store  *db.Database
	prices PriceSource
	cfg    Config

	mu        sync.Mutex
	modeLocks map[string]*sync.Mutex
}

func NewLedger(store *db.Database, prices PriceSource, cfg Config) *Ledger {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Ledger{
		store:     store,
		prices:    prices,
		cfg:       cfg,
		modeLocks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) modeLock(mode string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.modeLocks[mode]
	if !ok {
		lk = &sync.Mutex{}
		l.modeLocks[mode] = lk
	}
	return lk
}

// WalletBalance returns the cash balance for a mode, lazily creating the
// wallet at the configured starting balance on first access.
func (l *Ledger) WalletBalance(ctx context.Context, mode string) (float64, error) {
	lk := l.modeLock(mode)
	lk.Lock()
	defer lk.Unlock()
	return l.walletBalanceLocked(ctx, mode)
}

func (l *Ledger) walletBalanceLocked(ctx context.Context, mode string) (float64, error) {
	w, err := l.store.GetWallet(ctx, mode)
	if err == nil {
		return w.Balance, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return 0, err
	}

	starting := l.cfg.StartingBalances[mode]
	if err := l.store.UpsertWallet(ctx, mode, starting, l.cfg.Currency); err != nil {
		return 0, fmt.Errorf("initialize wallet for %s: %w", mode, err)
	}
	return starting, nil
}

// SetWalletBalance overwrites the cash balance for a mode.
func (l *Ledger) SetWalletBalance(ctx context.Context, mode string, amount float64) error {
	lk := l.modeLock(mode)
	lk.Lock()
	defer lk.Unlock()
	return l.store.UpsertWallet(ctx, mode, amount, l.cfg.Currency)
}

// Positions lists current positions; mode may be empty for all modes.
func (l *Ledger) Positions(ctx context.Context, mode string) ([]db.Position, error) {
	return l.store.ListPositions(ctx, mode)
}

// ReferencePrice resolves a price for a symbol: most recent fill for
// (symbol[, mode]), then the latest market price, then def. Returns 0 when
// nothing resolves and def is 0.
func (l *Ledger) ReferencePrice(ctx context.Context, symbol, mode string, def float64) float64 {
	if p, err := l.store.LatestFillPrice(ctx, symbol, mode); err == nil && p > 0 {
		return p
	}
	if l.prices != nil {
		if p, err := l.prices.LatestPrice(ctx, symbol); err == nil && p > 0 {
			return p
		}
	}
	return def
}

// RecordFill applies one fill to the wallet and position for the order's
// (symbol, mode), persists the fill, and appends a chained ledger snapshot.
// The fill's PnL field is computed here: signed realized PnL for closing
// fills, 0 for opening fills. The returned fill carries the computed PnL and
// generated identifiers.
func (l *Ledger) RecordFill(ctx context.Context, o db.Order, f db.Fill) (db.Fill, db.LedgerSnapshot, error) {
	if f.Qty <= 0 {
		return f, db.LedgerSnapshot{}, fmt.Errorf("%w: quantity %v", ErrInvalidFill, f.Qty)
	}
	if f.Price <= 0 {
		return f, db.LedgerSnapshot{}, fmt.Errorf("%w: price %v", ErrInvalidFill, f.Price)
	}

	lk := l.modeLock(f.Mode)
	lk.Lock()
	defer lk.Unlock()

	balance, err := l.walletBalanceLocked(ctx, f.Mode)
	if err != nil {
		return f, db.LedgerSnapshot{}, err
	}

	pos, err := l.store.GetPosition(ctx, f.Symbol, f.Mode, SideLong)
	hasPos := err == nil
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return f, db.LedgerSnapshot{}, err
	}

	var pnl float64
	switch strings.ToLower(f.Side) {
	case "buy":
		newQty := f.Qty
		newAvg := f.Price
		realized := 0.0
		if hasPos {
			newQty = pos.Qty + f.Qty
			newAvg = (pos.Qty*pos.AvgEntryPrice + f.Qty*f.Price) / newQty
			realized = pos.RealizedPnL
		}
		p := db.Position{
			Symbol:        f.Symbol,
			Mode:          f.Mode,
			Side:          SideLong,
			Qty:           newQty,
			AvgEntryPrice: newAvg,
			RealizedPnL:   realized,
			StrategyID:    o.StrategyID,
		}
		if err := l.store.UpsertPosition(ctx, p); err != nil {
			return f, db.LedgerSnapshot{}, fmt.Errorf("upsert position: %w", err)
		}
		balance -= f.Qty*f.Price + f.Fee

	case "sell":
		if !hasPos {
			// Pure short realization: no position row is created.
			pnl = f.Qty * f.Price
		} else {
			pnl = (f.Price - pos.AvgEntryPrice) * f.Qty
			remaining := pos.Qty - f.Qty
			if remaining > Epsilon {
				p := pos
				p.Qty = remaining
				p.RealizedPnL = pos.RealizedPnL + pnl
				if err := l.store.UpsertPosition(ctx, p); err != nil {
					return f, db.LedgerSnapshot{}, fmt.Errorf("upsert position: %w", err)
				}
			} else if err := l.store.DeletePosition(ctx, f.Symbol, f.Mode, SideLong); err != nil {
				return f, db.LedgerSnapshot{}, fmt.Errorf("delete closed position: %w", err)
			}
		}
		balance += f.Qty*f.Price - f.Fee

	default:
		return f, db.LedgerSnapshot{}, fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	}

	if err := l.store.UpsertWallet(ctx, f.Mode, balance, l.cfg.Currency); err != nil {
		return f, db.LedgerSnapshot{}, fmt.Errorf("update wallet: %w", err)
	}

	f.PnL = pnl
	if f.FillID == "" {
		f.FillID = uuid.NewString()
	}
	if f.ExecutedAt.IsZero() {
		f.ExecutedAt = time.Now().UTC()
	}
	if err := l.store.CreateFill(ctx, f); err != nil {
		return f, db.LedgerSnapshot{}, fmt.Errorf("insert fill: %w", err)
	}

	snap, err := l.appendSnapshot(ctx, f.Mode, balance, pnl)
	if err != nil {
		return f, db.LedgerSnapshot{}, err
	}
	return f, snap, nil
}

// appendSnapshot rolls up the mode's account state after a fill and chains it
// onto the previous snapshot. Caller holds the mode lock.
func (l *Ledger) appendSnapshot(ctx context.Context, mode string, balance, fillPnL float64) (db.LedgerSnapshot, error) {
	positions, err := l.store.ListPositions(ctx, mode)
	if err != nil {
		return db.LedgerSnapshot{}, fmt.Errorf("list positions for snapshot: %w", err)
	}

	var posValue, unrealized float64
	for _, p := range positions {
		posValue += p.Qty * p.AvgEntryPrice
		if ref := l.ReferencePrice(ctx, p.Symbol, mode, 0); ref > 0 {
			unrealized += (ref - p.AvgEntryPrice) * p.Qty
		}
	}

	var prevRealized float64
	var prevHash string
	prev, err := l.store.LatestSnapshot(ctx, mode)
	switch {
	case err == nil:
		prevRealized = prev.RealizedPnL
		prevHash = prev.Hash
	case errors.Is(err, db.ErrNotFound):
		// First snapshot for this mode; baseline realized PnL is 0.
	default:
		return db.LedgerSnapshot{}, fmt.Errorf("load previous snapshot: %w", err)
	}

	snap := db.LedgerSnapshot{
		Mode:           mode,
		WalletBalance:  balance,
		PositionsValue: posValue,
		RealizedPnL:    prevRealized + fillPnL,
		UnrealizedPnL:  unrealized,
		PrevHash:       prevHash,
		CreatedAt:      time.Now().UTC(),
	}
	snap.Hash = SnapshotHash(snap)

	seq, err := l.store.InsertSnapshot(ctx, snap)
	if err != nil {
		return db.LedgerSnapshot{}, fmt.Errorf("insert ledger snapshot: %w", err)
	}
	snap.Seq = seq
	return snap, nil
}

// snapshotDigest fixes the set and order of fields covered by the hash.
type snapshotDigest struct {
	Mode           string  `json:"mode"`
	WalletBalance  float64 `json:"wallet_balance"`
	PositionsValue float64 `json:"positions_value"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	PrevHash       string  `json:"prev_hash"`
	Timestamp      string  `json:"timestamp"`
}

// SnapshotHash computes the tamper-evidence hash over the canonical snapshot
// fields, including the previous snapshot's hash to form a true chain.
func SnapshotHash(s db.LedgerSnapshot) string {
	raw, _ := json.Marshal(snapshotDigest{
		Mode:           s.Mode,
		WalletBalance:  s.WalletBalance,
		PositionsValue: s.PositionsValue,
		RealizedPnL:    s.RealizedPnL,
		UnrealizedPnL:  s.UnrealizedPnL,
		PrevHash:       s.PrevHash,
		Timestamp:      s.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// VerifyChain recomputes hashes over a mode's snapshot sequence (oldest first)
// and reports the first mismatching sequence number, or -1 when intact.
func VerifyChain(snaps []db.LedgerSnapshot) int64 {
	prevHash := ""
	for _, s := range snaps {
		if s.PrevHash != prevHash {
			return s.Seq
		}
		if SnapshotHash(s) != s.Hash {
			return s.Seq
		}
		prevHash = s.Hash
	}
	return -1
}

// ModeReport summarizes one mode for reconciliation.
type ModeReport struct {
	Mode              string  `json:"mode"`
	WalletBalance     float64 `json:"wallet_balance"`
	LatestHash        string  `json:"latest_hash"`
	UnreconciledFills int     `json:"unreconciled_fills"`
}

// Report is the output of ReconciliationReport.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Modes       []ModeReport `json:"modes"`
}

// ReconciliationReport summarizes wallet balance, latest ledger hash and
// unreconciled fill count per mode. Modes defaults to all configured modes.
func (l *Ledger) ReconciliationReport(ctx context.Context, modes []string) (Report, error) {
	if len(modes) == 0 {
		for m := range l.cfg.StartingBalances {
			modes = append(modes, m)
		}
		sort.Strings(modes)
	}

	rep := Report{GeneratedAt: time.Now().UTC()}
	for _, mode := range modes {
		balance, err := l.WalletBalance(ctx, mode)
		if err != nil {
			return Report{}, err
		}
		mr := ModeReport{Mode: mode, WalletBalance: balance}

		snap, err := l.store.LatestSnapshot(ctx, mode)
		if err == nil {
			mr.LatestHash = snap.Hash
		} else if !errors.Is(err, db.ErrNotFound) {
			return Report{}, err
		}

		n, err := l.store.CountUnreconciledFills(ctx, mode)
		if err != nil {
			return Report{}, err
		}
		mr.UnreconciledFills = n
		rep.Modes = append(rep.Modes, mr)
	}
	return rep, nil
}
