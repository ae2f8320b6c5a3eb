package settlement

import (
	"context"
	"errors"
	"math"
	"testing"

	"exec-core/pkg/db"
)

func newTestLedger(t *testing.T) (*Ledger, *db.Database) {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	l := NewLedger(store, nil, Config{
		StartingBalances: map[string]float64{"paper": 100000},
		Currency:         "USD",
	})
	return l, store
}

func buyOrder(symbol string) db.Order {
	return db.Order{OrderID: "o-" + symbol, Mode: "paper", Symbol: symbol, Side: "buy"}
}

func fill(symbol, side string, qty, price float64) db.Fill {
	return db.Fill{OrderID: "o-" + symbol, Mode: "paper", Symbol: symbol, Side: side, Qty: qty, Price: price}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestWalletLazyInit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	bal, err := l.WalletBalance(ctx, "paper")
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	if bal != 100000 {
		t.Fatalf("expected starting balance 100000, got %v", bal)
	}
}

func TestRecordFillWeightedAverage(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		qty, price float64
		wantQty    float64
		wantAvg    float64
	}{
		{1, 100, 1, 100},
		{1, 200, 2, 150},
		{2, 150, 4, 150},
	}
	for _, c := range cases {
		if _, _, err := l.RecordFill(ctx, buyOrder("BTCUSDT"), fill("BTCUSDT", "buy", c.qty, c.price)); err != nil {
			t.Fatalf("record fill %v@%v: %v", c.qty, c.price, err)
		}
		pos, err := store.GetPosition(ctx, "BTCUSDT", "paper", SideLong)
		if err != nil {
			t.Fatalf("get position: %v", err)
		}
		if !almostEqual(pos.Qty, c.wantQty) || !almostEqual(pos.AvgEntryPrice, c.wantAvg) {
			t.Fatalf("after %v@%v: got qty=%v avg=%v, want qty=%v avg=%v",
				c.qty, c.price, pos.Qty, pos.AvgEntryPrice, c.wantQty, c.wantAvg)
		}
	}

	bal, _ := l.WalletBalance(ctx, "paper")
	if !almostEqual(bal, 100000-100-200-300) {
		t.Fatalf("wallet not debited correctly: %v", bal)
	}
}

func TestSellRealizesPnLAndClosesPosition(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.RecordFill(ctx, buyOrder("ETHUSDT"), fill("ETHUSDT", "buy", 2, 100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	f, _, err := l.RecordFill(ctx, buyOrder("ETHUSDT"), fill("ETHUSDT", "sell", 2, 110))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !almostEqual(f.PnL, 20) {
		t.Fatalf("expected pnl 20, got %v", f.PnL)
	}

	if _, err := store.GetPosition(ctx, "ETHUSDT", "paper", SideLong); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected position deleted, got err=%v", err)
	}

	bal, _ := l.WalletBalance(ctx, "paper")
	if !almostEqual(bal, 100000+20) {
		t.Fatalf("expected wallet 100020, got %v", bal)
	}
}

func TestPartialSellKeepsAverage(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.RecordFill(ctx, buyOrder("SOLUSDT"), fill("SOLUSDT", "buy", 4, 50)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	f, _, err := l.RecordFill(ctx, buyOrder("SOLUSDT"), fill("SOLUSDT", "sell", 1, 60))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !almostEqual(f.PnL, 10) {
		t.Fatalf("expected pnl 10, got %v", f.PnL)
	}

	pos, err := store.GetPosition(ctx, "SOLUSDT", "paper", SideLong)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !almostEqual(pos.Qty, 3) || !almostEqual(pos.AvgEntryPrice, 50) {
		t.Fatalf("expected qty=3 avg=50 after partial close, got qty=%v avg=%v", pos.Qty, pos.AvgEntryPrice)
	}
	if !almostEqual(pos.RealizedPnL, 10) {
		t.Fatalf("expected realized 10 on position, got %v", pos.RealizedPnL)
	}
}

func TestSellWithoutPosition(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	f, _, err := l.RecordFill(ctx, buyOrder("XRPUSDT"), fill("XRPUSDT", "sell", 10, 2))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !almostEqual(f.PnL, 20) {
		t.Fatalf("expected pnl 20 for positionless sell, got %v", f.PnL)
	}
	if _, err := store.GetPosition(ctx, "XRPUSDT", "paper", SideLong); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("positionless sell must not create a position, got err=%v", err)
	}
}

func TestRecordFillRejectsInvalidInput(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name string
		f    db.Fill
	}{
		{"zero quantity", fill("BTCUSDT", "buy", 0, 100)},
		{"negative quantity", fill("BTCUSDT", "buy", -1, 100)},
		{"zero price", fill("BTCUSDT", "buy", 1, 0)},
		{"unknown side", fill("BTCUSDT", "hold", 1, 100)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, _, err := l.RecordFill(ctx, buyOrder("BTCUSDT"), c.f); !errors.Is(err, ErrInvalidFill) {
				t.Fatalf("expected ErrInvalidFill, got %v", err)
			}
		})
	}
}

func TestSnapshotChainLinksAndVerifies(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	fills := []db.Fill{
		fill("BTCUSDT", "buy", 1, 100),
		fill("BTCUSDT", "buy", 1, 110),
		fill("BTCUSDT", "sell", 2, 120),
	}
	for _, f := range fills {
		if _, _, err := l.RecordFill(ctx, buyOrder("BTCUSDT"), f); err != nil {
			t.Fatalf("record fill: %v", err)
		}
	}

	snaps, err := store.ListSnapshots(ctx, "paper", 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}

	// ListSnapshots is newest first; the chain verifies oldest first.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}

	if snaps[0].PrevHash != "" {
		t.Fatalf("first snapshot must have empty prev_hash, got %q", snaps[0].PrevHash)
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].PrevHash != snaps[i-1].Hash {
			t.Fatalf("snapshot %d prev_hash does not link to snapshot %d", i, i-1)
		}
	}

	if bad := VerifyChain(snaps); bad != -1 {
		t.Fatalf("intact chain reported bad seq %d", bad)
	}

	tampered := make([]db.LedgerSnapshot, len(snaps))
	copy(tampered, snaps)
	tampered[1].WalletBalance += 0.01
	if bad := VerifyChain(tampered); bad != tampered[1].Seq {
		t.Fatalf("expected tamper detected at seq %d, got %d", tampered[1].Seq, bad)
	}
}

func TestSnapshotHashDeterminism(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.RecordFill(ctx, buyOrder("BTCUSDT"), fill("BTCUSDT", "buy", 1, 100)); err != nil {
		t.Fatalf("record fill: %v", err)
	}
	snap, err := store.LatestSnapshot(ctx, "paper")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}

	if got := SnapshotHash(snap); got != snap.Hash {
		t.Fatalf("recomputed hash differs from stored: %s vs %s", got, snap.Hash)
	}

	mutated := snap
	mutated.RealizedPnL += 1
	if SnapshotHash(mutated) == snap.Hash {
		t.Fatal("hash must change when a covered field changes")
	}
}

func TestReferencePriceFallsBackToFills(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if got := l.ReferencePrice(ctx, "BTCUSDT", "paper", 42); got != 42 {
		t.Fatalf("expected default 42 with no history, got %v", got)
	}

	if _, _, err := l.RecordFill(ctx, buyOrder("BTCUSDT"), fill("BTCUSDT", "buy", 1, 105)); err != nil {
		t.Fatalf("record fill: %v", err)
	}
	if got := l.ReferencePrice(ctx, "BTCUSDT", "paper", 42); got != 105 {
		t.Fatalf("expected latest fill price 105, got %v", got)
	}
}

func TestReconciliationReport(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.RecordFill(ctx, buyOrder("BTCUSDT"), fill("BTCUSDT", "buy", 1, 100)); err != nil {
		t.Fatalf("record fill: %v", err)
	}

	rep, err := l.ReconciliationReport(ctx, nil)
	if err != nil {
		t.Fatalf("reconciliation report: %v", err)
	}
	if len(rep.Modes) != 1 || rep.Modes[0].Mode != "paper" {
		t.Fatalf("unexpected report modes: %+v", rep.Modes)
	}
	if rep.Modes[0].LatestHash == "" {
		t.Fatal("expected latest hash in report")
	}
	if rep.Modes[0].UnreconciledFills != 1 {
		t.Fatalf("expected 1 unreconciled fill, got %d", rep.Modes[0].UnreconciledFills)
	}
}
