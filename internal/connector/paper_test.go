package connector

import (
	"context"
	"errors"
	"testing"

	"exec-core/pkg/db"
)

type stubRefs struct {
	price   float64
	balance float64
}

func (s stubRefs) ReferencePrice(context.Context, string, string, float64) float64 {
	return s.price
}

func (s stubRefs) WalletBalance(context.Context, string) (float64, error) {
	return s.balance, nil
}

func newTestPaper(t *testing.T, refs MarketRef, cfg PaperConfig) *Paper {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPaper("paper", store, refs, cfg)
}

func TestMarketOrderFillsWithSlippage(t *testing.T) {
	p := newTestPaper(t, stubRefs{price: 100}, PaperConfig{SlippageBps: 10})
	ctx := context.Background()

	buy, err := p.CreateOrder(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "market", Quantity: 1})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buy.Status != "filled" || buy.Filled != 1 || buy.Remaining != 0 {
		t.Fatalf("market order must fill immediately: %+v", buy)
	}
	// 10 bps directional slippage plus up to 25% jitter on top.
	if buy.Average <= 100 || buy.Average > 100*(1+0.001*1.25) {
		t.Fatalf("buy slippage out of range: %v", buy.Average)
	}

	sell, err := p.CreateOrder(ctx, Request{Symbol: "BTCUSDT", Side: "sell", Type: "market", Quantity: 1})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.Average >= 100 || sell.Average < 100*(1-0.001*1.25) {
		t.Fatalf("sell slippage out of range: %v", sell.Average)
	}
}

func TestLimitOrderRestsAndCancels(t *testing.T) {
	p := newTestPaper(t, stubRefs{price: 100}, PaperConfig{FillOnCreate: false})
	ctx := context.Background()

	o, err := p.CreateOrder(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 1, Price: 95})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Status != "open" || o.Filled != 0 || o.Price != 95 {
		t.Fatalf("limit order must rest: %+v", o)
	}

	fetched, err := p.FetchOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if fetched.ID != o.ID || fetched.Status != "open" {
		t.Fatalf("fetch mismatch: %+v", fetched)
	}

	canceled, err := p.CancelOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != "canceled" {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}
}

func TestCancelFilledOrderIsVenueError(t *testing.T) {
	p := newTestPaper(t, stubRefs{price: 100}, PaperConfig{FillOnCreate: true})
	ctx := context.Background()

	o, err := p.CreateOrder(ctx, Request{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Quantity: 1, Price: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.CancelOrder(ctx, o.ID); err == nil {
		t.Fatal("canceling a filled order must fail")
	}
}

func TestFetchUnknownOrder(t *testing.T) {
	p := newTestPaper(t, stubRefs{price: 100}, PaperConfig{})

	_, err := p.FetchOrder(context.Background(), "paper-missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	var ce *Error
	if !errors.As(err, &ce) || ce.Venue != "paper" {
		t.Fatalf("expected wrapped connector error, got %v", err)
	}
}

func TestCreateOrderWithoutReferencePrice(t *testing.T) {
	p := newTestPaper(t, stubRefs{price: 0}, PaperConfig{})

	_, err := p.CreateOrder(context.Background(), Request{Symbol: "NEWUSDT", Side: "buy", Type: "market", Quantity: 1})
	if err == nil {
		t.Fatal("expected error without a reference price")
	}
}

func TestSyntheticOrderBook(t *testing.T) {
	p := newTestPaper(t, stubRefs{price: 200}, PaperConfig{SpreadBps: 20})
	ctx := context.Background()

	book, err := p.GetOrderBook(ctx, "ETHUSDT", 3)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if len(book.Bids) != 3 || len(book.Asks) != 3 {
		t.Fatalf("expected 3 levels per side, got %d/%d", len(book.Bids), len(book.Asks))
	}

	half := 200 * 0.002 / 2
	if book.Bids[0].Price != 200-half || book.Asks[0].Price != 200+half {
		t.Fatalf("top of book not centered on reference: bid=%v ask=%v", book.Bids[0].Price, book.Asks[0].Price)
	}
	if book.Asks[0].Price <= book.Bids[0].Price {
		t.Fatal("book is crossed")
	}
	for i := 1; i < 3; i++ {
		if book.Bids[i].Price >= book.Bids[i-1].Price || book.Asks[i].Price <= book.Asks[i-1].Price {
			t.Fatalf("levels not monotonic at depth %d", i)
		}
		if book.Bids[i].Size >= book.Bids[i-1].Size {
			t.Fatalf("size should thin out with depth, got %v then %v", book.Bids[i-1].Size, book.Bids[i].Size)
		}
	}
}
