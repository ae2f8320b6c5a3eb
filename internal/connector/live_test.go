package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestVenueIDRoundTrip(t *testing.T) {
	id := joinVenueID("BTCUSDT", 123456)
	symbol, orderID, err := splitVenueID(id)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if symbol != "BTCUSDT" || orderID != "123456" {
		t.Fatalf("round trip mismatch: %s %s", symbol, orderID)
	}

	for _, bad := range []string{"", "BTCUSDT", ":123", "BTCUSDT:"} {
		if _, _, err := splitVenueID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNormalizeOrder(t *testing.T) {
	l := NewLive(LiveConfig{Venue: "live"})

	body := []byte(`{
		"symbol": "BTCUSDT",
		"orderId": 42,
		"clientOrderId": "ec-abc",
		"price": "50000.00",
		"origQty": "0.50000000",
		"executedQty": "0.20000000",
		"cummulativeQuoteQty": "10010.00",
		"status": "PARTIALLY_FILLED",
		"type": "LIMIT",
		"side": "BUY",
		"transactTime": 1735689600000
	}`)

	o, err := l.normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if o.ID != "BTCUSDT:42" || o.ClientOrderID != "ec-abc" {
		t.Fatalf("ids wrong: %+v", o)
	}
	if o.Status != "partially_filled" || o.Side != "buy" || o.Type != "limit" {
		t.Fatalf("fields not lower-cased: %+v", o)
	}
	if o.Quantity != 0.5 || o.Filled != 0.2 || o.Remaining != 0.3 {
		t.Fatalf("quantities wrong: %+v", o)
	}
	if o.Average != 10010.0/0.2 {
		t.Fatalf("average not derived from quote qty: %v", o.Average)
	}
	if o.CreatedAt.IsZero() || len(o.Raw) == 0 {
		t.Fatalf("raw/timestamps missing: %+v", o)
	}
}

func TestNativeTypeMapping(t *testing.T) {
	cases := map[string]string{
		"limit":      "LIMIT",
		"market":     "MARKET",
		"stop":       "STOP_LOSS",
		"stop_limit": "STOP_LOSS_LIMIT",
	}
	for in, want := range cases {
		if got := nativeType(in); got != want {
			t.Fatalf("nativeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetOrderBookRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"bids": [["100.0", "2.0"]], "asks": [["101.0", "3.0"]]}`))
	}))
	defer srv.Close()

	l := NewLive(LiveConfig{Venue: "test", BaseURL: srv.URL})

	book, err := l.GetOrderBook(context.Background(), "BTCUSDT", 1)
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
	if len(book.Bids) != 1 || book.Bids[0].Price != 100 || book.Asks[0].Size != 3 {
		t.Fatalf("unexpected book: %+v", book)
	}
}

func TestSignedRequestCarriesCredentials(t *testing.T) {
	t.Setenv("TEST_VENUE_KEY", "key-123")
	t.Setenv("TEST_VENUE_SECRET", "secret-456")

	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"balances": [{"asset": "USDT", "free": "1234.5"}]}`))
	}))
	defer srv.Close()

	l := NewLive(LiveConfig{
		Venue:        "test",
		BaseURL:      srv.URL,
		APIKeyEnv:    "TEST_VENUE_KEY",
		APISecretEnv: "TEST_VENUE_SECRET",
	})

	bal, err := l.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal != 1234.5 {
		t.Fatalf("expected 1234.5, got %v", bal)
	}
	if gotKey != "key-123" {
		t.Fatalf("api key header not sent: %q", gotKey)
	}
	for _, param := range []string{"timestamp=", "recvWindow=", "signature="} {
		if !strings.Contains(gotQuery, param) {
			t.Fatalf("signed query missing %s: %q", param, gotQuery)
		}
	}
}

func TestCreateOrderIsNotRetried(t *testing.T) {
	t.Setenv("TEST_VENUE_KEY", "k")
	t.Setenv("TEST_VENUE_SECRET", "s")

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewLive(LiveConfig{
		Venue:        "test",
		BaseURL:      srv.URL,
		APIKeyEnv:    "TEST_VENUE_KEY",
		APISecretEnv: "TEST_VENUE_SECRET",
	})

	_, err := l.CreateOrder(context.Background(), Request{
		Symbol: "BTCUSDT", Side: "buy", Type: "market", Quantity: 1,
	})
	if err == nil {
		t.Fatal("expected error from failing venue")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("order mutation retried: %d calls", calls)
	}
}
