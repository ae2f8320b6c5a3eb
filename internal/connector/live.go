package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// LiveConfig configures the real-exchange connector. Credentials are resolved
// from the environment variables named here, never stored in settings.
type LiveConfig struct {
	Venue        string // label used in errors and logs
	BaseURL      string
	APIKeyEnv    string
	APISecretEnv string
	QuoteAsset   string // balance asset reported by GetBalance
	RecvWindow   int64  // ms
	Timeout      time.Duration
}

// Live talks to an exchange's native REST API and normalizes its responses.
// Read-only endpoints retry transient failures with exponential backoff;
// order mutations are attempted exactly once.
type Live struct {
	cfg        LiveConfig
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewLive(cfg LiveConfig) *Live {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Live{
		cfg:        cfg,
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		apiSecret:  os.Getenv(cfg.APISecretEnv),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// 20 req/s with short bursts stays well inside spot weight limits.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// GetBalance returns the free quote-asset balance.
func (l *Live) GetBalance(ctx context.Context) (float64, error) {
	params := url.Values{}
	body, err := l.doSigned(ctx, http.MethodGet, "/api/v3/account", params)
	if err != nil {
		return 0, wrapErr(l.cfg.Venue, "get balance", err)
	}

	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return 0, wrapErr(l.cfg.Venue, "decode account", err)
	}
	for _, b := range acct.Balances {
		if b.Asset == l.cfg.QuoteAsset {
			free, _ := strconv.ParseFloat(b.Free, 64)
			return free, nil
		}
	}
	return 0, nil
}

// CreateOrder submits one order. Failures are not retried: a timed-out create
// may have succeeded on the venue and must be healed by a sync sweep, not by
// a blind resend.
func (l *Live) CreateOrder(ctx context.Context, req Request) (Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("type", nativeType(req.Type))
	params.Set("quantity", formatFloat(req.Quantity))
	if req.Price > 0 {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", strings.ToUpper(tif))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "FULL")

	body, err := l.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return Order{}, wrapErr(l.cfg.Venue, "create order", err)
	}
	return l.normalize(body)
}

// FetchOrder reads current order state. The venue keys orders by
// (symbol, orderId); both are encoded into the normalized id.
func (l *Live) FetchOrder(ctx context.Context, id string) (Order, error) {
	symbol, orderID, err := splitVenueID(id)
	if err != nil {
		return Order{}, wrapErr(l.cfg.Venue, "fetch order", err)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := l.getWithRetry(ctx, "/api/v3/order", params, true)
	if err != nil {
		return Order{}, wrapErr(l.cfg.Venue, "fetch order", err)
	}
	return l.normalize(body)
}

// CancelOrder cancels one order on the venue.
func (l *Live) CancelOrder(ctx context.Context, id string) (Order, error) {
	symbol, orderID, err := splitVenueID(id)
	if err != nil {
		return Order{}, wrapErr(l.cfg.Venue, "cancel order", err)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := l.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return Order{}, wrapErr(l.cfg.Venue, "cancel order", err)
	}
	return l.normalize(body)
}

// GetOrderBook fetches a depth snapshot.
func (l *Live) GetOrderBook(ctx context.Context, symbol string, limit int) (Book, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	body, err := l.getWithRetry(ctx, "/api/v3/depth", params, false)
	if err != nil {
		return Book{}, wrapErr(l.cfg.Venue, "order book", err)
	}

	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Book{}, wrapErr(l.cfg.Venue, "decode order book", err)
	}

	book := Book{Symbol: symbol}
	for _, lvl := range raw.Bids {
		if len(lvl) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		size, _ := strconv.ParseFloat(lvl[1], 64)
		book.Bids = append(book.Bids, BookLevel{Price: price, Size: size})
	}
	for _, lvl := range raw.Asks {
		if len(lvl) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		size, _ := strconv.ParseFloat(lvl[1], 64)
		book.Asks = append(book.Asks, BookLevel{Price: price, Size: size})
	}
	return book, nil
}

// getWithRetry performs an idempotent GET, retrying transient failures with
// exponential backoff. Mutating calls never go through here.
func (l *Live) getWithRetry(ctx context.Context, path string, params url.Values, signed bool) ([]byte, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var body []byte
		var err error
		if signed {
			body, err = l.doSigned(ctx, http.MethodGet, path, cloneValues(params))
		} else {
			body, err = l.doPublic(ctx, path, params)
		}
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func isTransient(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	// Transport-level failures (timeouts, resets) are worth one more try.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// doSigned signs the query and performs the HTTP request.
func (l *Live) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if l.apiKey == "" || l.apiSecret == "" {
		return nil, fmt.Errorf("credentials missing: set %s and %s", l.cfg.APIKeyEnv, l.cfg.APISecretEnv)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(l.cfg.RecvWindow, 10))

	// The signature covers the exact payload sent, so it is appended last.
	endpoint := l.cfg.BaseURL + path
	encoded := params.Encode()
	encoded += "&signature=" + sign(encoded, l.apiSecret)

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", l.apiKey)

	return l.do(req)
}

func (l *Live) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return l.do(req)
}

func (l *Live) do(req *http.Request) ([]byte, error) {
	res, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, &httpStatusError{status: res.StatusCode, body: string(body)}
	}
	return body, nil
}

// nativeOrder mirrors the venue's order response shape.
type nativeOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	OrigClientID  string `json:"origClientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	QuoteQty      string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	TransactTime  int64  `json:"transactTime"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (l *Live) normalize(body []byte) (Order, error) {
	var n nativeOrder
	if err := json.Unmarshal(body, &n); err != nil {
		return Order{}, wrapErr(l.cfg.Venue, "decode order", err)
	}

	price, _ := strconv.ParseFloat(n.Price, 64)
	qty, _ := strconv.ParseFloat(n.OrigQty, 64)
	filled, _ := strconv.ParseFloat(n.ExecutedQty, 64)
	cost, _ := strconv.ParseFloat(n.QuoteQty, 64)

	var avg float64
	if filled > 0 {
		avg = cost / filled
	}

	clientID := n.ClientOrderID
	if clientID == "" {
		clientID = n.OrigClientID
	}

	created := n.TransactTime
	if created == 0 {
		created = n.Time
	}
	updated := n.UpdateTime
	if updated == 0 {
		updated = created
	}

	return Order{
		ID:            joinVenueID(n.Symbol, n.OrderID),
		ClientOrderID: clientID,
		Status:        strings.ToLower(n.Status),
		Symbol:        n.Symbol,
		Type:          strings.ToLower(n.Type),
		Side:          strings.ToLower(n.Side),
		Price:         price,
		Quantity:      qty,
		Filled:        filled,
		Remaining:     qty - filled,
		Average:       avg,
		Cost:          cost,
		CreatedAt:     time.UnixMilli(created).UTC(),
		UpdatedAt:     time.UnixMilli(updated).UTC(),
		Raw:           json.RawMessage(body),
	}, nil
}

func joinVenueID(symbol string, orderID int64) string {
	return symbol + ":" + strconv.FormatInt(orderID, 10)
}

func splitVenueID(id string) (symbol, orderID string, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed venue order id %q", id)
	}
	return parts[0], parts[1], nil
}

func nativeType(t string) string {
	switch strings.ToLower(t) {
	case "stop":
		return "STOP_LOSS"
	case "stop_limit":
		return "STOP_LOSS_LIMIT"
	default:
		return strings.ToUpper(t)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
