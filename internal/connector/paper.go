package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"exec-core/pkg/db"
)

const paperVenue = "paper"

// MarketRef supplies reference prices and wallet balances to the simulator;
// the settlement ledger satisfies it.
type MarketRef interface {
	ReferencePrice(ctx context.Context, symbol, mode string, def float64) float64
	WalletBalance(ctx context.Context, mode string) (float64, error)
}

// PaperConfig tunes the fill simulation.
type PaperConfig struct {
	SlippageBps  float64 // directional slippage applied on fills
	SpreadBps    float64 // synthetic order book spread width
	FillOnCreate bool    // immediate fill vs resting order
}

// Paper simulates a venue: it synthesizes fills with configurable slippage and
// persists the orders it creates so fetch/cancel can read them back.
type Paper struct {
	mode  string
	store *db.Database
	refs  MarketRef
	cfg   PaperConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPaper(mode string, store *db.Database, refs MarketRef, cfg PaperConfig) *Paper {
	if cfg.SpreadBps <= 0 {
		cfg.SpreadBps = 10
	}
	return &Paper{
		mode:  mode,
		store: store,
		refs:  refs,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetBalance reads the simulated wallet from settlement.
func (p *Paper) GetBalance(ctx context.Context) (float64, error) {
	bal, err := p.refs.WalletBalance(ctx, p.mode)
	if err != nil {
		return 0, wrapErr(paperVenue, "get balance", err)
	}
	return bal, nil
}

// CreateOrder synthesizes the venue ack. Market orders and, when configured,
// limit orders fill immediately at the reference price adjusted by slippage;
// otherwise the order rests as "open".
func (p *Paper) CreateOrder(ctx context.Context, req Request) (Order, error) {
	if req.Quantity <= 0 {
		return Order{}, wrapErr(paperVenue, "create order", fmt.Errorf("quantity must be positive, got %v", req.Quantity))
	}

	price := req.Price
	if price <= 0 {
		price = p.refs.ReferencePrice(ctx, req.Symbol, p.mode, 0)
	}
	if price <= 0 {
		return Order{}, wrapErr(paperVenue, "create order", fmt.Errorf("no reference price for %s", req.Symbol))
	}

	now := time.Now().UTC()
	o := Order{
		ID:            "paper-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Type:          strings.ToLower(req.Type),
		Side:          strings.ToLower(req.Side),
		Price:         price,
		Quantity:      req.Quantity,
		Remaining:     req.Quantity,
		Status:        "open",
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if p.cfg.FillOnCreate || o.Type == "market" {
		exec := p.applySlippage(o.Side, price)
		o.Status = "filled"
		o.Filled = req.Quantity
		o.Remaining = 0
		o.Average = exec
		o.Cost = req.Quantity * exec
	}

	if err := p.persist(ctx, o); err != nil {
		return Order{}, err
	}
	return o, nil
}

// applySlippage moves the execution price against the taker: up for buys, down
// for sells, by the configured bps plus a small random jitter.
func (p *Paper) applySlippage(side string, price float64) float64 {
	frac := p.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	p.mu.Lock()
	jitter := frac * 0.25 * p.rng.Float64()
	p.mu.Unlock()

	if side == "buy" {
		return price * (1 + frac + jitter)
	}
	return price * (1 - frac - jitter)
}

// FetchOrder reads back a previously persisted paper order.
func (p *Paper) FetchOrder(ctx context.Context, id string) (Order, error) {
	return p.load(ctx, id)
}

// CancelOrder marks a resting paper order canceled. Canceling a filled order
// is a venue error, matching real exchange behavior.
func (p *Paper) CancelOrder(ctx context.Context, id string) (Order, error) {
	o, err := p.load(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if o.Status == "filled" {
		return Order{}, wrapErr(paperVenue, "cancel order", fmt.Errorf("order %s already filled", id))
	}
	o.Status = "canceled"
	o.UpdatedAt = time.Now().UTC()
	if err := p.persist(ctx, o); err != nil {
		return Order{}, err
	}
	return o, nil
}

// GetOrderBook synthesizes a fixed-width spread around the reference price.
func (p *Paper) GetOrderBook(ctx context.Context, symbol string, limit int) (Book, error) {
	if limit <= 0 {
		limit = 1
	}
	ref := p.refs.ReferencePrice(ctx, symbol, p.mode, 0)
	if ref <= 0 {
		return Book{}, wrapErr(paperVenue, "order book", fmt.Errorf("no reference price for %s", symbol))
	}

	half := ref * p.cfg.SpreadBps / 10000.0 / 2
	book := Book{Symbol: symbol}
	for i := 0; i < limit; i++ {
		step := half * float64(i)
		size := 1.0 / float64(i+1)
		book.Bids = append(book.Bids, BookLevel{Price: ref - half - step, Size: size})
		book.Asks = append(book.Asks, BookLevel{Price: ref + half + step, Size: size})
	}
	return book, nil
}

func (p *Paper) persist(ctx context.Context, o Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return wrapErr(paperVenue, "encode order", err)
	}
	if err := p.store.UpsertPaperOrder(ctx, o.ID, p.mode, string(payload)); err != nil {
		return wrapErr(paperVenue, "persist order", err)
	}
	return nil
}

func (p *Paper) load(ctx context.Context, id string) (Order, error) {
	payload, err := p.store.GetPaperOrder(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Order{}, wrapErr(paperVenue, "fetch order", fmt.Errorf("%w: %s", ErrOrderNotFound, id))
		}
		return Order{}, wrapErr(paperVenue, "fetch order", err)
	}
	var o Order
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		return Order{}, wrapErr(paperVenue, "decode order", err)
	}
	return o, nil
}
