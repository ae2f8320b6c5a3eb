// Package connector abstracts a real exchange and an in-memory paper-trading
// simulator behind one interface.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrOrderNotFound is wrapped into *Error when a venue does not know the id.
var ErrOrderNotFound = errors.New("order not found")

// Error wraps every venue-native failure into a single connector error kind.
type Error struct {
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connector %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(venue, op string, err error) error {
	return &Error{Venue: venue, Op: op, Err: err}
}

// Request is the venue-facing order intent.
type Request struct {
	Symbol        string
	Side          string // buy|sell
	Type          string // limit|market|stop|stop_limit
	Quantity      float64
	Price         float64 // 0 for market orders
	StopPrice     float64
	TimeInForce   string
	ClientOrderID string
}

// Order is the normalized order dict every connector returns. Status is the
// lower-cased venue-native string; mapping onto the lifecycle state machine is
// owned by the order package.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        string          `json:"status"`
	Symbol        string          `json:"symbol"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	Price         float64         `json:"price"`
	Quantity      float64         `json:"quantity"`
	Filled        float64         `json:"filled"`
	Remaining     float64         `json:"remaining"`
	Average       float64         `json:"average"`
	Cost          float64         `json:"cost"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book is a depth-limited order book snapshot.
type Book struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"` // best first
	Asks   []BookLevel `json:"asks"` // best first
}

// Connector is the uniform venue interface consumed by the order manager.
type Connector interface {
	GetBalance(ctx context.Context) (float64, error)
	CreateOrder(ctx context.Context, req Request) (Order, error)
	FetchOrder(ctx context.Context, id string) (Order, error)
	CancelOrder(ctx context.Context, id string) (Order, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (Book, error)
}
