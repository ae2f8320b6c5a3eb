package order

import (
	"errors"
	"time"
)

// Order lifecycle statuses.
const (
	StatusNew             = "NEW"
	StatusSubmitted       = "SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusError           = "ERROR"
)

var (
	ErrNoConnector    = errors.New("no connector configured for mode")
	ErrPriceUnknown   = errors.New("cannot determine a reference price")
	ErrOrderFinalized = errors.New("order is in a terminal state")
)

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusError:
		return true
	}
	return false
}

// PlaceRequest describes one order submission.
type PlaceRequest struct {
	Mode          string
	Symbol        string
	Side          string // buy|sell
	Type          string // limit|market|stop|stop_limit
	Quantity      float64
	Price         float64 // 0 for market orders
	StopPrice     float64
	TimeInForce   string
	ClientOrderID string // generated when empty
	Source        string // manual|auto|...
	Actor         string
	StrategyID    string
	Tags          []string
	Metadata      map[string]any
	Preview       bool
}

// AmendRequest patches an existing order. A non-nil Price triggers
// cancel-then-replace; everything else is a metadata-only patch.
type AmendRequest struct {
	Price    *float64
	Metadata map[string]any
	Actor    string
}

// Transition is one entry in an order's append-only status history.
type Transition struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}
