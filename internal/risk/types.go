package risk

import "fmt"

// Machine-readable rejection codes, ordered by the check that produces them.
const (
	CodeInvalidQuantity    = "invalid_quantity"
	CodeKillSwitchArmed    = "kill_switch_armed"
	CodeModeDisabled       = "mode_disabled"
	CodeSymbolNotAllowed   = "symbol_not_allowed"
	CodeMaxTradeExceeded   = "max_trade_exceeded"
	CodeModeTradeLimit     = "mode_trade_limit"
	CodeManualRequired     = "manual_required"
	CodeExposureLimit      = "exposure_limit"
	CodeSymbolExposure     = "symbol_exposure_limit"
	CodeMaxOrdersSymbol    = "max_orders_symbol"
	CodeDailyLossLimit     = "daily_loss_limit"
	CodeAutoDisabled       = "auto_disabled"
	CodeAutoLiveDisabled   = "auto_live_disabled"
	CodeAutoNotionalLimit  = "auto_notional_limit"
	CodeAutoDailyLimit     = "auto_daily_limit"
)

// Violation is the error returned when a pre-trade check fails. Code is stable
// and machine-readable; Details carries the numbers that tripped the check.
type Violation struct {
	Code    string
	Message string
	Details map[string]any
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk check failed (%s): %s", v.Code, v.Message)
}

func violation(code, message string, details map[string]any) *Violation {
	return &Violation{Code: code, Message: message, Details: details}
}

// CheckRequest describes the order a caller wants to place.
type CheckRequest struct {
	Mode     string
	Symbol   string
	Side     string
	Quantity float64
	Source   string // "manual", "auto", ...
	Actor    string
}

// Approval is the snapshot stored alongside an accepted order.
type Approval struct {
	Mode           string  `json:"mode"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Quantity       float64 `json:"quantity"`
	NotionalUSD    float64 `json:"notional_usd"`
	OpenExposure   float64 `json:"open_exposure_usd"`
	SymbolExposure float64 `json:"symbol_exposure_usd"`
	DailyPnL       float64 `json:"daily_pnl_usd"`
	Auto           bool    `json:"auto"`
	CheckedAt      string  `json:"checked_at"`
}

// Sizing is the advisory result of applying the regime multiplier to a base
// position size. It is not enforced by the pre-trade check.
type Sizing struct {
	Symbol       string  `json:"symbol"`
	BaseSizeUSD  float64 `json:"base_size_usd"`
	FinalSizeUSD float64 `json:"final_size_usd"`
	Multiplier   float64 `json:"multiplier"`
	Adjusted     bool    `json:"adjusted"`
	Reason       string  `json:"reason,omitempty"`
}

// Regime is a trend/volatility classification computed outside this process.
type Regime struct {
	Trend      string // "uptrend", "sideways", "downtrend"
	Volatility string // "low", "normal", "high"
}

// RegimeSource yields the latest detected regime for a symbol.
type RegimeSource interface {
	LatestRegime(symbol string) (Regime, error)
}
