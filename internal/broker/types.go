package broker

import "github.com/shopspring/decimal"

// Order leg actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Order lifecycle states reported by the gateway.
const (
	OrderSubmitted = "submitted"
	OrderFilled    = "filled"
	OrderPartial   = "partial"
	OrderCancelled = "cancelled"
	OrderRejected  = "rejected"
)

// Leg is one side of a vertical spread.
type Leg struct {
	Ticker   string          `json:"ticker"`
	Strike   decimal.Decimal `json:"strike"`
	Action   string          `json:"action"`
	Quantity int             `json:"quantity"`
}

// SpreadOrder is a two-leg combo limit order. The gateway treats the
// legs as a single atomic combination; the limit price is the net
// premium for the pair.
type SpreadOrder struct {
	ClientOrderID string          `json:"client_order_id"`
	Legs          []Leg           `json:"legs"`
	Quantity      int             `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
}

// MarginImpact is the result of a non-binding what-if simulation.
type MarginImpact struct {
	InitialMarginChange float64 `json:"initial_margin_change"`
	MaintenanceChange   float64 `json:"maintenance_change"`
	AvailableFunds      float64 `json:"available_funds"`
}

// Quote is a market-data snapshot for a single option leg.
type Quote struct {
	Ticker string          `json:"ticker"`
	Strike decimal.Decimal `json:"strike"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

// Mid returns the bid/ask midpoint rounded to the option tick.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)).Round(2)
}

// OrderStatus is the gateway's view of a working or finished order.
type OrderStatus struct {
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	FilledQty    int             `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Reason       string          `json:"reason,omitempty"`
}

// PositionEntry is one broker-reported option position. Quantity is
// negative for short legs.
type PositionEntry struct {
	Ticker   string          `json:"ticker"`
	Strike   decimal.Decimal `json:"strike"`
	Quantity int             `json:"quantity"`
}
