package api

// REST response types.

type InstrumentInfo struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Issued    int64  `json:"issued"`
	LastPrice int64  `json:"lastPrice"` // cents; 0 before the first trade
}

type PriceLevel struct {
	Price int64 `json:"price"` // cents
	Size  int64 `json:"size"`
}

type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // sorted high to low
	Asks      []PriceLevel `json:"asks"` // sorted low to high
	LastPrice int64        `json:"lastPrice"`
	Pending   int          `json:"pending"` // untriggered conditional orders
	Timestamp int64        `json:"timestamp"`
}

type TradeInfo struct {
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Timestamp string `json:"timestamp"`
}

type AccountInfo struct {
	Client         string           `json:"client"`
	Cash           int64            `json:"cash"`
	ReservedCash   int64            `json:"reservedCash"`
	AvailableCash  int64            `json:"availableCash"`
	Holdings       map[string]int64 `json:"holdings"`
	ReservedShares map[string]int64 `json:"reservedShares"`
}

type OrderInfo struct {
	ID         string `json:"id"`
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Trigger    string `json:"trigger"`
	Qty        int64  `json:"qty"`
	Limit      int64  `json:"limit,omitempty"`
	Status     string `json:"status"`
	Submitted  string `json:"submitted"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WebSocket message types.

// WSSubscribeRequest is sent by a client to manage channel subscriptions,
// e.g. {"op":"subscribe","channels":["trades:AAPL"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// TradeUpdate is broadcast on channel "trades:<symbol>" after every
// settlement.
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	Timestamp string `json:"timestamp"`
}
