package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Side int8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	default:
		return 0, false
	}
}

// Trigger classifies how an order activates.
type Trigger int8

const (
	Market Trigger = iota + 1
	Limit
	Stop
	LimitStop
)

func (t Trigger) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	case Stop:
		return "STOP"
	case LimitStop:
		return "LIMIT_STOP"
	default:
		return "NO_TRIGGER"
	}
}

func ParseTrigger(s string) (Trigger, bool) {
	switch s {
	case "MARKET":
		return Market, true
	case "LIMIT":
		return Limit, true
	case "STOP":
		return Stop, true
	case "LIMIT_STOP":
		return LimitStop, true
	default:
		return 0, false
	}
}

// Conditional reports whether the order waits in the pending set for a price
// trigger before entering the book.
func (t Trigger) Conditional() bool { return t == Stop || t == LimitStop }

// Status is the lifecycle state of an order. Transitions are monotonic:
// Pending → Active → {Completed, Cancelled, Expired}; an order never moves
// back from the book to the pending set.
type Status int8

const (
	StatusPending Status = iota + 1
	StatusActive
	StatusCompleted
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Closed reports whether the order reached a terminal state.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Timestamp carries a submission instant split into a date component and an
// intra-day millisecond component, matching the engine's wire and storage
// format. Date encodes as day + 31*(month-1 + 12*(year-1900)); Daily is
// milliseconds since local midnight. Tie-breaks compare (Date, Daily).
// The zero Timestamp is the "never expires" sentinel.
type Timestamp struct {
	Date  int64 `json:"date"`
	Daily int64 `json:"daily"`
}

func TimestampAt(t time.Time) Timestamp {
	year, month, day := t.Date()
	return Timestamp{
		Date: int64(day) + 31*(int64(month-1)+12*int64(year-1900)),
		Daily: int64(t.Hour())*3600_000 + int64(t.Minute())*60_000 +
			int64(t.Second())*1000 + int64(t.Nanosecond()/1e6),
	}
}

func (t Timestamp) IsZero() bool { return t.Date == 0 && t.Daily == 0 }

func (t Timestamp) Before(u Timestamp) bool {
	if t.Date != u.Date {
		return t.Date < u.Date
	}
	return t.Daily < u.Daily
}

func (t Timestamp) After(u Timestamp) bool { return u.Before(t) }

// String renders "YYYY-MM-DD HH:MM:SS.mmm".
func (t Timestamp) String() string {
	date := t.Date
	year := date / (31 * 12)
	date %= 31 * 12
	month := date / 31
	day := date % 31

	daily := t.Daily
	hours := daily / 3600_000
	daily %= 3600_000
	minutes := daily / 60_000
	daily %= 60_000
	seconds := daily / 1000
	millis := daily % 1000

	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%03d",
		year+1900, month+1, day, hours, minutes, seconds, millis)
}

// ParseTimestamp parses "YYYY-MM-DD" and "HH:MM:SS.mmm" into a Timestamp.
func ParseTimestamp(dateStr, timeStr string) (Timestamp, error) {
	d, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return Timestamp{}, fmt.Errorf("bad date %q: %w", dateStr, err)
	}
	clk, err := time.Parse("15:04:05.000", timeStr)
	if err != nil {
		return Timestamp{}, fmt.Errorf("bad time %q: %w", timeStr, err)
	}
	year, month, day := d.Date()
	return Timestamp{
		Date: int64(day) + 31*(int64(month-1)+12*int64(year-1900)),
		Daily: int64(clk.Hour())*3600_000 + int64(clk.Minute())*60_000 +
			int64(clk.Second())*1000 + int64(clk.Nanosecond()/1e6),
	}, nil
}

// Order is a buy or sell instruction against one instrument. Qty is the
// remaining quantity: it is decremented on partial fills and stays positive
// while the order is Pending or Active.
type Order struct {
	ID         string    `json:"id"`
	Client     string    `json:"client"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Trigger    Trigger   `json:"trigger"`
	Qty        int64     `json:"qty"`
	Limit      int64     `json:"limit"`        // limit price in cents; 0 for MARKET
	TriggerLo  int64     `json:"trigger_lo"`   // lower trigger bound in cents
	TriggerHi  int64     `json:"trigger_hi"`   // upper trigger bound in cents
	Submitted  Timestamp `json:"submitted"`
	Expires    Timestamp `json:"expires"` // zero = never
	Status     Status    `json:"status"`
}

// Expired reports whether the order's expiration has passed at now.
func (o *Order) Expired(now Timestamp) bool {
	return !o.Expires.IsZero() && !now.Before(o.Expires)
}

// priorityBefore reports whether o outranks other at the same price level:
// earlier submission wins, strict FIFO.
func (o *Order) priorityBefore(other *Order) bool {
	return o.Submitted.Before(other.Submitted)
}

// Trade is one execution between a buyer and a seller. Immutable once
// created; the execution price is always the resting order's price.
type Trade struct {
	Instrument string    `json:"instrument"`
	Qty        int64     `json:"qty"`
	Price      int64     `json:"price"`
	Buyer      string    `json:"buyer"`
	Seller     string    `json:"seller"`
	BuyOrder   string    `json:"buy_order"`
	SellOrder  string    `json:"sell_order"`
	Time       Timestamp `json:"time"`
}

// ParsePrice converts a decimal price string like "100.50" to cents.
func ParsePrice(s string) (int64, error) {
	whole, frac, ok := strings.Cut(s, ".")
	if !ok {
		frac = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("price %q: more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("bad price %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad price %q", s)
	}
	return w*100 + f, nil
}

// FormatPrice renders cents as a decimal string.
func FormatPrice(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
