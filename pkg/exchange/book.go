package exchange

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
)

// SettleFunc applies one trade's cash and holdings effects atomically to
// both parties. It returns ErrInsufficientFunds or ErrInsufficientHoldings
// (wrapped) when a precondition fails at settlement time; the match loop
// then cancels the offending order, not the engine.
type SettleFunc func(*Trade) error

// Level is one aggregated price level of a book side.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Snapshot is a point-in-time copy of a book's visible state.
type Snapshot struct {
	Instrument string  `json:"instrument"`
	Bids       []Level `json:"bids"` // best (highest) first
	Asks       []Level `json:"asks"` // best (lowest) first
	LastPrice  int64   `json:"last_price"`
	Pending    int     `json:"pending"`
}

// Book holds one instrument's resting orders and its pending conditional
// set, and owns the matching algorithm for that instrument. All state is
// guarded by a single exclusive mutex: matching, trigger evaluation,
// cancellation and expiry sweeping for one instrument serialize on it, while
// different instruments proceed fully in parallel.
type Book struct {
	mu sync.Mutex

	instrument string

	bidHeap *maxPriceHeap
	askHeap *minPriceHeap

	// Price level queues, FIFO by submission timestamp within a level.
	bids map[int64][]*Order
	asks map[int64][]*Order

	// Conditional orders awaiting their trigger, by order id.
	pending map[string]*Order

	// Resting order index for O(1) cancellation: id → price.
	index map[string]int64

	lastPrice int64
}

func NewBook(instrument string) *Book {
	bidHeap := &maxPriceHeap{}
	askHeap := &minPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)
	return &Book{
		instrument: instrument,
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[int64][]*Order),
		asks:       make(map[int64][]*Order),
		pending:    make(map[string]*Order),
		index:      make(map[string]int64),
	}
}

// Submit runs the incoming order through the book: conditional orders land
// in the pending set, everything else matches immediately. After any trade
// the pending set is re-evaluated under the same lock, so promoted orders
// cascade before the book is released. Returned closed orders have reached a
// terminal status and need their reservations released; final is a copy of
// the aggressor's state taken before the lock drops, safe to read after the
// order is back in play.
func (b *Book) Submit(o *Order, settle SettleFunc, now Timestamp) (trades []*Trade, closed []*Order, final Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o.Trigger.Conditional() && !b.conditionMet(o) {
		o.Status = StatusPending
		b.pending[o.ID] = o
		return nil, nil, *o
	}

	o.Status = StatusActive
	trades, closed = b.match(o, settle, now)

	if len(trades) > 0 {
		promoTrades, promoClosed := b.evaluateTriggers(settle, now)
		trades = append(trades, promoTrades...)
		closed = append(closed, promoClosed...)
	}
	return trades, closed, *o
}

// Cancel removes the client's order from the book or the pending set. It
// reports false when the order is not here (or not theirs); a racing caller
// should resolve that against its closed-order records, not as an error.
func (b *Book) Cancel(orderID, client string) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.pending[orderID]; ok && o.Client == client {
		delete(b.pending, orderID)
		o.Status = StatusCancelled
		return o, true
	}
	if o := b.peekResting(orderID); o != nil && o.Client == client {
		b.removeResting(orderID)
		o.Status = StatusCancelled
		return o, true
	}
	return nil, false
}

// SweepExpired removes every order whose expiration is at or before now,
// marks it EXPIRED and returns it so the caller can release reservations.
func (b *Book) SweepExpired(now Timestamp) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []*Order
	for id, o := range b.pending {
		if o.Expired(now) {
			delete(b.pending, id)
			o.Status = StatusExpired
			expired = append(expired, o)
		}
	}
	for id := range b.index {
		o := b.peekResting(id)
		if o != nil && o.Expired(now) {
			b.removeResting(id)
			o.Status = StatusExpired
			expired = append(expired, o)
		}
	}
	return expired
}

// LastPrice returns the most recent execution price, 0 before any trade.
func (b *Book) LastPrice() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice
}

// Snapshot aggregates quantity per price level on both sides.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Instrument: b.instrument,
		LastPrice:  b.lastPrice,
		Pending:    len(b.pending),
	}
	for price, level := range b.bids {
		var qty int64
		for _, o := range level {
			qty += o.Qty
		}
		if qty > 0 {
			snap.Bids = append(snap.Bids, Level{Price: price, Qty: qty})
		}
	}
	for price, level := range b.asks {
		var qty int64
		for _, o := range level {
			qty += o.Qty
		}
		if qty > 0 {
			snap.Asks = append(snap.Asks, Level{Price: price, Qty: qty})
		}
	}
	sortLevels(snap.Bids, true)
	sortLevels(snap.Asks, false)
	return snap
}

// OrdersFor returns copies of the client's live (active + pending) orders.
func (b *Book) OrdersFor(client string) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Order
	for _, o := range b.pending {
		if o.Client == client {
			out = append(out, *o)
		}
	}
	for _, level := range b.bids {
		for _, o := range level {
			if o.Client == client {
				out = append(out, *o)
			}
		}
	}
	for _, level := range b.asks {
		for _, o := range level {
			if o.Client == client {
				out = append(out, *o)
			}
		}
	}
	return out
}

// ---- matching ----

// match crosses the incoming order against the contra side under price-time
// priority. The execution price is always the resting order's price. Each
// realized match settles before the loop advances; a settlement failure
// cancels whichever order's precondition broke and the loop either skips the
// resting order or stops with the aggressor cancelled.
func (b *Book) match(o *Order, settle SettleFunc, now Timestamp) (trades []*Trade, closed []*Order) {
	bounded := o.Trigger != Market

	for o.Qty > 0 {
		price, ok := b.bestContra(o.Side)
		if !ok {
			break
		}
		if o.Side == Buy && bounded && price > o.Limit {
			break
		}
		if o.Side == Sell && bounded && price < o.Limit {
			break
		}

		level := b.contraLevel(o.Side, price)
		if len(level) == 0 {
			b.dropLevel(contra(o.Side), price)
			continue
		}
		maker := level[0]

		qty := min64(o.Qty, maker.Qty)
		t := &Trade{
			Instrument: b.instrument,
			Qty:        qty,
			Price:      price, // resting order's price, never the aggressor's
			Time:       now,
		}
		if o.Side == Buy {
			t.Buyer, t.BuyOrder = o.Client, o.ID
			t.Seller, t.SellOrder = maker.Client, maker.ID
		} else {
			t.Buyer, t.BuyOrder = maker.Client, maker.ID
			t.Seller, t.SellOrder = o.Client, o.ID
		}

		if err := settle(t); err != nil {
			if b.aggressorAtFault(o, err) {
				o.Status = StatusCancelled
				closed = append(closed, o)
				return trades, closed
			}
			// Resting party cannot honor its side: cancel it and keep
			// matching against the rest of the level.
			b.removeResting(maker.ID)
			maker.Status = StatusCancelled
			closed = append(closed, maker)
			continue
		}

		o.Qty -= qty
		maker.Qty -= qty
		b.lastPrice = price
		trades = append(trades, t)

		if maker.Qty == 0 {
			b.removeResting(maker.ID)
			maker.Status = StatusCompleted
			closed = append(closed, maker)
		}
	}

	switch {
	case o.Qty == 0:
		o.Status = StatusCompleted
		closed = append(closed, o)
	case bounded:
		// Remainder rests at its price, keeping the original timestamp.
		// Promoted STOP and LIMIT_STOP orders rest like any limit order.
		b.addResting(o)
	default:
		// MARKET orders never rest: the filled portion stands, the
		// remainder is cancelled.
		o.Status = StatusCancelled
		closed = append(closed, o)
	}
	return trades, closed
}

// aggressorAtFault maps a settlement error to the order that broke it.
func (b *Book) aggressorAtFault(o *Order, err error) bool {
	if errors.Is(err, ErrInsufficientFunds) {
		return o.Side == Buy
	}
	if errors.Is(err, ErrInsufficientHoldings) {
		return o.Side == Sell
	}
	// Unknown settlement failure: charge it to the aggressor so the book is
	// not drained by a fault we cannot attribute.
	return true
}

// evaluateTriggers promotes pending conditional orders whose condition the
// last trade price now satisfies. Promotion preserves the original
// submission timestamp and re-enters matching, so one promotion's trades can
// trigger further promotions; the loop runs until the pending set is stable.
func (b *Book) evaluateTriggers(settle SettleFunc, now Timestamp) (trades []*Trade, closed []*Order) {
	for {
		var ready []*Order
		for _, o := range b.pending {
			if b.conditionMet(o) {
				ready = append(ready, o)
			}
		}
		if len(ready) == 0 {
			return trades, closed
		}
		sortBySubmission(ready)

		for _, o := range ready {
			delete(b.pending, o.ID)
			o.Status = StatusActive
			ts, cs := b.match(o, settle, now)
			trades = append(trades, ts...)
			closed = append(closed, cs...)
		}
	}
}

// conditionMet evaluates a conditional order against the last traded price.
// Nothing triggers before the instrument has traded at least once.
func (b *Book) conditionMet(o *Order) bool {
	if b.lastPrice == 0 {
		return false
	}
	switch o.Trigger {
	case Stop:
		if o.Side == Buy {
			return b.lastPrice >= o.TriggerHi
		}
		return b.lastPrice <= o.TriggerLo
	case LimitStop:
		return b.lastPrice >= o.TriggerLo && b.lastPrice <= o.TriggerHi
	default:
		return true
	}
}

// ---- book plumbing ----

func (b *Book) bestContra(side Side) (int64, bool) {
	if side == Buy {
		if b.askHeap.Len() == 0 {
			return 0, false
		}
		return b.askHeap.peek(), true
	}
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return b.bidHeap.peek(), true
}

func (b *Book) contraLevel(side Side, price int64) []*Order {
	if side == Buy {
		return b.asks[price]
	}
	return b.bids[price]
}

func contra(side Side) Side {
	if side == Buy {
		return Sell
	}
	return Buy
}

// addResting inserts the order into its side's level queue ordered by
// submission timestamp. Promoted conditional orders carry their original
// timestamp, so insertion is positional, not a plain append.
func (b *Book) addResting(o *Order) {
	price := o.Limit
	levels := b.bids
	if o.Side == Sell {
		levels = b.asks
	}
	if len(levels[price]) == 0 {
		if o.Side == Buy {
			heap.Push(b.bidHeap, price)
		} else {
			heap.Push(b.askHeap, price)
		}
	}
	level := levels[price]
	pos := len(level)
	for pos > 0 && o.priorityBefore(level[pos-1]) {
		pos--
	}
	level = append(level, nil)
	copy(level[pos+1:], level[pos:])
	level[pos] = o
	levels[price] = level
	b.index[o.ID] = price
}

func (b *Book) peekResting(orderID string) *Order {
	price, ok := b.index[orderID]
	if !ok {
		return nil
	}
	for _, o := range b.bids[price] {
		if o.ID == orderID {
			return o
		}
	}
	for _, o := range b.asks[price] {
		if o.ID == orderID {
			return o
		}
	}
	return nil
}

// removeResting deletes the order from its level queue, dropping the level
// and its heap entry when it empties. Quantity decreases never move an order
// because price and timestamp are unchanged; removal is the only mutation.
func (b *Book) removeResting(orderID string) *Order {
	price, ok := b.index[orderID]
	if !ok {
		return nil
	}
	if o := removeFromLevel(b.bids, price, orderID); o != nil {
		if len(b.bids[price]) == 0 {
			b.dropLevel(Buy, price)
		}
		delete(b.index, orderID)
		return o
	}
	if o := removeFromLevel(b.asks, price, orderID); o != nil {
		if len(b.asks[price]) == 0 {
			b.dropLevel(Sell, price)
		}
		delete(b.index, orderID)
		return o
	}
	return nil
}

func removeFromLevel(levels map[int64][]*Order, price int64, orderID string) *Order {
	level, ok := levels[price]
	if !ok {
		return nil
	}
	for i, o := range level {
		if o.ID == orderID {
			levels[price] = append(level[:i], level[i+1:]...)
			return o
		}
	}
	return nil
}

func (b *Book) dropLevel(side Side, price int64) {
	if side == Buy {
		delete(b.bids, price)
		b.bidHeap.removePrice(price)
	} else {
		delete(b.asks, price)
		b.askHeap.removePrice(price)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func sortBySubmission(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].priorityBefore(orders[j])
	})
}

func sortLevels(levels []Level, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}
