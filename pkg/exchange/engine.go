package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bourse/pkg/util"
)

// Settler is the settlement ledger seen from the engine: escrow reservations
// taken before an order may trade, and atomic two-account settlement for
// each realized match. Implemented by pkg/ledger.
type Settler interface {
	ReserveBuy(client, orderID, instrument string, qty, unitPrice int64) error
	ReserveSell(client, orderID, instrument string, qty int64) error
	Release(client, orderID string)
	Settle(t *Trade) error
}

// OrderStore is the durability sink for order state transitions. Failures
// are logged, never fatal: matching is correct entirely in memory.
type OrderStore interface {
	SaveOrder(o *Order) error
}

// SubmitRequest carries one parsed order submission.
type SubmitRequest struct {
	Client     string
	Instrument string
	Side       Side
	Trigger    Trigger
	Qty        int64
	Limit      int64
	TriggerLo  int64
	TriggerHi  int64
	Expires    Timestamp
}

// SubmitResult reports what happened to a submission: the order's state
// after matching and every trade it produced (including trades from
// conditional orders its executions triggered).
type SubmitResult struct {
	Order  Order
	Trades []*Trade
}

// Engine owns the directory of order books (one lock-protected slot per
// instrument, created lazily) and coordinates matching with the settlement
// ledger. The directory lock guards only lookup-or-insert and order routing;
// it is never held while a match runs, so unrelated instruments are never
// blocked.
type Engine struct {
	registry *Registry
	settler  Settler
	store    OrderStore // may be nil
	log      *zap.SugaredLogger
	clock    util.Clock

	// safetyMultiplier pads the affordability estimate for MARKET buys,
	// whose execution price is unknown at reservation time.
	safetyMultiplier float64

	mu     sync.RWMutex
	books  map[string]*Book
	route  map[string]string // order id → instrument
	closed map[string]*Order // order id → terminal copy
	byUser map[string][]*Order

	seq     atomic.Int64
	onTrade atomic.Pointer[func(*Trade)]
}

func NewEngine(reg *Registry, settler Settler, store OrderStore, safetyMultiplier float64, clock util.Clock, log *zap.SugaredLogger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if safetyMultiplier < 1 {
		safetyMultiplier = 1
	}
	return &Engine{
		registry:         reg,
		settler:          settler,
		store:            store,
		log:              log,
		clock:            clock,
		safetyMultiplier: safetyMultiplier,
		books:            make(map[string]*Book),
		route:            make(map[string]string),
		closed:           make(map[string]*Order),
		byUser:           make(map[string][]*Order),
	}
}

// SetTradeListener installs a callback invoked for every executed trade.
// The callback runs while the instrument's book lock is held and must not
// block.
func (e *Engine) SetTradeListener(fn func(*Trade)) {
	e.onTrade.Store(&fn)
}

// Submit validates, reserves, and matches one order.
func (e *Engine) Submit(req SubmitRequest) (SubmitResult, error) {
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}
	if !e.registry.Exists(req.Instrument) {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, req.Instrument)
	}

	now := TimestampAt(e.clock.Now())
	o := &Order{
		ID:         fmt.Sprintf("%s-%d", req.Client, e.seq.Add(1)),
		Client:     req.Client,
		Instrument: req.Instrument,
		Side:       req.Side,
		Trigger:    req.Trigger,
		Qty:        req.Qty,
		Limit:      req.Limit,
		TriggerLo:  req.TriggerLo,
		TriggerHi:  req.TriggerHi,
		Submitted:  now,
		Expires:    req.Expires,
	}

	book := e.book(req.Instrument)

	if err := e.reserve(o, book); err != nil {
		return SubmitResult{}, err
	}

	trades, closedOrders, final := book.Submit(o, e.settleFunc(), now)

	e.mu.Lock()
	e.route[o.ID] = o.Instrument
	e.recordClosedLocked(closedOrders)
	e.mu.Unlock()

	e.persistOrder(&final)
	e.log.Infow("order_submitted",
		"order", o.ID, "client", o.Client, "instrument", o.Instrument,
		"side", o.Side.String(), "trigger", o.Trigger.String(),
		"status", final.Status.String(), "trades", len(trades))

	return SubmitResult{Order: final, Trades: trades}, nil
}

// Cancel removes a pending or resting order. A cancel that loses the race
// against a match observes the order already closed and reports that
// terminal status instead of an error.
func (e *Engine) Cancel(client, orderID string) (Order, error) {
	e.mu.RLock()
	instrument, routed := e.route[orderID]
	done := e.closed[orderID]
	e.mu.RUnlock()

	if done != nil {
		if done.Client != client {
			return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}
		return *done, nil
	}
	if !routed {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}

	book := e.book(instrument)
	o, found := book.Cancel(orderID, client)
	if found {
		e.mu.Lock()
		e.recordClosedLocked([]*Order{o})
		e.mu.Unlock()
		e.persistOrder(o)
		e.log.Infow("order_cancelled", "order", orderID, "client", client)
		return *o, nil
	}

	// Lost the race: the order completed (or expired) under the book lock
	// before we acquired it.
	e.mu.RLock()
	done = e.closed[orderID]
	e.mu.RUnlock()
	if done != nil && done.Client == client {
		return *done, nil
	}
	return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
}

// ViewBook returns the instrument's metadata and an aggregated snapshot.
func (e *Engine) ViewBook(instrument string) (*Instrument, Snapshot, error) {
	ins, ok := e.registry.Get(instrument)
	if !ok {
		return nil, Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return ins, e.book(instrument).Snapshot(), nil
}

// LiveOrders returns copies of the client's pending and resting orders
// across all instruments.
func (e *Engine) LiveOrders(client string) []Order {
	var out []Order
	for _, b := range e.allBooks() {
		out = append(out, b.OrdersFor(client)...)
	}
	return out
}

// ClosedOrders returns copies of the client's terminally-transitioned
// orders, oldest first.
func (e *Engine) ClosedOrders(client string) []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	orders := e.byUser[client]
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, *o)
	}
	return out
}

// Instruments lists every registered instrument.
func (e *Engine) Instruments() []*Instrument { return e.registry.List() }

// Sweep removes every expired order across all books and releases its
// reservation. Returns the number of orders removed.
func (e *Engine) Sweep(now Timestamp) int {
	removed := 0
	for _, b := range e.allBooks() {
		expired := b.SweepExpired(now)
		if len(expired) == 0 {
			continue
		}
		e.mu.Lock()
		e.recordClosedLocked(expired)
		e.mu.Unlock()
		for _, o := range expired {
			e.persistOrder(o)
		}
		removed += len(expired)
	}
	if removed > 0 {
		e.log.Infow("expired_orders_swept", "count", removed)
	}
	return removed
}

// RunSweeper runs Sweep on a fixed interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
			e.Sweep(TimestampAt(e.clock.Now()))
		}
	}
}

// ---- internals ----

func validate(req SubmitRequest) error {
	if req.Client == "" {
		return fmt.Errorf("%w: missing client", ErrInvalidOrder)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if req.Side != Buy && req.Side != Sell {
		return fmt.Errorf("%w: bad side", ErrInvalidOrder)
	}
	switch req.Trigger {
	case Market:
	case Limit:
		if req.Limit <= 0 {
			return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
		}
	case Stop:
		if req.Limit <= 0 {
			return fmt.Errorf("%w: stop price must be positive", ErrInvalidOrder)
		}
		if req.Side == Buy && req.TriggerHi <= 0 || req.Side == Sell && req.TriggerLo <= 0 {
			return fmt.Errorf("%w: stop trigger price must be positive", ErrInvalidOrder)
		}
	case LimitStop:
		if req.Limit <= 0 || req.TriggerLo <= 0 || req.TriggerHi < req.TriggerLo {
			return fmt.Errorf("%w: bad limit-stop prices", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: bad trigger kind", ErrInvalidOrder)
	}
	return nil
}

// book returns the instrument's book, creating it on first use. The
// directory lock is held only for the lookup-or-insert, never during a
// match.
func (e *Engine) book(instrument string) *Book {
	e.mu.RLock()
	b, ok := e.books[instrument]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[instrument]; ok {
		return b
	}
	b = NewBook(instrument)
	e.books[instrument] = b
	return b
}

func (e *Engine) allBooks() []*Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Book, 0, len(e.books))
	for _, b := range e.books {
		out = append(out, b)
	}
	return out
}

// reserve pre-validates affordability so settlement cannot fail for the
// aggressor mid-match. BUY orders escrow cash at the limit price, or at the
// padded estimate when the fill price is unknown until matched; SELL orders
// escrow the shares themselves.
func (e *Engine) reserve(o *Order, book *Book) error {
	if o.Side == Sell {
		return e.settler.ReserveSell(o.Client, o.ID, o.Instrument, o.Qty)
	}
	unit, err := e.buyReserveUnit(o, book)
	if err != nil {
		return err
	}
	return e.settler.ReserveBuy(o.Client, o.ID, o.Instrument, o.Qty, unit)
}

func (e *Engine) buyReserveUnit(o *Order, book *Book) (int64, error) {
	switch o.Trigger {
	case Limit, Stop, LimitStop:
		return o.Limit, nil
	case Market:
		last := book.LastPrice()
		if last == 0 {
			return 0, fmt.Errorf("%w: no market price for %s yet", ErrInvalidOrder, o.Instrument)
		}
		return e.pad(last), nil
	}
	return 0, fmt.Errorf("%w: bad trigger kind", ErrInvalidOrder)
}

func (e *Engine) pad(price int64) int64 {
	return int64(float64(price) * e.safetyMultiplier)
}

func (e *Engine) settleFunc() SettleFunc {
	return func(t *Trade) error {
		if err := e.settler.Settle(t); err != nil {
			return err
		}
		if fn := e.onTrade.Load(); fn != nil {
			(*fn)(t)
		}
		return nil
	}
}

// recordClosedLocked files terminal orders for history views and releases
// their remaining reservations. Caller holds e.mu.
func (e *Engine) recordClosedLocked(orders []*Order) {
	for _, o := range orders {
		if _, seen := e.closed[o.ID]; seen {
			continue
		}
		e.settler.Release(o.Client, o.ID)
		e.closed[o.ID] = o
		e.byUser[o.Client] = append(e.byUser[o.Client], o)
		delete(e.route, o.ID)
	}
}

func (e *Engine) persistOrder(o *Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(o); err != nil {
		e.log.Warnw("order_persist_failed", "order", o.ID, "err", err)
	}
}
