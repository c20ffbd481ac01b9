// Package ledger tracks every client's cash and holdings with escrow-based
// reserve semantics: placing a BUY locks the cash it may cost, placing a
// SELL locks the shares themselves, so a client can never over-commit the
// same funds across resting orders. Settlement applies both sides of a trade
// as one atomic step under both account locks.
package ledger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"bourse/pkg/exchange"
)

// Store is the durability sink behind the ledger. The engine depends on it
// only for durability: failures are logged and in-memory state stays
// authoritative.
type Store interface {
	SaveAccount(s Snapshot) error
	SaveTrade(t *exchange.Trade) error
	LoadAccount(client string) (*Snapshot, error)
}

// Snapshot is a deep copy of one account's financial state.
type Snapshot struct {
	Client         string           `json:"client"`
	Cash           int64            `json:"cash"`
	ReservedCash   int64            `json:"reserved_cash"`
	Holdings       map[string]int64 `json:"holdings"`
	ReservedShares map[string]int64 `json:"reserved_shares"`
}

// AvailableCash is the cash not locked for pending buy orders.
func (s Snapshot) AvailableCash() int64 { return s.Cash - s.ReservedCash }

// AvailableShares is the held quantity not locked for pending sell orders.
func (s Snapshot) AvailableShares(instrument string) int64 {
	return s.Holdings[instrument] - s.ReservedShares[instrument]
}

// reservation is the escrow held for one live order.
type reservation struct {
	cash       int64 // remaining reserved cash (buy orders)
	unit       int64 // reserved cents per share (buy orders)
	shares     int64 // remaining reserved shares (sell orders)
	instrument string
}

// account holds one client's state. Fields are guarded by mu; the fixed
// global lock order (ascending client id) makes two-account settlement
// deadlock-free by construction.
type account struct {
	mu sync.Mutex

	id             string
	cash           int64
	reservedCash   int64
	holdings       map[string]int64
	reservedShares map[string]int64
	reservations   map[string]*reservation
	trades         []*exchange.Trade
}

func (a *account) availableCash() int64 { return a.cash - a.reservedCash }

func (a *account) availableShares(instrument string) int64 {
	return a.holdings[instrument] - a.reservedShares[instrument]
}

func (a *account) snapshot() Snapshot {
	snap := Snapshot{
		Client:         a.id,
		Cash:           a.cash,
		ReservedCash:   a.reservedCash,
		Holdings:       make(map[string]int64, len(a.holdings)),
		ReservedShares: make(map[string]int64, len(a.reservedShares)),
	}
	for ins, qty := range a.holdings {
		snap.Holdings[ins] = qty
	}
	for ins, qty := range a.reservedShares {
		snap.ReservedShares[ins] = qty
	}
	return snap
}

// Ledger is the settlement ledger for all clients. The account directory is
// guarded by its own lock, held only for lookup-or-insert; per-account state
// is guarded by per-account locks.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	store Store // may be nil
	log   *zap.SugaredLogger
}

func New(store Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		store:    store,
		log:      log,
	}
}

// Open ensures an account exists for the client, loading it from the Store
// on first sight and seeding a fresh one with startingCash otherwise.
func (l *Ledger) Open(client string, startingCash int64) Snapshot {
	a := l.ensure(client, startingCash)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// CreateAccount seeds a new account with cash and holdings. Used by
// administrative bootstrap and tests; fails if the account exists.
func (l *Ledger) CreateAccount(client string, cash int64, holdings map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[client]; exists {
		return fmt.Errorf("account %q already exists", client)
	}
	a := newAccount(client, cash)
	for ins, qty := range holdings {
		if qty > 0 {
			a.holdings[ins] = qty
		}
	}
	l.accounts[client] = a
	l.persistLocked(a)
	return nil
}

// Deposit credits cash to the client's account.
func (l *Ledger) Deposit(client string, amount int64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, fmt.Errorf("%w: deposit must be positive", exchange.ErrInvalidOrder)
	}
	a, err := l.get(client)
	if err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cash += amount
	l.persistLocked(a)
	return a.snapshot(), nil
}

// Withdraw debits available cash; reserved funds cannot leave.
func (l *Ledger) Withdraw(client string, amount int64) (Snapshot, error) {
	if amount <= 0 {
		return Snapshot{}, fmt.Errorf("%w: withdrawal must be positive", exchange.ErrInvalidOrder)
	}
	a, err := l.get(client)
	if err != nil {
		return Snapshot{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.availableCash() < amount {
		return Snapshot{}, fmt.Errorf("%w: available %d, requested %d",
			exchange.ErrInsufficientFunds, a.availableCash(), amount)
	}
	a.cash -= amount
	l.persistLocked(a)
	return a.snapshot(), nil
}

// ReserveBuy escrows qty × unitPrice cash for a buy order. The available
// balance already excludes every other live reservation, so funds cannot be
// promised twice.
func (l *Ledger) ReserveBuy(client, orderID, instrument string, qty, unitPrice int64) error {
	a, err := l.get(client)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	required := qty * unitPrice
	if a.availableCash() < required {
		return fmt.Errorf("%w: need %d, available %d",
			exchange.ErrInsufficientFunds, required, a.availableCash())
	}
	a.reservedCash += required
	a.reservations[orderID] = &reservation{cash: required, unit: unitPrice, instrument: instrument}
	return nil
}

// ReserveSell escrows qty shares of the instrument for a sell order. Shares
// cannot be sold short.
func (l *Ledger) ReserveSell(client, orderID, instrument string, qty int64) error {
	a, err := l.get(client)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.availableShares(instrument) < qty {
		return fmt.Errorf("%w: %s need %d, available %d",
			exchange.ErrInsufficientHoldings, instrument, qty, a.availableShares(instrument))
	}
	a.reservedShares[instrument] += qty
	a.reservations[orderID] = &reservation{shares: qty, instrument: instrument}
	return nil
}

// Release returns an order's remaining escrow to the available balance.
// Called when an order closes for any reason; releasing an unknown or
// already-drained reservation is a no-op.
func (l *Ledger) Release(client, orderID string) {
	a, err := l.get(client)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(orderID)
	l.persistLocked(a)
}

func (a *account) releaseLocked(orderID string) {
	res, ok := a.reservations[orderID]
	if !ok {
		return
	}
	a.reservedCash -= res.cash
	if res.shares > 0 {
		a.reservedShares[res.instrument] -= res.shares
		if a.reservedShares[res.instrument] <= 0 {
			delete(a.reservedShares, res.instrument)
		}
	}
	delete(a.reservations, orderID)
}

// Settle applies one trade atomically: debit buyer cash and credit their
// holdings, credit seller cash and debit their holdings, consuming each
// side's escrow for the filled quantity. Both account locks are taken in
// ascending client-id order; every precondition is checked before either
// side mutates, so no observer ever sees a half-settled trade.
func (l *Ledger) Settle(t *exchange.Trade) error {
	buyer, err := l.get(t.Buyer)
	if err != nil {
		return err
	}
	seller, err := l.get(t.Seller)
	if err != nil {
		return err
	}

	first, second := buyer, seller
	if seller.id < buyer.id {
		first, second = seller, buyer
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	cost := t.Qty * t.Price

	// Buyer precondition: the escrow released for this fill plus unreserved
	// cash must cover the cost. A MARKET buy can legitimately fill above its
	// padded estimate; that surfaces here as InsufficientFunds.
	releaseCash := int64(0)
	if res, ok := buyer.reservations[t.BuyOrder]; ok {
		releaseCash = min64(res.cash, t.Qty*res.unit)
	}
	if buyer.availableCash()+releaseCash < cost {
		return fmt.Errorf("%w: buyer %s short %d for %d %s @ %d",
			exchange.ErrInsufficientFunds, t.Buyer, cost-buyer.availableCash()-releaseCash,
			t.Qty, t.Instrument, t.Price)
	}

	// Seller precondition: the shares must actually be held.
	if seller.holdings[t.Instrument] < t.Qty {
		return fmt.Errorf("%w: seller %s holds %d of %s, trade needs %d",
			exchange.ErrInsufficientHoldings, t.Seller, seller.holdings[t.Instrument],
			t.Instrument, t.Qty)
	}

	// Both sides validated; apply.
	if res, ok := buyer.reservations[t.BuyOrder]; ok {
		res.cash -= releaseCash
	}
	buyer.reservedCash -= releaseCash
	buyer.cash -= cost
	buyer.holdings[t.Instrument] += t.Qty
	buyer.trades = append(buyer.trades, t)

	if res, ok := seller.reservations[t.SellOrder]; ok {
		consumed := min64(res.shares, t.Qty)
		res.shares -= consumed
		seller.reservedShares[t.Instrument] -= consumed
		if seller.reservedShares[t.Instrument] <= 0 {
			delete(seller.reservedShares, t.Instrument)
		}
	}
	seller.holdings[t.Instrument] -= t.Qty
	if seller.holdings[t.Instrument] == 0 {
		delete(seller.holdings, t.Instrument)
	}
	seller.cash += cost
	if first != second {
		// Self-trades record once; the buyer append above covered it.
		seller.trades = append(seller.trades, t)
	}

	l.persistLocked(buyer)
	if first != second {
		l.persistLocked(seller)
	}
	l.persistTrade(t)
	return nil
}

// Portfolio returns a deep-copy snapshot of the client's account.
func (l *Ledger) Portfolio(client string) (Snapshot, bool) {
	l.mu.RLock()
	a, ok := l.accounts[client]
	l.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(), true
}

// History returns the client's trades, oldest first.
func (l *Ledger) History(client string) []*exchange.Trade {
	l.mu.RLock()
	a, ok := l.accounts[client]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*exchange.Trade, len(a.trades))
	copy(out, a.trades)
	return out
}

// ---- internals ----

func newAccount(client string, cash int64) *account {
	return &account{
		id:             client,
		cash:           cash,
		holdings:       make(map[string]int64),
		reservedShares: make(map[string]int64),
		reservations:   make(map[string]*reservation),
	}
}

func (l *Ledger) get(client string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[client]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownAccount, client)
	}
	return a, nil
}

func (l *Ledger) ensure(client string, startingCash int64) *account {
	l.mu.RLock()
	a, ok := l.accounts[client]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[client]; ok {
		return a
	}

	a = newAccount(client, startingCash)
	if l.store != nil {
		if snap, err := l.store.LoadAccount(client); err != nil {
			l.log.Warnw("account_load_failed", "client", client, "err", err)
		} else if snap != nil {
			a.cash = snap.Cash
			for ins, qty := range snap.Holdings {
				a.holdings[ins] = qty
			}
			// Reservations are not durable: orders do not survive a restart,
			// so escrow restarts empty.
		}
	}
	l.accounts[client] = a
	return a
}

// persistLocked saves the account snapshot; caller holds the account lock.
func (l *Ledger) persistLocked(a *account) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveAccount(a.snapshot()); err != nil {
		l.log.Warnw("account_persist_failed", "client", a.id, "err", err)
	}
}

func (l *Ledger) persistTrade(t *exchange.Trade) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveTrade(t); err != nil {
		l.log.Warnw("trade_persist_failed", "instrument", t.Instrument, "err", err)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
