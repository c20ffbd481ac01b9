// Package storage is the durable sink behind the engine: accounts, order
// state transitions, and trades land in a Pebble keyspace as JSON values.
// The engine treats every write as best-effort; matching stays correct with
// storage disabled entirely.
package storage

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"bourse/pkg/exchange"
	"bourse/pkg/ledger"
)

// Key schema:
//
//	acc:<client>                          → ledger.Snapshot
//	ord:<client>:<orderID>                → exchange.Order
//	trade:<instrument>:<date>:<daily>:<n> → exchange.Trade
//
// The trade suffix n disambiguates trades settling in the same millisecond.
const (
	prefixAccount = "acc:"
	prefixOrder   = "ord:"
	prefixTrade   = "trade:"
)

type PebbleStore struct {
	db       *pebble.DB
	tradeSeq atomic.Int64
}

// Open opens (or creates) the Pebble database at path. opts may be nil.
func Open(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func accountKey(client string) []byte {
	return []byte(prefixAccount + client)
}

func orderKey(client, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, client, orderID))
}

func tradeKey(t *exchange.Trade, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d:%09d:%d",
		prefixTrade, t.Instrument, t.Time.Date, t.Time.Daily, seq))
}

func tradePrefix(instrument string) []byte {
	return []byte(prefixTrade + instrument + ":")
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// SaveAccount persists an account snapshot.
func (s *PebbleStore) SaveAccount(snap ledger.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(snap.Client), data, pebble.Sync); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// LoadAccount loads an account snapshot, returning nil when absent.
func (s *PebbleStore) LoadAccount(client string) (*ledger.Snapshot, error) {
	data, closer, err := s.db.Get(accountKey(client))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	defer closer.Close()

	var snap ledger.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	if snap.Holdings == nil {
		snap.Holdings = make(map[string]int64)
	}
	if snap.ReservedShares == nil {
		snap.ReservedShares = make(map[string]int64)
	}
	return &snap, nil
}

// SaveOrder persists an order's current state.
func (s *PebbleStore) SaveOrder(o *exchange.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.Client, o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// LoadOrders loads all persisted orders for a client.
func (s *PebbleStore) LoadOrders(client string) ([]*exchange.Order, error) {
	prefix := []byte(fmt.Sprintf("%s%s:", prefixOrder, client))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*exchange.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o exchange.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // skip invalid entries
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// SaveTrade persists a trade. Trades are append-only; NoSync keeps the
// settlement path off the fsync critical path.
func (s *PebbleStore) SaveTrade(t *exchange.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	key := tradeKey(t, s.tradeSeq.Add(1))
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades returns up to limit trades for the instrument, newest
// first.
func (s *PebbleStore) LoadRecentTrades(instrument string, limit int) ([]*exchange.Trade, error) {
	prefix := tradePrefix(instrument)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*exchange.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t exchange.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, &t)
	}
	return trades, nil
}
