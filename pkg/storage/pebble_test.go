package storage

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"bourse/pkg/exchange"
	"bourse/pkg/ledger"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := Open("test", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundtrip(t *testing.T) {
	s := newTestStore(t)

	snap := ledger.Snapshot{
		Client:         "alice",
		Cash:           12_345,
		ReservedCash:   2_000,
		Holdings:       map[string]int64{"AAPL": 7},
		ReservedShares: map[string]int64{"AAPL": 2},
	}
	if err := s.SaveAccount(snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadAccount("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("account not found after save")
	}
	if got.Cash != snap.Cash || got.Holdings["AAPL"] != 7 || got.ReservedShares["AAPL"] != 2 {
		t.Fatalf("got %+v, want %+v", got, snap)
	}
}

func TestLoadAccountAbsent(t *testing.T) {
	s := newTestStore(t)

	got, err := s.LoadAccount("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

// Accounts persisted without holdings must come back with usable maps.
func TestLoadAccountNilMaps(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveAccount(ledger.Snapshot{Client: "bob", Cash: 100}); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadAccount("bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.Holdings == nil || got.ReservedShares == nil {
		t.Fatal("nil maps on loaded account")
	}
}

func TestOrdersPerClient(t *testing.T) {
	s := newTestStore(t)

	orders := []*exchange.Order{
		{ID: "alice-1", Client: "alice", Instrument: "AAPL", Side: exchange.Buy, Qty: 5, Status: exchange.StatusActive},
		{ID: "alice-2", Client: "alice", Instrument: "MSFT", Side: exchange.Sell, Qty: 3, Status: exchange.StatusCompleted},
		{ID: "bob-1", Client: "bob", Instrument: "AAPL", Side: exchange.Buy, Qty: 1, Status: exchange.StatusCancelled},
	}
	for _, o := range orders {
		if err := s.SaveOrder(o); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadOrders("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d orders, want 2", len(got))
	}
	for _, o := range got {
		if o.Client != "alice" {
			t.Fatalf("foreign order in listing: %+v", o)
		}
	}

	// Saving again with a new status overwrites, not duplicates.
	orders[0].Status = exchange.StatusCompleted
	if err := s.SaveOrder(orders[0]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadOrders("alice")
	if len(got) != 2 {
		t.Fatalf("update duplicated the order: %d entries", len(got))
	}
}

func TestRecentTradesNewestFirst(t *testing.T) {
	s := newTestStore(t)

	base := exchange.Timestamp{Date: 46_000, Daily: 1_000}
	for i := int64(0); i < 5; i++ {
		tr := &exchange.Trade{
			Instrument: "AAPL",
			Qty:        i + 1,
			Price:      10_000 + i,
			Buyer:      "alice",
			Seller:     "bob",
			Time:       exchange.Timestamp{Date: base.Date, Daily: base.Daily + i},
		}
		if err := s.SaveTrade(tr); err != nil {
			t.Fatal(err)
		}
	}
	// A trade on another instrument must not leak into the listing.
	if err := s.SaveTrade(&exchange.Trade{Instrument: "MSFT", Qty: 9, Time: base}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadRecentTrades("AAPL", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d trades, want 3", len(got))
	}
	if got[0].Qty != 5 || got[1].Qty != 4 || got[2].Qty != 3 {
		t.Fatalf("not newest first: %d %d %d", got[0].Qty, got[1].Qty, got[2].Qty)
	}
}
