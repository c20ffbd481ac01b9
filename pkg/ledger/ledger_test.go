package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"bourse/pkg/exchange"
)

func newTestLedger() *Ledger {
	return New(nil, zap.NewNop().Sugar())
}

func TestOpenSeedsOnce(t *testing.T) {
	l := newTestLedger()

	snap := l.Open("alice", 10_000)
	if snap.Cash != 10_000 {
		t.Fatalf("cash = %d, want 10000", snap.Cash)
	}

	// A second Open must not reseed.
	if _, err := l.Deposit("alice", 500); err != nil {
		t.Fatal(err)
	}
	snap = l.Open("alice", 10_000)
	if snap.Cash != 10_500 {
		t.Fatalf("cash = %d, want 10500", snap.Cash)
	}
}

func TestDepositWithdraw(t *testing.T) {
	l := newTestLedger()
	l.Open("alice", 1_000)

	if _, err := l.Deposit("alice", 0); !errors.Is(err, exchange.ErrInvalidOrder) {
		t.Fatalf("zero deposit: %v", err)
	}
	if _, err := l.Withdraw("alice", -5); !errors.Is(err, exchange.ErrInvalidOrder) {
		t.Fatalf("negative withdrawal: %v", err)
	}
	if _, err := l.Withdraw("alice", 2_000); !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("overdraw: %v", err)
	}

	snap, err := l.Withdraw("alice", 400)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Cash != 600 {
		t.Fatalf("cash = %d, want 600", snap.Cash)
	}

	if _, err := l.Deposit("ghost", 100); !errors.Is(err, exchange.ErrUnknownAccount) {
		t.Fatalf("unknown account: %v", err)
	}
}

func TestReservedCashCannotLeave(t *testing.T) {
	l := newTestLedger()
	l.Open("alice", 1_000)

	if err := l.ReserveBuy("alice", "o1", "AAPL", 2, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Withdraw("alice", 500); !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("withdrawal dipped into escrow: %v", err)
	}
	if _, err := l.Withdraw("alice", 400); err != nil {
		t.Fatalf("available cash refused: %v", err)
	}
}

func TestReserveBuyLimits(t *testing.T) {
	l := newTestLedger()
	l.Open("alice", 1_000)

	if err := l.ReserveBuy("alice", "o1", "AAPL", 3, 300); err != nil {
		t.Fatal(err)
	}
	// 900 of 1000 escrowed; the next reservation must see only 100.
	if err := l.ReserveBuy("alice", "o2", "AAPL", 1, 200); !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("double spend allowed: %v", err)
	}

	l.Release("alice", "o1")
	if err := l.ReserveBuy("alice", "o2", "AAPL", 1, 200); err != nil {
		t.Fatalf("release did not restore escrow: %v", err)
	}
}

func TestReserveSellLimits(t *testing.T) {
	l := newTestLedger()
	if err := l.CreateAccount("alice", 0, map[string]int64{"AAPL": 5}); err != nil {
		t.Fatal(err)
	}

	if err := l.ReserveSell("alice", "o1", "AAPL", 3); err != nil {
		t.Fatal(err)
	}
	if err := l.ReserveSell("alice", "o2", "AAPL", 3); !errors.Is(err, exchange.ErrInsufficientHoldings) {
		t.Fatalf("short sale allowed: %v", err)
	}
	if err := l.ReserveSell("alice", "o2", "AAPL", 2); err != nil {
		t.Fatal(err)
	}
	if err := l.ReserveSell("alice", "o3", "MSFT", 1); !errors.Is(err, exchange.ErrInsufficientHoldings) {
		t.Fatalf("unheld instrument allowed: %v", err)
	}
}

func trade(buyer, seller string, qty, price int64) *exchange.Trade {
	return &exchange.Trade{
		Instrument: "AAPL",
		Qty:        qty,
		Price:      price,
		Buyer:      buyer,
		Seller:     seller,
		BuyOrder:   buyer + "-1",
		SellOrder:  seller + "-1",
	}
}

func TestSettle(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("buyer", 10_000, nil)
	l.CreateAccount("seller", 0, map[string]int64{"AAPL": 10})

	if err := l.ReserveBuy("buyer", "buyer-1", "AAPL", 4, 1_000); err != nil {
		t.Fatal(err)
	}
	if err := l.ReserveSell("seller", "seller-1", "AAPL", 4); err != nil {
		t.Fatal(err)
	}

	if err := l.Settle(trade("buyer", "seller", 4, 1_000)); err != nil {
		t.Fatal(err)
	}

	b, _ := l.Portfolio("buyer")
	s, _ := l.Portfolio("seller")
	if b.Cash != 6_000 || b.Holdings["AAPL"] != 4 || b.ReservedCash != 0 {
		t.Fatalf("buyer: %+v", b)
	}
	if s.Cash != 4_000 || s.Holdings["AAPL"] != 6 || s.ReservedShares["AAPL"] != 0 {
		t.Fatalf("seller: %+v", s)
	}
	if len(l.History("buyer")) != 1 || len(l.History("seller")) != 1 {
		t.Fatal("trade not recorded on both sides")
	}
}

func TestSettlePartialConsumesEscrowProportionally(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("buyer", 10_000, nil)
	l.CreateAccount("seller", 0, map[string]int64{"AAPL": 10})

	l.ReserveBuy("buyer", "buyer-1", "AAPL", 5, 1_000)
	l.ReserveSell("seller", "seller-1", "AAPL", 5)

	if err := l.Settle(trade("buyer", "seller", 2, 1_000)); err != nil {
		t.Fatal(err)
	}
	b, _ := l.Portfolio("buyer")
	s, _ := l.Portfolio("seller")
	if b.ReservedCash != 3_000 {
		t.Fatalf("buyer escrow = %d, want 3000 left for the open remainder", b.ReservedCash)
	}
	if s.ReservedShares["AAPL"] != 3 {
		t.Fatalf("seller escrow = %d shares, want 3", s.ReservedShares["AAPL"])
	}
}

func TestSettlePreconditionsLeaveStateUntouched(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("buyer", 100, nil)
	l.CreateAccount("seller", 0, map[string]int64{"AAPL": 1})

	// Buyer cannot cover the cost.
	err := l.Settle(trade("buyer", "seller", 1, 1_000))
	if !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	b, _ := l.Portfolio("buyer")
	s, _ := l.Portfolio("seller")
	if b.Cash != 100 || s.Holdings["AAPL"] != 1 || s.Cash != 0 {
		t.Fatalf("failed settle mutated state: %+v %+v", b, s)
	}

	// Seller does not hold the shares.
	l.CreateAccount("rich", 10_000, nil)
	err = l.Settle(trade("rich", "seller", 5, 100))
	if !errors.Is(err, exchange.ErrInsufficientHoldings) {
		t.Fatalf("got %v, want ErrInsufficientHoldings", err)
	}
}

func TestSettleUnknownAccount(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("buyer", 10_000, nil)

	if err := l.Settle(trade("buyer", "ghost", 1, 100)); !errors.Is(err, exchange.ErrUnknownAccount) {
		t.Fatalf("got %v, want ErrUnknownAccount", err)
	}
}

// Settlements in both directions between the same two accounts must not
// deadlock; the lock order is by client id, not by role.
func TestConcurrentSettleBothDirections(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("alice", 1_000_000, map[string]int64{"AAPL": 1_000})
	l.CreateAccount("bob", 1_000_000, map[string]int64{"AAPL": 1_000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := l.Settle(trade("alice", "bob", 1, 100)); err != nil {
				t.Error(err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := l.Settle(trade("bob", "alice", 1, 100)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	a, _ := l.Portfolio("alice")
	b, _ := l.Portfolio("bob")
	if a.Cash+b.Cash != 2_000_000 {
		t.Fatalf("cash not conserved: %d + %d", a.Cash, b.Cash)
	}
	if a.Holdings["AAPL"]+b.Holdings["AAPL"] != 2_000 {
		t.Fatalf("shares not conserved: %d + %d", a.Holdings["AAPL"], b.Holdings["AAPL"])
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	l := newTestLedger()
	if err := l.CreateAccount("alice", 100, nil); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateAccount("alice", 100, nil); err == nil {
		t.Fatal("duplicate account accepted")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("alice", 100, map[string]int64{"AAPL": 5})

	snap, _ := l.Portfolio("alice")
	snap.Holdings["AAPL"] = 999

	again, _ := l.Portfolio("alice")
	if again.Holdings["AAPL"] != 5 {
		t.Fatalf("snapshot aliases internal state: %d", again.Holdings["AAPL"])
	}
}

func TestHistoryOrder(t *testing.T) {
	l := newTestLedger()
	l.CreateAccount("buyer", 100_000, nil)
	l.CreateAccount("seller", 0, map[string]int64{"AAPL": 100})

	for i := 1; i <= 3; i++ {
		tr := trade("buyer", "seller", int64(i), 100)
		tr.BuyOrder = fmt.Sprintf("buyer-%d", i)
		if err := l.Settle(tr); err != nil {
			t.Fatal(err)
		}
	}
	hist := l.History("buyer")
	if len(hist) != 3 {
		t.Fatalf("history len = %d", len(hist))
	}
	for i, tr := range hist {
		if tr.Qty != int64(i+1) {
			t.Fatalf("history out of order: %+v", hist)
		}
	}
}
