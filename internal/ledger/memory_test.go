package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(t *testing.T, s Store, user, cur, amount string) {
	t.Helper()
	_, err := s.Credit(context.Background(), Posting{
		UserID: user, Currency: cur, Amount: d(amount),
		Type: model.TxDeposit, Reference: fmt.Sprintf("DEP-%s-%s-%s", user, cur, amount),
	})
	if err != nil {
		t.Fatalf("deposit %s %s: %v", amount, cur, err)
	}
}

func wallet(t *testing.T, s Store, user, cur string) *model.Wallet {
	t.Helper()
	w, err := s.GetWallet(context.Background(), user, cur)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	return w
}

// assertAudit checks that every wallet equals the sum of its transaction deltas.
func assertAudit(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	wallets, err := s.ListWallets(ctx, "")
	if err != nil {
		t.Fatalf("list wallets: %v", err)
	}
	for _, w := range wallets {
		txs, err := s.ListTransactions(ctx, TxFilter{UserID: w.UserID, Currency: w.Currency})
		if err != nil {
			t.Fatalf("list transactions: %v", err)
		}
		avail, locked := decimal.Zero, decimal.Zero
		for _, tx := range txs {
			avail = avail.Add(tx.AvailableDelta)
			locked = locked.Add(tx.LockedDelta)
		}
		if !avail.Equal(w.Available) || !locked.Equal(w.Locked) {
			t.Errorf("wallet %s/%s = %s/%s, log says %s/%s",
				w.UserID, w.Currency, w.Available, w.Locked, avail, locked)
		}
		if w.Available.IsNegative() || w.Locked.IsNegative() {
			t.Errorf("wallet %s/%s negative: %s/%s", w.UserID, w.Currency, w.Available, w.Locked)
		}
	}
}

func TestReserve_InsufficientFunds(t *testing.T) {
	s := NewMemoryStore()
	deposit(t, s, "u1", "USD", "1000")

	_, err := s.Reserve(context.Background(), Posting{
		UserID: "u1", Currency: "USD", Amount: d("2002"), Reference: "ORD-1-RESERVE",
	})
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Error("error must match ErrInsufficientFunds")
	}
	if !ife.Required.Equal(d("2002")) || !ife.Available.Equal(d("1000")) {
		t.Errorf("required/available = %s/%s, want 2002/1000", ife.Required, ife.Available)
	}

	w := wallet(t, s, "u1", "USD")
	if !w.Available.Equal(d("1000")) || !w.Locked.IsZero() {
		t.Errorf("wallet changed after failed reserve: %s/%s", w.Available, w.Locked)
	}
	if _, err := s.GetTransaction(context.Background(), "ORD-1-RESERVE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed reserve left a transaction: %v", err)
	}
}

func TestReserve_MissingWallet(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Reserve(context.Background(), Posting{
		UserID: "ghost", Currency: "BTC", Amount: d("1"), Reference: "R",
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReserveSettleCredit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u1", "USD", "3000")

	if _, err := s.Reserve(ctx, Posting{UserID: "u1", Currency: "USD", Amount: d("2002"), Reference: "R1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	w := wallet(t, s, "u1", "USD")
	if !w.Available.Equal(d("998")) || !w.Locked.Equal(d("2002")) {
		t.Fatalf("after reserve = %s/%s, want 998/2002", w.Available, w.Locked)
	}

	tx, err := s.SettleLocked(ctx, Posting{
		UserID: "u1", Currency: "USD", Amount: d("2000"), Fee: d("2"),
		Type: model.TxTrade, Reference: "S1",
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !tx.Amount.Equal(d("-2002")) || !tx.Fee.Equal(d("2")) {
		t.Errorf("settle tx amount/fee = %s/%s, want -2002/2", tx.Amount, tx.Fee)
	}

	if _, err := s.Credit(ctx, Posting{UserID: "u1", Currency: "btc", Amount: d("0.1"), Type: model.TxTrade, Reference: "C1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	w = wallet(t, s, "u1", "USD")
	if !w.Available.Equal(d("998")) || !w.Locked.IsZero() {
		t.Errorf("USD = %s/%s, want 998/0", w.Available, w.Locked)
	}
	if b := wallet(t, s, "u1", "BTC"); !b.Available.Equal(d("0.1")) {
		t.Errorf("BTC = %s, want 0.1", b.Available)
	}
	assertAudit(t, s)
}

func TestRelease_CannotDriveLockedNegative(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u1", "USD", "100")
	if _, err := s.Reserve(ctx, Posting{UserID: "u1", Currency: "USD", Amount: d("40"), Reference: "R"}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Release(ctx, Posting{UserID: "u1", Currency: "USD", Amount: d("41"), Reference: "X"})
	if !errors.Is(err, ErrInsufficientLocked) {
		t.Fatalf("expected ErrInsufficientLocked, got %v", err)
	}
	if _, err := s.Release(ctx, Posting{UserID: "u1", Currency: "USD", Amount: d("40"), Reference: "X"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if w := wallet(t, s, "u1", "USD"); !w.Available.Equal(d("100")) || !w.Locked.IsZero() {
		t.Errorf("after release = %s/%s", w.Available, w.Locked)
	}
}

func TestDuplicateReference(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u1", "USD", "100")

	_, err := s.Credit(ctx, Posting{UserID: "u1", Currency: "USD", Amount: d("100"), Type: model.TxDeposit, Reference: "DEP-u1-USD-100"})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if w := wallet(t, s, "u1", "USD"); !w.Available.Equal(d("100")) {
		t.Errorf("duplicate credit applied: %s", w.Available)
	}
}

func TestInvalidPostings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	tests := []struct {
		name string
		p    Posting
		want error
	}{
		{"zero amount", Posting{UserID: "u", Currency: "USD", Amount: decimal.Zero, Type: model.TxDeposit, Reference: "a"}, ErrInvalidAmount},
		{"negative amount", Posting{UserID: "u", Currency: "USD", Amount: d("-1"), Type: model.TxDeposit, Reference: "b"}, ErrInvalidAmount},
		{"no user", Posting{Currency: "USD", Amount: d("1"), Type: model.TxDeposit, Reference: "c"}, ErrInvalidPosting},
		{"no reference", Posting{UserID: "u", Currency: "USD", Amount: d("1"), Type: model.TxDeposit}, ErrInvalidPosting},
		{"no type", Posting{UserID: "u", Currency: "USD", Amount: d("1"), Reference: "e"}, ErrInvalidPosting},
		{"fee on credit", Posting{UserID: "u", Currency: "USD", Amount: d("1"), Fee: d("1"), Type: model.TxDeposit, Reference: "f"}, ErrInvalidPosting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Credit(ctx, tt.p); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestApply_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "buyer", "USD", "500")

	_, err := s.Apply(ctx, []Posting{
		{Op: OpCredit, UserID: "buyer", Currency: "BTC", Amount: d("1"), Type: model.TxTrade, Reference: "B1"},
		{Op: OpDebit, UserID: "buyer", Currency: "USD", Amount: d("600"), Type: model.TxTrade, Reference: "B2"},
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if w := wallet(t, s, "buyer", "BTC"); !w.Available.IsZero() {
		t.Errorf("first leg applied despite failure: BTC %s", w.Available)
	}
	if _, err := s.GetTransaction(ctx, "B1"); !errors.Is(err, ErrNotFound) {
		t.Error("first leg left a transaction")
	}

	// The references are free again after a failed batch.
	if _, err := s.Apply(ctx, []Posting{
		{Op: OpCredit, UserID: "buyer", Currency: "BTC", Amount: d("1"), Type: model.TxTrade, Reference: "B1"},
		{Op: OpDebit, UserID: "buyer", Currency: "USD", Amount: d("500"), Type: model.TxTrade, Reference: "B2"},
	}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertAudit(t, s)
}

func TestApply_SameWalletSequential(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u", "USD", "10")

	// Reserve then settle the same funds in one batch.
	txs, err := s.Apply(ctx, []Posting{
		{Op: OpReserve, UserID: "u", Currency: "USD", Amount: d("10"), Reference: "R"},
		{Op: OpSettle, UserID: "u", Currency: "USD", Amount: d("9"), Fee: d("1"), Type: model.TxTrade, Reference: "S"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txs))
	}
	if w := wallet(t, s, "u", "USD"); !w.Total().IsZero() {
		t.Errorf("total = %s, want 0", w.Total())
	}
}

func TestApply_RepeatedReferenceInBatch(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Apply(context.Background(), []Posting{
		{Op: OpCredit, UserID: "u", Currency: "USD", Amount: d("1"), Type: model.TxDeposit, Reference: "X"},
		{Op: OpCredit, UserID: "u", Currency: "USD", Amount: d("1"), Type: model.TxDeposit, Reference: "X"},
	})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestConcurrentReserves_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u1", "USD", "1000")

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Reserve(ctx, Posting{
				UserID: "u1", Currency: "USD", Amount: d("30"),
				Reference: fmt.Sprintf("R-%d", i),
			})
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 1000 / 30 = 33 reservations fit.
	if got := ok.Load(); got != 33 {
		t.Errorf("successful reserves = %d, want 33", got)
	}
	w := wallet(t, s, "u1", "USD")
	if !w.Available.Equal(d("10")) || !w.Locked.Equal(d("990")) {
		t.Errorf("wallet = %s/%s, want 10/990", w.Available, w.Locked)
	}
	assertAudit(t, s)
}

func TestConcurrentTransfers_Conserve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		deposit(t, s, u, "USD", "100")
	}

	var wg sync.WaitGroup
	var seq atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				from, to := users[r.Intn(len(users))], users[r.Intn(len(users))]
				if from == to {
					continue
				}
				amt := decimal.NewFromInt(int64(r.Intn(20) + 1))
				n := seq.Add(1)
				_, err := s.Apply(ctx, []Posting{
					{Op: OpDebit, UserID: from, Currency: "USD", Amount: amt, Type: model.TxTransfer, Reference: fmt.Sprintf("T-%d-out", n)},
					{Op: OpCredit, UserID: to, Currency: "USD", Amount: amt, Type: model.TxTransfer, Reference: fmt.Sprintf("T-%d-in", n)},
				})
				if err != nil && !errors.Is(err, ErrInsufficientFunds) {
					t.Errorf("transfer: %v", err)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	total := decimal.Zero
	for _, u := range users {
		total = total.Add(wallet(t, s, u, "USD").Total())
	}
	if !total.Equal(d("400")) {
		t.Errorf("total = %s, want 400", total)
	}
	assertAudit(t, s)
}

func TestListTransactions_Filter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u1", "USD", "10")
	deposit(t, s, "u2", "USD", "20")
	if _, err := s.Reserve(ctx, Posting{UserID: "u1", Currency: "USD", Amount: d("5"), Reference: "ORD-9-RESERVE"}); err != nil {
		t.Fatal(err)
	}

	txs, _ := s.ListTransactions(ctx, TxFilter{UserID: "u1"})
	if len(txs) != 2 {
		t.Errorf("u1 transactions = %d, want 2", len(txs))
	}
	txs, _ = s.ListTransactions(ctx, TxFilter{RefPrefix: "ORD-9-"})
	if len(txs) != 1 || txs[0].Type != model.TxReserve {
		t.Errorf("prefix filter = %+v", txs)
	}
	txs, _ = s.ListTransactions(ctx, TxFilter{Type: model.TxDeposit, Limit: 1})
	if len(txs) != 1 {
		t.Errorf("limit = %d, want 1", len(txs))
	}
}

func TestGetWallet_CurrencyMatchesPostingForm(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	deposit(t, s, "u1", " usd ", "25")

	for _, cur := range []string{"USD", "usd", " usd ", "\tUsd\n"} {
		w := wallet(t, s, "u1", cur)
		if w.Currency != "USD" || !w.Available.Equal(d("25")) {
			t.Errorf("GetWallet(%q) = %s %s, want USD 25", cur, w.Currency, w.Available)
		}
	}
	txs, _ := s.ListTransactions(ctx, TxFilter{UserID: "u1", Currency: " usd"})
	if len(txs) != 1 {
		t.Errorf("currency filter = %d transactions, want 1", len(txs))
	}
}
