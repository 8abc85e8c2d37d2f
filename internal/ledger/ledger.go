// Package ledger is the only place wallet balances change. Every mutation
// moves funds between the available and locked buckets of one
// (user, currency) wallet, or in and out of it, and appends exactly one
// Transaction in the same atomic unit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when available balance cannot cover
	// a reserve or debit.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientLocked is returned when locked balance cannot cover a
	// release or settlement.
	ErrInsufficientLocked = errors.New("ledger: insufficient locked funds")

	// ErrDuplicateReference is returned when a transaction with the same
	// reference already exists. Nothing is applied.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")

	ErrInvalidAmount  = errors.New("ledger: amount must be positive")
	ErrInvalidPosting = errors.New("ledger: invalid posting")
	ErrNotFound       = errors.New("ledger: not found")
)

// InsufficientFundsError carries the shortfall of a rejected posting.
type InsufficientFundsError struct {
	UserID    string
	Currency  string
	Required  decimal.Decimal
	Available decimal.Decimal
	Locked    bool // true when the locked bucket was short
}

func (e *InsufficientFundsError) Error() string {
	bucket := "available"
	if e.Locked {
		bucket = "locked"
	}
	return fmt.Sprintf("ledger: insufficient %s %s for %s: required %s, have %s",
		bucket, e.Currency, e.UserID, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	if e.Locked {
		return ErrInsufficientLocked
	}
	return ErrInsufficientFunds
}

// Op is the kind of balance movement a posting performs.
type Op string

const (
	OpReserve Op = "reserve"       // available -> locked
	OpRelease Op = "release"       // locked -> available
	OpSettle  Op = "settle_locked" // locked -> out
	OpCredit  Op = "credit"        // in -> available
	OpDebit   Op = "debit"         // available -> out
)

// Posting is one balance movement. Fee is only meaningful for OpSettle,
// where Amount+Fee leaves the locked bucket. Reference must be unique
// across the whole log.
type Posting struct {
	Op         Op
	UserID     string
	Currency   string
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	Type       model.TransactionType
	Reference  string
	ExternalID string
	Notes      string
}

// Key identifies the wallet a posting touches.
func (p Posting) Key() WalletKey {
	return WalletKey{UserID: p.UserID, Currency: p.Currency}
}

// WalletKey identifies a wallet.
type WalletKey struct {
	UserID   string
	Currency string
}

func (k WalletKey) String() string { return k.UserID + ":" + k.Currency }

func (k WalletKey) less(o WalletKey) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.Currency < o.Currency
}

// TxFilter narrows ListTransactions. Zero fields match everything.
type TxFilter struct {
	UserID    string
	Currency  string
	Type      model.TransactionType
	RefPrefix string
	Since     time.Time
	Limit     int
}

func (f TxFilter) match(tx *model.Transaction) bool {
	switch {
	case f.UserID != "" && tx.UserID != f.UserID:
		return false
	case f.Currency != "" && tx.Currency != Currency(f.Currency):
		return false
	case f.Type != "" && tx.Type != f.Type:
		return false
	case f.RefPrefix != "" && !strings.HasPrefix(tx.Reference, f.RefPrefix):
		return false
	case !f.Since.IsZero() && tx.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// Store is the ledger persistence interface. Single-posting operations are
// atomic per wallet; Apply is atomic across all wallets it touches.
type Store interface {
	Reserve(ctx context.Context, p Posting) (*model.Transaction, error)
	Release(ctx context.Context, p Posting) (*model.Transaction, error)
	SettleLocked(ctx context.Context, p Posting) (*model.Transaction, error)
	Credit(ctx context.Context, p Posting) (*model.Transaction, error)
	Debit(ctx context.Context, p Posting) (*model.Transaction, error)

	// Apply runs all postings as one all-or-nothing unit. If any reference
	// already exists, nothing is applied and ErrDuplicateReference is returned.
	Apply(ctx context.Context, postings []Posting) ([]model.Transaction, error)

	// GetWallet returns a zero wallet when none exists yet.
	GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)
	ListWallets(ctx context.Context, userID string) ([]model.Wallet, error)
	GetTransaction(ctx context.Context, reference string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f TxFilter) ([]model.Transaction, error)
}

// normalize validates a posting and fills defaults.
// Currency is the canonical form of a currency code as wallets are keyed.
func Currency(c string) string { return strings.ToUpper(strings.TrimSpace(c)) }

func normalize(p Posting) (Posting, error) {
	p.Currency = Currency(p.Currency)
	switch {
	case p.UserID == "":
		return p, fmt.Errorf("%w: user is required", ErrInvalidPosting)
	case p.Currency == "":
		return p, fmt.Errorf("%w: currency is required", ErrInvalidPosting)
	case p.Reference == "":
		return p, fmt.Errorf("%w: reference is required", ErrInvalidPosting)
	case !p.Amount.IsPositive() && !(p.Op == OpSettle && p.Amount.IsZero() && p.Fee.IsPositive()):
		return p, fmt.Errorf("%w: %s %s", ErrInvalidAmount, p.Op, p.Amount)
	case p.Fee.IsNegative():
		return p, fmt.Errorf("%w: negative fee", ErrInvalidAmount)
	case !p.Fee.IsZero() && p.Op != OpSettle:
		return p, fmt.Errorf("%w: fee only applies to settle_locked", ErrInvalidPosting)
	}
	if p.Type == "" {
		switch p.Op {
		case OpReserve:
			p.Type = model.TxReserve
		case OpRelease:
			p.Type = model.TxRelease
		default:
			return p, fmt.Errorf("%w: %s requires a transaction type", ErrInvalidPosting, p.Op)
		}
	}
	return p, nil
}

func normalizeAll(postings []Posting) ([]Posting, error) {
	if len(postings) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidPosting)
	}
	out := make([]Posting, len(postings))
	seen := make(map[string]bool, len(postings))
	for i, p := range postings {
		n, err := normalize(p)
		if err != nil {
			return nil, err
		}
		if seen[n.Reference] {
			return nil, fmt.Errorf("%w: %s repeated in batch", ErrDuplicateReference, n.Reference)
		}
		seen[n.Reference] = true
		out[i] = n
	}
	return out, nil
}

// effect computes the signed deltas of a posting and the transaction amount.
func effect(p Posting) (available, locked, amount decimal.Decimal) {
	switch p.Op {
	case OpReserve:
		return p.Amount.Neg(), p.Amount, p.Amount
	case OpRelease:
		return p.Amount, p.Amount.Neg(), p.Amount
	case OpSettle:
		out := p.Amount.Add(p.Fee)
		return decimal.Zero, out.Neg(), out.Neg()
	case OpCredit:
		return p.Amount, decimal.Zero, p.Amount
	case OpDebit:
		return p.Amount.Neg(), decimal.Zero, p.Amount.Neg()
	}
	panic("ledger: unknown op " + string(p.Op))
}

// check returns an InsufficientFundsError if w cannot absorb the posting.
func check(w *model.Wallet, p Posting) error {
	avail, locked, _ := effect(p)
	if w.Available.Add(avail).IsNegative() {
		return &InsufficientFundsError{
			UserID: p.UserID, Currency: p.Currency,
			Required: avail.Neg(), Available: w.Available,
		}
	}
	if w.Locked.Add(locked).IsNegative() {
		return &InsufficientFundsError{
			UserID: p.UserID, Currency: p.Currency,
			Required: locked.Neg(), Available: w.Locked, Locked: true,
		}
	}
	return nil
}

// apply mutates w and builds the matching transaction.
func apply(w *model.Wallet, p Posting, id string, now time.Time) model.Transaction {
	avail, locked, amount := effect(p)
	w.Available = w.Available.Add(avail)
	w.Locked = w.Locked.Add(locked)
	w.UpdatedAt = now
	completed := now
	return model.Transaction{
		ID:             id,
		UserID:         p.UserID,
		Currency:       p.Currency,
		Type:           p.Type,
		Status:         model.TxStatusCompleted,
		Amount:         amount,
		Fee:            p.Fee,
		AvailableDelta: avail,
		LockedDelta:    locked,
		Reference:      p.Reference,
		ExternalID:     p.ExternalID,
		Notes:          p.Notes,
		CreatedAt:      now,
		CompletedAt:    &completed,
	}
}

// withOp forces the op of a single-posting call.
func withOp(p Posting, op Op) []Posting {
	p.Op = op
	return []Posting{p}
}
