package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Each wallet has its own
// mutex so postings on unrelated wallets never contend. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.Mutex // guards wallets and locks maps, not wallet contents
	wallets map[WalletKey]*model.Wallet
	locks   map[WalletKey]*sync.Mutex

	logMu sync.RWMutex
	log   []model.Transaction
	refs  map[string]int // reference -> index in log, -1 while in flight

	now func() time.Time
}

// NewMemoryStore creates a new in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[WalletKey]*model.Wallet),
		locks:   make(map[WalletKey]*sync.Mutex),
		refs:    make(map[string]int),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpReserve)
}

func (s *MemoryStore) Release(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpRelease)
}

func (s *MemoryStore) SettleLocked(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpSettle)
}

func (s *MemoryStore) Credit(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpCredit)
}

func (s *MemoryStore) Debit(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpDebit)
}

func (s *MemoryStore) single(ctx context.Context, p Posting, op Op) (*model.Transaction, error) {
	txs, err := s.Apply(ctx, withOp(p, op))
	if err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func (s *MemoryStore) Apply(ctx context.Context, postings []Posting) ([]model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	postings, err := normalizeAll(postings)
	if err != nil {
		return nil, err
	}

	unlock := s.lockWallets(postings)
	defer unlock()

	if err := s.claimRefs(postings); err != nil {
		return nil, err
	}

	// Work on copies so a failure part way leaves every wallet untouched.
	work := make(map[WalletKey]*model.Wallet)
	for _, p := range postings {
		if _, ok := work[p.Key()]; ok {
			continue
		}
		w := model.Wallet{UserID: p.UserID, Currency: p.Currency}
		s.mu.Lock()
		if cur, ok := s.wallets[p.Key()]; ok {
			w = *cur
		}
		s.mu.Unlock()
		work[p.Key()] = &w
	}

	now := s.now()
	txs := make([]model.Transaction, 0, len(postings))
	for _, p := range postings {
		w := work[p.Key()]
		if err := check(w, p); err != nil {
			s.dropRefs(postings)
			return nil, err
		}
		txs = append(txs, apply(w, p, uuid.NewString(), now))
	}

	s.mu.Lock()
	for k, w := range work {
		s.wallets[k] = w
	}
	s.mu.Unlock()

	s.logMu.Lock()
	for _, tx := range txs {
		s.refs[tx.Reference] = len(s.log)
		s.log = append(s.log, tx)
	}
	s.logMu.Unlock()

	return txs, nil
}

// lockWallets acquires the per-wallet mutexes in key order.
func (s *MemoryStore) lockWallets(postings []Posting) func() {
	keys := make([]WalletKey, 0, len(postings))
	seen := make(map[WalletKey]bool, len(postings))
	for _, p := range postings {
		if !seen[p.Key()] {
			seen[p.Key()] = true
			keys = append(keys, p.Key())
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	s.mu.Lock()
	mus := make([]*sync.Mutex, len(keys))
	for i, k := range keys {
		m, ok := s.locks[k]
		if !ok {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		mus[i] = m
	}
	s.mu.Unlock()

	for _, m := range mus {
		m.Lock()
	}
	return func() {
		for i := len(mus) - 1; i >= 0; i-- {
			mus[i].Unlock()
		}
	}
}

// claimRefs marks every reference as in flight, or fails if any exists.
func (s *MemoryStore) claimRefs(postings []Posting) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	for _, p := range postings {
		if _, ok := s.refs[p.Reference]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, p.Reference)
		}
	}
	for _, p := range postings {
		s.refs[p.Reference] = -1
	}
	return nil
}

func (s *MemoryStore) dropRefs(postings []Posting) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	for _, p := range postings {
		delete(s.refs, p.Reference)
	}
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	currency = Currency(currency)
	k := WalletKey{UserID: userID, Currency: currency}
	unlock := s.lockWallets([]Posting{{UserID: userID, Currency: currency}})
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[k]; ok {
		copy := *w
		return &copy, nil
	}
	return &model.Wallet{UserID: userID, Currency: currency, Available: decimal.Zero, Locked: decimal.Zero}, nil
}

func (s *MemoryStore) ListWallets(_ context.Context, userID string) ([]model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Wallet
	for k, w := range s.wallets {
		if userID == "" || k.UserID == userID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return WalletKey{out[i].UserID, out[i].Currency}.less(WalletKey{out[j].UserID, out[j].Currency})
	})
	return out, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, reference string) (*model.Transaction, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	i, ok := s.refs[reference]
	if !ok || i < 0 {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, reference)
	}
	tx := s.log[i]
	return &tx, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, f TxFilter) ([]model.Transaction, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	var out []model.Transaction
	for i := range s.log {
		if f.match(&s.log[i]) {
			out = append(out, s.log[i])
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}
