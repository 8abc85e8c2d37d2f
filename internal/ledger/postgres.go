package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store on PostgreSQL. Each call runs in one
// database transaction that row-locks the wallets it touches (in key order)
// and inserts the transaction rows before committing, so the balance change
// and its log entry become visible together or not at all.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed ledger.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Reserve(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpReserve)
}

func (s *PostgresStore) Release(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpRelease)
}

func (s *PostgresStore) SettleLocked(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpSettle)
}

func (s *PostgresStore) Credit(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpCredit)
}

func (s *PostgresStore) Debit(ctx context.Context, p Posting) (*model.Transaction, error) {
	return s.single(ctx, p, OpDebit)
}

func (s *PostgresStore) single(ctx context.Context, p Posting, op Op) (*model.Transaction, error) {
	txs, err := s.Apply(ctx, withOp(p, op))
	if err != nil {
		return nil, err
	}
	return &txs[0], nil
}

func (s *PostgresStore) Apply(ctx context.Context, postings []Posting) ([]model.Transaction, error) {
	postings, err := normalizeAll(postings)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	refs := make([]string, len(postings))
	for i, p := range postings {
		refs[i] = p.Reference
	}
	var dup string
	err = tx.QueryRow(ctx, `SELECT reference FROM transactions WHERE reference = ANY($1) LIMIT 1`, refs).Scan(&dup)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, dup)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	keys := make([]WalletKey, 0, len(postings))
	work := make(map[WalletKey]*model.Wallet)
	for _, p := range postings {
		if _, ok := work[p.Key()]; !ok {
			work[p.Key()] = nil
			keys = append(keys, p.Key())
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	for _, k := range keys {
		w, err := getOrCreateWalletForUpdate(ctx, tx, k)
		if err != nil {
			return nil, err
		}
		work[k] = w
	}

	now := time.Now().UTC()
	txs := make([]model.Transaction, 0, len(postings))
	for _, p := range postings {
		w := work[p.Key()]
		if err := check(w, p); err != nil {
			return nil, err
		}
		txs = append(txs, apply(w, p, uuid.NewString(), now))
	}

	for _, k := range keys {
		w := work[k]
		if _, err := tx.Exec(ctx,
			`UPDATE wallets
			 SET available = $3::NUMERIC, locked = $4::NUMERIC, updated_at = $5
			 WHERE user_id = $1 AND currency = $2`,
			w.UserID, w.Currency, w.Available.String(), w.Locked.String(), w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("update wallet %s: %w", k, err)
		}
	}

	for i := range txs {
		t := &txs[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, user_id, currency, type, status, amount, fee,
			                           available_delta, locked_delta, reference, external_id, notes,
			                           created_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
			         $10, $11, $12, $13, $14)`,
			t.ID, t.UserID, t.Currency, t.Type, t.Status,
			t.Amount.String(), t.Fee.String(), t.AvailableDelta.String(), t.LockedDelta.String(),
			t.Reference, t.ExternalID, t.Notes, t.CreatedAt, t.CompletedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, t.Reference)
			}
			return nil, fmt.Errorf("insert transaction %s: %w", t.Reference, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return txs, nil
}

func getOrCreateWalletForUpdate(ctx context.Context, tx pgx.Tx, k WalletKey) (*model.Wallet, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, currency, available, locked)
		 VALUES ($1, $2, 0, 0)
		 ON CONFLICT (user_id, currency) DO NOTHING`,
		k.UserID, k.Currency,
	); err != nil {
		return nil, fmt.Errorf("create wallet %s: %w", k, err)
	}
	row := tx.QueryRow(ctx,
		`SELECT user_id, currency, available::TEXT, locked::TEXT, updated_at
		 FROM wallets WHERE user_id = $1 AND currency = $2
		 FOR UPDATE`, k.UserID, k.Currency)
	return scanWallet(row)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	currency = Currency(currency)
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, currency, available::TEXT, locked::TEXT, updated_at
		 FROM wallets WHERE user_id = $1 AND currency = $2`, userID, currency)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Wallet{UserID: userID, Currency: currency}, nil
	}
	return w, err
}

func (s *PostgresStore) ListWallets(ctx context.Context, userID string) ([]model.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, currency, available::TEXT, locked::TEXT, updated_at
		 FROM wallets WHERE $1 = '' OR user_id = $1
		 ORDER BY user_id, currency`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

const txColumns = `id::TEXT, user_id, currency, type, status, amount::TEXT, fee::TEXT,
	available_delta::TEXT, locked_delta::TEXT, reference, external_id, notes,
	created_at, completed_at`

func (s *PostgresStore) GetTransaction(ctx context.Context, reference string) (*model.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE reference = $1`, reference)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, reference)
	}
	return t, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f TxFilter) ([]model.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Currency != "" {
		add("currency = $%d", Currency(f.Currency))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.RefPrefix != "" {
		add("reference LIKE $%d || '%%'", f.RefPrefix)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	q := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var available, locked string
	if err := row.Scan(&w.UserID, &w.Currency, &available, &locked, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Available, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	if w.Locked, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("parse locked balance: %w", err)
	}
	return &w, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var amount, fee, avail, locked string
	if err := row.Scan(&t.ID, &t.UserID, &t.Currency, &t.Type, &t.Status,
		&amount, &fee, &avail, &locked,
		&t.Reference, &t.ExternalID, &t.Notes, &t.CreatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Amount, _ = decimal.NewFromString(amount)
	t.Fee, _ = decimal.NewFromString(fee)
	t.AvailableDelta, _ = decimal.NewFromString(avail)
	t.LockedDelta, _ = decimal.NewFromString(locked)
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
