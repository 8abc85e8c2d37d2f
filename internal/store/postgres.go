package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const orderColumns = `id, user_id, pair, type, side, quantity::TEXT, price::TEXT, stop_price::TEXT,
	filled_quantity::TEXT, average_price::TEXT, fee::TEXT, status, source, source_id,
	reserved_currency, reserved_amount::TEXT, reservation_used::TEXT, quoted_price::TEXT, fills,
	reject_reason, version, created_at, updated_at, executed_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	o.Version = 1
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, pair, type, side, quantity, price, stop_price,
		                     filled_quantity, average_price, fee, status, source, source_id,
		                     reserved_currency, reserved_amount, reservation_used, quoted_price, fills,
		                     reject_reason, version, created_at, updated_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14,
		         $15, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19,
		         $20, $21, $22, $23, $24)`,
		o.ID, o.UserID, o.Pair, o.Type, o.Side, o.Quantity.String(), optDecimal(o.Price), optDecimal(o.StopPrice),
		o.FilledQuantity.String(), o.AveragePrice.String(), o.Fee.String(), o.Status, o.Source, o.SourceID,
		o.ReservedCurrency, o.ReservedAmount.String(), o.ReservationUsed.String(), o.QuotedPrice.String(), o.Fills,
		o.RejectReason, o.Version, o.CreatedAt, o.UpdatedAt, o.ExecutedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.ID)
	}
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET filled_quantity = $3::NUMERIC, average_price = $4::NUMERIC, fee = $5::NUMERIC,
		     status = $6, reserved_currency = $7, reserved_amount = $8::NUMERIC,
		     reservation_used = $9::NUMERIC, quoted_price = $10::NUMERIC, fills = $11,
		     reject_reason = $12, updated_at = $13, executed_at = $14, version = version + 1
		 WHERE id = $1 AND version = $2`,
		o.ID, o.Version,
		o.FilledQuantity.String(), o.AveragePrice.String(), o.Fee.String(),
		o.Status, o.ReservedCurrency, o.ReservedAmount.String(),
		o.ReservationUsed.String(), o.QuotedPrice.String(), o.Fills,
		o.RejectReason, o.UpdatedAt, o.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrder(ctx, o.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: order %s at version %d", ErrConflict, o.ID, o.Version)
	}
	o.Version++
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
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
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if len(f.Types) > 0 {
		add("type = ANY($%d)", toStrings(f.Types))
	}
	if len(f.Sources) > 0 {
		add("source = ANY($%d)", toStrings(f.Sources))
	}
	if f.SourceID != "" {
		add("source_id = $%d", f.SourceID)
	}
	if !f.UpdatedSince.IsZero() {
		add("updated_at >= $%d", f.UpdatedSince)
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
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

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// LockOrder takes a session-level advisory lock on a dedicated connection,
// so the lock holds across the several statements of a settlement and
// across processes sharing the database.
func (s *PostgresStore) LockOrder(ctx context.Context, id string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, "order:"+id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, "order:"+id)
		conn.Release()
	}, nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, order_id, user_id, pair, side, quantity, price, fee, realized_pnl, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.OrderID, t.UserID, t.Pair, t.Side,
		t.Quantity.String(), t.Price.String(), t.Fee.String(), t.RealizedPnL.String(),
		t.ExecutedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
	}
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.order_id, t.user_id, t.pair, t.side,
		        t.quantity::TEXT, t.price::TEXT, t.fee::TEXT, t.realized_pnl::TEXT, t.executed_at
		 FROM trades t JOIN orders o ON o.id = t.order_id
		 WHERE ($1 = '' OR t.user_id = $1)
		   AND ($2 = '' OR t.order_id = $2)
		   AND ($3 = '' OR o.source = $3)
		   AND ($4 = '' OR o.source_id = $4)
		   AND ($5::TIMESTAMPTZ IS NULL OR t.executed_at >= $5)
		 ORDER BY t.executed_at, t.id`,
		f.UserID, f.OrderID, string(f.Source), f.SourceID, optTime(f),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, fee, pnl string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Pair, &t.Side,
			&qty, &price, &fee, &pnl, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Fee, _ = decimal.NewFromString(fee)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

const positionColumns = `user_id, pair, side, quantity::TEXT, entry_price::TEXT, current_price::TEXT,
	unrealized_pnl::TEXT, realized_pnl::TEXT, leverage::TEXT, stop_loss::TEXT, take_profit::TEXT,
	opened_at, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, userID, pair string, side model.PositionSide) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND pair = $2 AND side = $3`,
		userID, pair, side)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s %s %s", ErrNotFound, userID, pair, side)
	}
	return p, err
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	if p.Quantity.IsZero() {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND pair = $2 AND side = $3`,
			p.UserID, p.Pair, p.Side)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, pair, side, quantity, entry_price, current_price,
		                        unrealized_pnl, realized_pnl, leverage, stop_loss, take_profit,
		                        opened_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (user_id, pair, side) DO UPDATE
		 SET quantity = EXCLUDED.quantity, entry_price = EXCLUDED.entry_price,
		     current_price = EXCLUDED.current_price, unrealized_pnl = EXCLUDED.unrealized_pnl,
		     realized_pnl = EXCLUDED.realized_pnl, leverage = EXCLUDED.leverage,
		     stop_loss = EXCLUDED.stop_loss, take_profit = EXCLUDED.take_profit,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Pair, p.Side, p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.Leverage.String(),
		optDecimal(p.StopLoss), optDecimal(p.TakeProfit), p.OpenedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY pair`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var qty, filled, avg, fee, reserved, used, quoted string
	var price, stop *string
	if err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Type, &o.Side, &qty, &price, &stop,
		&filled, &avg, &fee, &o.Status, &o.Source, &o.SourceID,
		&o.ReservedCurrency, &reserved, &used, &quoted, &o.Fills,
		&o.RejectReason, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt); err != nil {
		return nil, err
	}
	o.Quantity, _ = decimal.NewFromString(qty)
	o.FilledQuantity, _ = decimal.NewFromString(filled)
	o.AveragePrice, _ = decimal.NewFromString(avg)
	o.Fee, _ = decimal.NewFromString(fee)
	o.ReservedAmount, _ = decimal.NewFromString(reserved)
	o.ReservationUsed, _ = decimal.NewFromString(used)
	o.QuotedPrice, _ = decimal.NewFromString(quoted)
	o.Price = parseOpt(price)
	o.StopPrice = parseOpt(stop)
	return &o, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var qty, entry, cur, upnl, rpnl, lev string
	var sl, tp *string
	if err := row.Scan(&p.UserID, &p.Pair, &p.Side, &qty, &entry, &cur, &upnl, &rpnl, &lev,
		&sl, &tp, &p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Quantity, _ = decimal.NewFromString(qty)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.CurrentPrice, _ = decimal.NewFromString(cur)
	p.UnrealizedPnL, _ = decimal.NewFromString(upnl)
	p.RealizedPnL, _ = decimal.NewFromString(rpnl)
	p.Leverage, _ = decimal.NewFromString(lev)
	p.StopLoss = parseOpt(sl)
	p.TakeProfit = parseOpt(tp)
	return &p, nil
}

func optDecimal(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseOpt(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

func optTime(f TradeFilter) any {
	if f.Since.IsZero() {
		return nil
	}
	return f.Since
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
