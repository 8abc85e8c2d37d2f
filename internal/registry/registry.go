// Package registry persists copy-trading subscriptions, bots and their
// audit records with gorm. Settlement state lives elsewhere; nothing here
// moves funds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound  = errors.New("registry: not found")
	ErrDuplicate = errors.New("registry: already exists")
)

// Repository wraps a gorm database.
type Repository struct {
	db *gorm.DB
}

// Open connects to a sqlite database and migrates the schema.
func Open(dsn string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps
	// in-memory databases shared across goroutines.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

// New migrates the schema on an existing connection.
func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(
		&Subscription{}, &CopiedTrade{}, &ReplicationFailure{},
		&Bot{}, &BotTrade{}, &Watermark{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate registry: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	}
	return err
}

// --- Subscriptions ---

// CreateSubscription returns ErrDuplicate if the follower already follows
// the trader.
func (r *Repository) CreateSubscription(ctx context.Context, s *Subscription) error {
	return translate(r.db.WithContext(ctx).Create(s).Error)
}

// ActiveSubscriptions returns the active subscriptions to a trader, oldest first.
func (r *Repository) ActiveSubscriptions(ctx context.Context, traderID string) ([]Subscription, error) {
	var subs []Subscription
	err := r.db.WithContext(ctx).
		Where("trader_id = ? AND active = ?", traderID, true).
		Order("created_at, id").
		Find(&subs).Error
	return subs, translate(err)
}

// SetSubscriptionActive pauses or resumes a subscription.
func (r *Repository) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	res := r.db.WithContext(ctx).Model(&Subscription{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MasterTraders lists traders with at least one active follower.
func (r *Repository) MasterTraders(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&Subscription{}).
		Where("active = ?", true).
		Distinct("trader_id").Order("trader_id").
		Pluck("trader_id", &ids).Error
	return ids, translate(err)
}

// --- Copied trades and failures ---

// HasCopied reports whether a master order was already copied for a subscription.
func (r *Repository) HasCopied(ctx context.Context, subscriptionID, masterOrderID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&CopiedTrade{}).
		Where("subscription_id = ? AND master_order_id = ?", subscriptionID, masterOrderID).
		Count(&n).Error
	return n > 0, translate(err)
}

// RecordCopiedTrade returns ErrDuplicate if the pair is already recorded.
func (r *Repository) RecordCopiedTrade(ctx context.Context, c *CopiedTrade) error {
	return translate(r.db.WithContext(ctx).Create(c).Error)
}

// CopiedTrades lists the follower copies of a master order.
func (r *Repository) CopiedTrades(ctx context.Context, masterOrderID string) ([]CopiedTrade, error) {
	var out []CopiedTrade
	err := r.db.WithContext(ctx).Where("master_order_id = ?", masterOrderID).Order("created_at, id").Find(&out).Error
	return out, translate(err)
}

func (r *Repository) RecordFailure(ctx context.Context, f *ReplicationFailure) error {
	return translate(r.db.WithContext(ctx).Create(f).Error)
}

// Failures lists recorded failures for a master order; an empty id lists all.
func (r *Repository) Failures(ctx context.Context, masterOrderID string) ([]ReplicationFailure, error) {
	q := r.db.WithContext(ctx).Order("created_at, id")
	if masterOrderID != "" {
		q = q.Where("master_order_id = ?", masterOrderID)
	}
	var out []ReplicationFailure
	return out, translate(q.Find(&out).Error)
}

// --- Bots ---

// CreateBot validates the strategy before storing the bot.
func (r *Repository) CreateBot(ctx context.Context, b *Bot) error {
	if err := b.Strategy.Validate(); err != nil {
		return err
	}
	return translate(r.db.WithContext(ctx).Create(b).Error)
}

func (r *Repository) GetBot(ctx context.Context, id string) (*Bot, error) {
	var b Bot
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// ActiveBots lists active bots; live-only excludes paper bots.
func (r *Repository) ActiveBots(ctx context.Context, liveOnly bool) ([]Bot, error) {
	q := r.db.WithContext(ctx).Where("active = ?", true)
	if liveOnly {
		q = q.Where("paper_trading = ?", false)
	}
	var bots []Bot
	return bots, translate(q.Order("created_at, id").Find(&bots).Error)
}

// Deactivate switches a bot off. Deactivating an inactive bot is a no-op.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&Bot{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRun stamps the last run and adds executed trades to the counter.
func (r *Repository) RecordRun(ctx context.Context, id string, at time.Time, trades int) error {
	res := r.db.WithContext(ctx).Model(&Bot{}).Where("id = ?", id).Updates(map[string]any{
		"last_run_at":  at,
		"total_trades": gorm.Expr("total_trades + ?", trades),
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) RecordBotTrade(ctx context.Context, t *BotTrade) error {
	return translate(r.db.WithContext(ctx).Create(t).Error)
}

// BotTrades lists a bot's recorded signals, oldest first.
func (r *Repository) BotTrades(ctx context.Context, botID string) ([]BotTrade, error) {
	var out []BotTrade
	err := r.db.WithContext(ctx).Where("bot_id = ?", botID).Order("created_at, id").Find(&out).Error
	return out, translate(err)
}

// --- Watermarks ---

// Watermark returns the stored position, or the zero time if none is set.
func (r *Repository) Watermark(ctx context.Context, name string) (time.Time, error) {
	var w Watermark
	err := r.db.WithContext(ctx).First(&w, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, translate(err)
	}
	return w.At, nil
}

// SetWatermark upserts a named position.
func (r *Repository) SetWatermark(ctx context.Context, name string, at time.Time) error {
	w := Watermark{Name: name, At: at.UTC()}
	return translate(r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"at", "updated_at"}),
	}).Create(&w).Error)
}
