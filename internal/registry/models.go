package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/atmx/settlement-engine/internal/model"
)

// Decimals are stored as text so sqlite keeps them exact.

// Subscription links a follower to a master trader.
type Subscription struct {
	ID                 string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FollowerID         string           `gorm:"uniqueIndex:idx_subscription_pair;not null" json:"follower_id"`
	TraderID           string           `gorm:"uniqueIndex:idx_subscription_pair;index;not null" json:"trader_id"`
	Active             bool             `json:"active"`
	CopyPercentage     decimal.Decimal  `gorm:"type:text;not null" json:"copy_percentage"`
	MaxPositionSize    *decimal.Decimal `gorm:"type:text" json:"max_position_size,omitempty"`
	StopLossPercentage *decimal.Decimal `gorm:"type:text" json:"stop_loss_percentage,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// CopiedTrade links a master order to the follower order it produced.
// Rows are never updated.
type CopiedTrade struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SubscriptionID  string    `gorm:"uniqueIndex:idx_copied_master;not null" json:"subscription_id"`
	MasterOrderID   string    `gorm:"uniqueIndex:idx_copied_master;not null" json:"master_order_id"`
	FollowerOrderID string    `gorm:"not null" json:"follower_order_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReplicationFailure records one follower's failed copy.
type ReplicationFailure struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SubscriptionID string    `gorm:"index" json:"subscription_id"`
	MasterOrderID  string    `gorm:"index" json:"master_order_id"`
	FollowerID     string    `json:"follower_id"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// Bot is an automated trader running one strategy over a set of pairs.
type Bot struct {
	ID                   string             `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID               string             `gorm:"index;not null" json:"user_id"`
	Name                 string             `json:"name"`
	Strategy             model.StrategySpec `gorm:"serializer:json" json:"strategy"`
	Pairs                []string           `gorm:"serializer:json" json:"pairs"`
	Timeframe            string             `json:"timeframe"`
	Active               bool               `gorm:"index" json:"active"`
	PaperTrading         bool               `json:"paper_trading"`
	MaxPositionSize      decimal.Decimal    `gorm:"type:text" json:"max_position_size"`
	StopLossPercentage   *decimal.Decimal   `gorm:"type:text" json:"stop_loss_percentage,omitempty"`
	TakeProfitPercentage *decimal.Decimal   `gorm:"type:text" json:"take_profit_percentage,omitempty"`
	MaxDailyLoss         decimal.Decimal    `gorm:"type:text" json:"max_daily_loss"`
	TotalTrades          int                `json:"total_trades"`
	LastRunAt            *time.Time         `json:"last_run_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// BotTrade records a signal a bot acted on and the order it produced.
type BotTrade struct {
	ID         string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BotID      string            `gorm:"index;not null" json:"bot_id"`
	OrderID    string            `json:"order_id,omitempty"`
	Pair       string            `json:"pair"`
	Signal     string            `json:"signal"`
	Price      decimal.Decimal   `gorm:"type:text" json:"price"`
	SignalData map[string]string `gorm:"serializer:json" json:"signal_data,omitempty"`
	Paper      bool              `json:"paper"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Watermark stores a named scan position for periodic jobs.
type Watermark struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	At        time.Time `json:"at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

func (s *Subscription) BeforeCreate(*gorm.DB) error       { newID(&s.ID); return nil }
func (c *CopiedTrade) BeforeCreate(*gorm.DB) error        { newID(&c.ID); return nil }
func (f *ReplicationFailure) BeforeCreate(*gorm.DB) error { newID(&f.ID); return nil }
func (b *Bot) BeforeCreate(*gorm.DB) error                { newID(&b.ID); return nil }
func (t *BotTrade) BeforeCreate(*gorm.DB) error           { newID(&t.ID); return nil }
