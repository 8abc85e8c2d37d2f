// Package notify delivers fire-and-forget user notifications. A failed or
// dropped notification never affects the operation that produced it.
package notify

import (
	"log/slog"
	"time"
)

// Kind names a notification.
type Kind string

const (
	KindOrderFilled       Kind = "order_filled"
	KindOrderPartialFill  Kind = "order_partially_filled"
	KindOrderCancelled    Kind = "order_cancelled"
	KindOrderRejected     Kind = "order_rejected"
	KindCopyTradeExecuted Kind = "copy_trade_executed"
	KindCopyTradeFailed   Kind = "copy_trade_failed"
	KindBotSignal         Kind = "bot_signal"
	KindBotDeactivated    Kind = "bot_deactivated"
	KindBalanceCredited   Kind = "balance_credited"
)

// Event is one notification. Data carries string fields only so every sink
// can render it without knowing the domain types.
type Event struct {
	Kind      Kind              `json:"type"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink accepts notifications. Implementations must not block the caller
// for long and must not panic.
type Sink interface {
	Notify(ev Event)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(Event) {}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", ev.Kind, "user_id", ev.UserID, "title", ev.Title, "message", ev.Message)
}

// Fanout sends every event to each sink in order.
type Fanout []Sink

func (f Fanout) Notify(ev Event) {
	for _, s := range f {
		s.Notify(ev)
	}
}

// New stamps an event.
func New(kind Kind, userID, title, message string, data map[string]string) Event {
	return Event{
		Kind: kind, UserID: userID, Title: title, Message: message,
		Data: data, CreatedAt: time.Now().UTC(),
	}
}
