package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// nextPositions applies a trade to the user's positions in its pair and
// returns the changed positions with the trade's realized P&L net of fee.
// A buy first covers a short, a sell first reduces a long. Sells beyond
// the tracked long only open a short when the pair allows it.
func (e *Engine) nextPositions(ctx context.Context, pair model.Pair, t *model.Trade) ([]*model.Position, decimal.Decimal) {
	pnl := t.Fee.Neg()
	closing, opening := model.PositionLong, model.PositionShort
	if t.Side == model.SideBuy {
		closing, opening = model.PositionShort, model.PositionLong
	}

	var changed []*model.Position
	remaining := t.Quantity
	if pos := e.position(ctx, t.UserID, t.Pair, closing); pos != nil {
		closed := decimal.Min(pos.Quantity, remaining)
		gain := t.Price.Sub(pos.EntryPrice).Mul(closed)
		if closing == model.PositionShort {
			gain = gain.Neg()
		}
		pnl = pnl.Add(gain)
		pos.Quantity = pos.Quantity.Sub(closed)
		pos.RealizedPnL = pos.RealizedPnL.Add(gain)
		mark(pos, t)
		changed = append(changed, pos)
		remaining = remaining.Sub(closed)
	}

	if !remaining.IsPositive() || opening == model.PositionShort && !pair.AllowShortSelling {
		return changed, pnl
	}

	pos := e.position(ctx, t.UserID, t.Pair, opening)
	if pos == nil {
		pos = &model.Position{
			UserID:     t.UserID,
			Pair:       t.Pair,
			Side:       opening,
			Leverage:   decimal.NewFromInt(1),
			OpenedAt:   t.ExecutedAt,
			EntryPrice: t.Price,
		}
	}
	total := pos.Quantity.Add(remaining)
	pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(t.Price.Mul(remaining)).Div(total)
	pos.Quantity = total
	mark(pos, t)
	return append(changed, pos), pnl
}

// mark revalues a position at the trade price.
func mark(pos *model.Position, t *model.Trade) {
	pos.CurrentPrice = t.Price
	diff := t.Price.Sub(pos.EntryPrice)
	if pos.Side == model.PositionShort {
		diff = diff.Neg()
	}
	pos.UnrealizedPnL = diff.Mul(pos.Quantity)
	pos.UpdatedAt = t.ExecutedAt
}

func (e *Engine) position(ctx context.Context, userID, pair string, side model.PositionSide) *model.Position {
	pos, err := e.primary.GetPosition(ctx, userID, pair, side)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("position lookup failed", "user_id", userID, "pair", pair, "err", err)
		}
		return nil
	}
	return pos
}
