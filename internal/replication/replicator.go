// Package replication copies filled orders of master traders to their
// followers. Followers are processed in parallel and fail independently:
// one follower's error is recorded and reported but never stops the others
// or touches the master order.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/pairs"
	"github.com/atmx/settlement-engine/internal/registry"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// ErrNotReplicable is returned for master orders that are not filled or
// are themselves copies.
var ErrNotReplicable = errors.New("replication: order is not replicable")

// ErrCopyIDTaken is returned when a follower's copy order ID already
// names an order that is not that follower's copy of the master.
var ErrCopyIDTaken = errors.New("replication: copy order id is taken")

// Settler is the part of the settlement engine replication drives.
type Settler interface {
	Order(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
	CreateOrder(ctx context.Context, userID string, req settlement.OrderRequest) (*model.Order, error)
	Wallet(ctx context.Context, userID, currency string) (*model.Wallet, error)
	Quote(ctx context.Context, symbol string) (model.Quote, error)
	Pairs() *pairs.Catalog
}

// Registry stores subscriptions and copy records.
type Registry interface {
	ActiveSubscriptions(ctx context.Context, traderID string) ([]registry.Subscription, error)
	MasterTraders(ctx context.Context) ([]string, error)
	HasCopied(ctx context.Context, subscriptionID, masterOrderID string) (bool, error)
	RecordCopiedTrade(ctx context.Context, c *registry.CopiedTrade) error
	RecordFailure(ctx context.Context, f *registry.ReplicationFailure) error
}

// Failure is one follower's failed copy.
type Failure struct {
	SubscriptionID string
	FollowerID     string
	MasterOrderID  string
	Err            error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("replication: copy of %s for follower %s: %v", f.MasterOrderID, f.FollowerID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Copy is a follower order produced from a master order.
type Copy struct {
	SubscriptionID string
	FollowerID     string
	OrderID        string
	Quantity       decimal.Decimal
	Status         model.OrderStatus
}

// Skip is a follower that was not copied, with the reason.
type Skip struct {
	SubscriptionID string
	FollowerID     string
	Reason         string
}

// Report is the per-follower outcome of one Replicate call, sorted by
// follower.
type Report struct {
	MasterOrderID string
	Copied        []Copy
	Skipped       []Skip
	Failures      []*Failure
}

// Replicator fans master fills out to followers.
type Replicator struct {
	engine      Settler
	registry    Registry
	sink        notify.Sink
	logger      *slog.Logger
	parallelism int
}

// New creates a Replicator processing at most parallelism followers at once.
func New(engine Settler, reg Registry, sink notify.Sink, logger *slog.Logger, parallelism int) *Replicator {
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Replicator{
		engine:      engine,
		registry:    reg,
		sink:        sink,
		logger:      logger.With("component", "replication"),
		parallelism: parallelism,
	}
}

// Replicate copies a filled master order to every active follower of its
// owner. The returned error covers only the master side; follower problems
// are in the report.
func (r *Replicator) Replicate(ctx context.Context, masterOrderID string) (*Report, error) {
	master, err := r.engine.Order(ctx, masterOrderID)
	if err != nil {
		return nil, err
	}
	if master.Status != model.OrderStatusFilled {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReplicable, master.ID, master.Status)
	}
	if master.Source == model.SourceCopyTrade {
		return nil, fmt.Errorf("%w: %s is a copy", ErrNotReplicable, master.ID)
	}
	pair, err := r.engine.Pairs().Get(master.Pair)
	if err != nil {
		return nil, err
	}
	subs, err := r.registry.ActiveSubscriptions(ctx, master.UserID)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions of %s: %w", master.UserID, err)
	}

	report := &Report{MasterOrderID: master.ID}
	if len(subs) == 0 {
		return report, nil
	}

	ref, refErr := r.referencePrice(ctx, master)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, sub := range subs {
		if sub.FollowerID == master.UserID {
			continue
		}
		g.Go(func() error {
			var out outcome
			if refErr != nil {
				out.err = refErr
			} else {
				out = r.copyOne(ctx, master, pair, sub, ref)
			}
			r.record(ctx, master, sub, out)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.err != nil:
				report.Failures = append(report.Failures, &Failure{
					SubscriptionID: sub.ID, FollowerID: sub.FollowerID, MasterOrderID: master.ID, Err: out.err,
				})
			case out.skip != "":
				report.Skipped = append(report.Skipped, Skip{SubscriptionID: sub.ID, FollowerID: sub.FollowerID, Reason: out.skip})
			default:
				report.Copied = append(report.Copied, Copy{
					SubscriptionID: sub.ID, FollowerID: sub.FollowerID,
					OrderID: out.order.ID, Quantity: out.order.Quantity, Status: out.order.Status,
				})
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	sort.Slice(report.Copied, func(i, j int) bool { return report.Copied[i].FollowerID < report.Copied[j].FollowerID })
	sort.Slice(report.Skipped, func(i, j int) bool { return report.Skipped[i].FollowerID < report.Skipped[j].FollowerID })
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].FollowerID < report.Failures[j].FollowerID })

	r.logger.Info("replication complete",
		"master_order_id", master.ID,
		"master", master.UserID,
		"copied", len(report.Copied),
		"skipped", len(report.Skipped),
		"failed", len(report.Failures),
	)
	return report, nil
}

// referencePrice is the master's limit or stop price, else the live quote
// on the master's side of the book.
func (r *Replicator) referencePrice(ctx context.Context, master *model.Order) (decimal.Decimal, error) {
	if master.Price != nil {
		return *master.Price, nil
	}
	if master.StopPrice != nil {
		return *master.StopPrice, nil
	}
	q, err := r.engine.Quote(ctx, master.Pair)
	if err != nil {
		return decimal.Zero, err
	}
	return q.PriceFor(master.Side), nil
}

type outcome struct {
	order *model.Order
	skip  string
	err   error
}

// copyID is deterministic so a retried replication cannot trade twice.
func copyID(sub registry.Subscription, master *model.Order) string {
	return model.CopyOrderIDPrefix + sub.ID + "-" + master.ID
}

func (r *Replicator) copyOne(ctx context.Context, master *model.Order, pair model.Pair, sub registry.Subscription, ref decimal.Decimal) outcome {
	copied, err := r.registry.HasCopied(ctx, sub.ID, master.ID)
	if err != nil {
		return outcome{err: err}
	}
	if copied {
		return outcome{skip: "already copied"}
	}

	qty, err := r.followerQuantity(ctx, master, pair, sub, ref)
	if err != nil {
		return outcome{err: err}
	}
	if !qty.IsPositive() || qty.LessThan(pair.MinOrderSize) {
		return outcome{skip: fmt.Sprintf("quantity %s below minimum %s", qty, pair.MinOrderSize)}
	}

	order, err := r.engine.CreateOrder(ctx, sub.FollowerID, settlement.OrderRequest{
		ID:       copyID(sub, master),
		Pair:     pair.Symbol,
		Type:     model.OrderTypeMarket,
		Side:     master.Side,
		Quantity: qty,
		Source:   model.SourceCopyTrade,
		SourceID: master.ID,
	})
	if errors.Is(err, settlement.ErrDuplicateOrder) {
		// Placed by an earlier attempt that did not get to record it.
		if order, err = r.engine.Order(ctx, copyID(sub, master)); err != nil {
			return outcome{err: err}
		}
		if order.UserID != sub.FollowerID || order.Source != model.SourceCopyTrade || order.SourceID != master.ID {
			return outcome{err: fmt.Errorf("%w: %s belongs to %s", ErrCopyIDTaken, order.ID, order.UserID)}
		}
	} else if err != nil {
		return outcome{err: err}
	}

	if err := r.registry.RecordCopiedTrade(ctx, &registry.CopiedTrade{
		SubscriptionID: sub.ID, MasterOrderID: master.ID, FollowerOrderID: order.ID,
	}); err != nil && !errors.Is(err, registry.ErrDuplicate) {
		r.logger.Error("failed to record copied trade", "subscription_id", sub.ID, "order_id", order.ID, "err", err)
	}

	if sub.StopLossPercentage != nil && master.Side == model.SideBuy && order.Status == model.OrderStatusFilled {
		r.protect(ctx, sub, master, pair, order)
	}
	return outcome{order: order}
}

// followerQuantity sizes the copy from the follower's own balance.
func (r *Replicator) followerQuantity(ctx context.Context, master *model.Order, pair model.Pair, sub registry.Subscription, ref decimal.Decimal) (decimal.Decimal, error) {
	limits := risk.CopyLimits(sub.CopyPercentage, sub.MaxPositionSize)
	if err := limits.Validate(); err != nil {
		return decimal.Zero, err
	}
	var qty decimal.Decimal
	if master.Side == model.SideBuy {
		w, err := r.engine.Wallet(ctx, sub.FollowerID, pair.Quote)
		if err != nil {
			return decimal.Zero, err
		}
		qty = limits.BuyQuantity(w.Available, ref)
	} else {
		w, err := r.engine.Wallet(ctx, sub.FollowerID, pair.Base)
		if err != nil {
			return decimal.Zero, err
		}
		qty = limits.SellQuantity(w.Available, ref)
	}
	qty = pairs.TruncateQuantity(pair, qty)
	if pair.MaxOrderSize.IsPositive() && qty.GreaterThan(pair.MaxOrderSize) {
		qty = pair.MaxOrderSize
	}
	return qty, nil
}

// protect places the follower's stop-loss below the copy's fill price.
func (r *Replicator) protect(ctx context.Context, sub registry.Subscription, master *model.Order, pair model.Pair, order *model.Order) {
	stop := order.AveragePrice.Mul(decimal.NewFromInt(100).Sub(*sub.StopLossPercentage)).Div(decimal.NewFromInt(100)).Truncate(pair.PricePrecision)
	if !stop.IsPositive() {
		return
	}
	_, err := r.engine.CreateOrder(ctx, sub.FollowerID, settlement.OrderRequest{
		ID:        copyID(sub, master) + "-sl",
		Pair:      pair.Symbol,
		Type:      model.OrderTypeStopLoss,
		Side:      model.SideSell,
		Quantity:  order.FilledQuantity,
		StopPrice: &stop,
		Source:    model.SourceCopyTrade,
		SourceID:  master.ID,
	})
	if err != nil && !errors.Is(err, settlement.ErrDuplicateOrder) {
		r.logger.Warn("follower stop-loss not placed", "follower", sub.FollowerID, "order_id", order.ID, "err", err)
	}
}

// record makes every outcome observable: metrics, log, registry row for
// failures and a notification to the follower.
func (r *Replicator) record(ctx context.Context, master *model.Order, sub registry.Subscription, out outcome) {
	switch {
	case out.err != nil:
		metrics.ReplicationAttempts.WithLabelValues("failed").Inc()
		r.logger.Warn("copy failed",
			"master_order_id", master.ID,
			"subscription_id", sub.ID,
			"follower", sub.FollowerID,
			"err", out.err,
		)
		if err := r.registry.RecordFailure(ctx, &registry.ReplicationFailure{
			SubscriptionID: sub.ID,
			MasterOrderID:  master.ID,
			FollowerID:     sub.FollowerID,
			Reason:         out.err.Error(),
		}); err != nil {
			r.logger.Error("failed to record replication failure", "subscription_id", sub.ID, "err", err)
		}
		r.sink.Notify(notify.New(notify.KindCopyTradeFailed, sub.FollowerID, "Copy trade failed",
			fmt.Sprintf("Could not copy %s %s: %v", strings.ToUpper(string(master.Side)), master.Pair, out.err),
			map[string]string{"master_order_id": master.ID}))
	case out.skip != "":
		metrics.ReplicationAttempts.WithLabelValues("skipped").Inc()
		r.logger.Info("copy skipped", "master_order_id", master.ID, "follower", sub.FollowerID, "reason", out.skip)
	default:
		metrics.ReplicationAttempts.WithLabelValues("copied").Inc()
		r.sink.Notify(notify.New(notify.KindCopyTradeExecuted, sub.FollowerID, "Copy trade executed",
			fmt.Sprintf("%s %s %s", strings.ToUpper(string(out.order.Side)), out.order.Quantity, out.order.Pair),
			map[string]string{"master_order_id": master.ID, "order_id": out.order.ID}))
	}
}

// ReplicateRecent replicates every non-copy order of a master trader that
// was filled at or after since. It returns the number of master orders
// processed and the time to pass as since on the next run. That time never
// moves past an order that failed, so failed orders are retried; orders
// already copied are skipped on the retry.
func (r *Replicator) ReplicateRecent(ctx context.Context, since time.Time) (int, time.Time, error) {
	masters, err := r.registry.MasterTraders(ctx)
	if err != nil {
		return 0, since, fmt.Errorf("load master traders: %w", err)
	}
	next := since
	var retryFrom time.Time // earliest failed order
	stuck := false          // a master's orders could not be listed
	n := 0
	var errs []error
	for _, trader := range masters {
		orders, err := r.engine.ListOrders(ctx, store.OrderFilter{
			UserID:       trader,
			Statuses:     []model.OrderStatus{model.OrderStatusFilled},
			Sources:      []model.OrderSource{model.SourceManual, model.SourceBot, model.SourceSignal},
			UpdatedSince: since,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list orders of %s: %w", trader, err))
			stuck = true
			continue
		}
		for _, o := range orders {
			if _, err := r.Replicate(ctx, o.ID); err != nil {
				errs = append(errs, err)
				if retryFrom.IsZero() || o.UpdatedAt.Before(retryFrom) {
					retryFrom = o.UpdatedAt
				}
				continue
			}
			n++
			if o.UpdatedAt.After(next) {
				next = o.UpdatedAt
			}
		}
	}
	switch {
	case stuck:
		next = since
	case !retryFrom.IsZero() && next.After(retryFrom):
		// The watermark is inclusive, so the failed order is seen again.
		next = retryFrom
	}
	return n, next, errors.Join(errs...)
}
