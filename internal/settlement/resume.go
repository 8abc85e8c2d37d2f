package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// ResumeReport counts what Resume repaired.
type ResumeReport struct {
	Opened   int // pending orders whose reservation was found
	Rejected int // pending orders that never reserved
	Settled  int // open market orders filled at their quoted price
	Released int // cancelled orders whose release was missing

	// Failed counts orders that could not be repaired; Errors holds why.
	// They stay as they are and are retried by the next run or sweep.
	Failed int
	Errors []error
}

func (r *ResumeReport) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
	metrics.ResumeFailures.Inc()
}

// Resume completes work interrupted by a crash. It never reserves again:
// pending orders are opened only when their reservation exists, market
// orders settle at the price they were reserved for, and cancelled orders
// get their missing release. Failures of single orders are logged and
// recorded in the report; the sweep continues. Only a failure to list the
// orders is returned as an error. Run it before the engine accepts new
// orders.
func (e *Engine) Resume(ctx context.Context) (*ResumeReport, error) {
	report := &ResumeReport{}

	pending, err := e.orders.ListOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderStatusPending}})
	if err != nil {
		return report, fmt.Errorf("list pending orders: %w", err)
	}
	for i := range pending {
		if err := e.resumePending(ctx, pending[i].ID, report); err != nil {
			e.logger.Error("resume: pending order not repaired", "order_id", pending[i].ID, "err", err)
			report.fail(err)
		}
	}

	open, err := e.orders.ListOrders(ctx, store.OrderFilter{
		Statuses: []model.OrderStatus{model.OrderStatusOpen, model.OrderStatusPartiallyFilled},
		Types:    []model.OrderType{model.OrderTypeMarket},
	})
	if err != nil {
		return report, fmt.Errorf("list open market orders: %w", err)
	}
	for _, o := range open {
		trade, err := e.CheckAndExecute(ctx, o.ID)
		if err != nil {
			e.logger.Error("resume: market order not settled", "order_id", o.ID, "err", err)
			report.fail(err)
			continue
		}
		if trade != nil {
			report.Settled++
		}
	}

	cancelled, err := e.orders.ListOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderStatusCancelled}})
	if err != nil {
		return report, fmt.Errorf("list cancelled orders: %w", err)
	}
	for i := range cancelled {
		o := &cancelled[i]
		if !o.ReservationRemaining().IsPositive() {
			continue
		}
		_, err := e.ledger.GetTransaction(ctx, releaseRef(o.ID))
		if err == nil {
			continue
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			report.fail(err)
			continue
		}
		if err := e.releaseRemainder(ctx, o); err != nil {
			e.logger.Error("resume: release not applied", "order_id", o.ID, "err", err)
			report.fail(err)
			continue
		}
		report.Released++
	}

	e.logger.Info("resume complete",
		"opened", report.Opened,
		"rejected", report.Rejected,
		"settled", report.Settled,
		"released", report.Released,
		"failed", report.Failed,
	)
	return report, nil
}

func (e *Engine) resumePending(ctx context.Context, orderID string, report *ResumeReport) error {
	unlock, err := e.orders.LockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != model.OrderStatusPending {
		return nil
	}

	_, err = e.ledger.GetTransaction(ctx, reserveRef(o.ID))
	switch {
	case err == nil:
		if err := o.Open(e.now()); err != nil {
			return err
		}
		if err := e.orders.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("resume: open %s: %w", o.ID, err)
		}
		report.Opened++
		e.logger.Info("resume: order opened", "order_id", o.ID)
	case errors.Is(err, ledger.ErrNotFound):
		if err := o.Reject("interrupted before reservation", e.now()); err != nil {
			return err
		}
		if err := e.orders.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("resume: reject %s: %w", o.ID, err)
		}
		report.Rejected++
		e.logger.Info("resume: order rejected", "order_id", o.ID)
	default:
		return err
	}
	return nil
}
