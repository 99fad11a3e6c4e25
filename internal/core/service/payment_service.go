package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/pkg/metrics"
	"github.com/dnguyenv/storefront/internal/port"
)

// Outcome is the terminal result reported by the payment gateway.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// PaymentEvent is the inbound webhook contract: idempotent by intent id,
// amount-checked against the order total.
type PaymentEvent struct {
	PaymentIntentID string
	Outcome         Outcome
	Amount          decimal.Decimal
}

// Payments applies gateway events to the payment state machine and records
// refunds. The database state machine is the source of truth; the cache
// guard only classifies redeliveries for logs and metrics.
type Payments struct {
	store  port.Store
	cache  port.Cache
	logger *zap.Logger
}

func NewPayments(store port.Store, cache port.Cache, logger *zap.Logger) *Payments {
	return &Payments{store: store, cache: cache, logger: logger}
}

// StartPayment attaches the gateway correlation id to the order and moves
// its payment to processing.
func (s *Payments) StartPayment(ctx context.Context, userID, orderID, intentID string) (*domain.Order, error) {
	var updated *domain.Order

	err := s.store.WithinTx(ctx, func(tx port.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return domain.ErrNotFound
		}
		if err := order.StartPayment(intentID); err != nil {
			return err
		}
		if err := tx.UpdateOrderState(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyPaymentEvent applies one webhook event.
//
// Replayed events are no-ops, a FAILED event arriving after SUCCEEDED is
// logged and dropped, and an amount that does not equal the order total is
// a fatal error that is never applied. The cache guard only classifies
// redeliveries; the state machine in the database always decides, so a
// guard left behind by an attempt that died before committing cannot
// absorb the gateway's redelivery.
func (s *Payments) ApplyPaymentEvent(ctx context.Context, ev PaymentEvent) error {
	if ev.PaymentIntentID == "" {
		return domain.NewValidationError("payment intent id is required")
	}
	if ev.Outcome != OutcomeSucceeded && ev.Outcome != OutcomeFailed {
		return domain.NewValidationError("unknown payment outcome %q", ev.Outcome)
	}

	guardKey := "payevent:" + ev.PaymentIntentID + ":" + string(ev.Outcome)
	fresh, err := s.cache.AcquireOnce(ctx, guardKey, idempotencyGuardTTL)
	if err != nil {
		return fmt.Errorf("payment: event guard: %w", err)
	}
	if !fresh {
		s.logger.Info("payment_event_redelivered",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("outcome", string(ev.Outcome)),
		)
	}

	applied := false
	err = s.store.WithinTx(ctx, func(tx port.Store) error {
		order, err := tx.GetOrderByPaymentIntent(ctx, ev.PaymentIntentID)
		if err != nil {
			return err
		}

		if !ev.Amount.Equal(order.Total) {
			return &domain.PaymentAmountMismatchError{
				OrderID: order.ID,
				Want:    order.Total,
				Got:     ev.Amount,
			}
		}

		switch ev.Outcome {
		case OutcomeSucceeded:
			applied, err = order.ApplyPaymentSucceeded()
		case OutcomeFailed:
			applied, err = order.ApplyPaymentFailed()
		}
		if err != nil {
			return err
		}
		if !applied {
			// Already in a terminal state for this event: replayed or
			// out-of-order delivery.
			return nil
		}

		return tx.UpdateOrderState(ctx, order)
	})
	if err != nil {
		// Free the guard so a redelivery of this event is processed, and a
		// mismatch keeps resurfacing instead of being absorbed.
		if fresh {
			s.releaseGuard(guardKey)
		}

		var mismatch *domain.PaymentAmountMismatchError
		if errors.As(err, &mismatch) {
			metrics.PaymentEventsTotal.WithLabelValues("mismatch").Inc()
			s.logger.Error("payment_amount_mismatch",
				zap.String("payment_intent_id", ev.PaymentIntentID),
				zap.String("order_id", mismatch.OrderID),
				zap.String("want", mismatch.Want.String()),
				zap.String("got", mismatch.Got.String()),
			)
			return err
		}

		metrics.PaymentEventsTotal.WithLabelValues("error").Inc()
		return err
	}

	if applied {
		metrics.PaymentEventsTotal.WithLabelValues("applied").Inc()
	} else {
		metrics.PaymentEventsTotal.WithLabelValues("replay").Inc()
		s.logger.Info("payment_event_ignored",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("outcome", string(ev.Outcome)),
		)
	}
	return nil
}

// RecordRefund moves a successful payment to refunded, unlocking
// cancellation of the paid order.
func (s *Payments) RecordRefund(ctx context.Context, orderID string) (*domain.Order, error) {
	var updated *domain.Order

	err := s.store.WithinTx(ctx, func(tx port.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.RecordRefund(); err != nil {
			return err
		}
		if err := tx.UpdateOrderState(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund_recorded", zap.String("order_id", orderID))
	return updated, nil
}

func (s *Payments) releaseGuard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), guardReleaseTimeout)
	defer cancel()
	if err := s.cache.Release(ctx, key); err != nil {
		s.logger.Warn("payment_guard_release_failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
