package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/pkg/metrics"
	"github.com/dnguyenv/storefront/internal/port"
)

const (
	defaultCheckoutTimeout = 5 * time.Second
	idempotencyGuardTTL    = 24 * time.Hour
	guardReleaseTimeout    = 2 * time.Second
)

// Checkout converts a mutable cart into an immutable order: it validates,
// reserves stock, snapshots prices and persists the order in one
// transaction, so no observer ever sees stock decremented without a
// matching order or vice versa.
type Checkout struct {
	store   port.Store
	cache   port.Cache
	logger  *zap.Logger
	timeout time.Duration
}

func NewCheckout(store port.Store, cache port.Cache, logger *zap.Logger, timeout time.Duration) *Checkout {
	if timeout <= 0 {
		timeout = defaultCheckoutTimeout
	}
	return &Checkout{
		store:   store,
		cache:   cache,
		logger:  logger,
		timeout: timeout,
	}
}

// PlaceOrder runs the checkout transaction for the user's cart.
//
// Re-invocation with the same idempotency key returns the original order:
// a committed order is found by key lookup, an in-flight attempt is fenced
// by the cache guard, and a lost race on the unique (user, key) index is
// resolved by re-reading the winner.
func (s *Checkout) PlaceOrder(ctx context.Context, userID, shippingAddressID, idempotencyKey string) (*domain.Order, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user id is required")
	}
	if shippingAddressID == "" {
		return nil, domain.NewValidationError("shipping address id is required")
	}
	if idempotencyKey == "" {
		return nil, domain.NewValidationError("idempotency key is required")
	}

	if existing, err := s.store.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey); err == nil {
		metrics.CheckoutTotal.WithLabelValues("replay").Inc()
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("checkout: idempotency lookup: %w", err)
	}

	guardKey := "checkout:" + userID + ":" + idempotencyKey
	ok, err := s.cache.AcquireOnce(ctx, guardKey, idempotencyGuardTTL)
	if err != nil {
		return nil, fmt.Errorf("checkout: idempotency guard: %w", err)
	}
	if !ok {
		// Another attempt under this key either committed or is still in
		// flight. Re-check the store before reporting the duplicate; a
		// failing lookup is a store error, not a duplicate.
		existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey)
		switch {
		case lookupErr == nil:
			metrics.CheckoutTotal.WithLabelValues("replay").Inc()
			return existing, nil
		case errors.Is(lookupErr, domain.ErrNotFound):
			return nil, domain.ErrDuplicateRequest
		default:
			return nil, fmt.Errorf("checkout: idempotency lookup: %w", lookupErr)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	order, err := s.placeOrderTx(ctx, userID, shippingAddressID, idempotencyKey)
	metrics.CheckoutDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.releaseGuard(guardKey)

		if errors.Is(err, domain.ErrConflict) {
			// A concurrent retry won the unique (user, key) insert.
			if existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey); lookupErr == nil {
				metrics.CheckoutTotal.WithLabelValues("replay").Inc()
				return existing, nil
			}
		}

		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			metrics.CheckoutTotal.WithLabelValues("insufficient_stock").Inc()
		case isValidation(err):
			metrics.CheckoutTotal.WithLabelValues("validation").Inc()
		default:
			metrics.CheckoutTotal.WithLabelValues("error").Inc()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			// The transaction was rolled back with it; the client may retry.
			err = fmt.Errorf("checkout timed out: %w", domain.ErrConcurrencyConflict)
		}

		s.logger.Warn("checkout_failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.CheckoutTotal.WithLabelValues("success").Inc()
	s.logger.Info("checkout_succeeded",
		zap.String("user_id", userID),
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.String()),
		zap.Int("lines", len(order.Items)),
	)
	return order, nil
}

func (s *Checkout) placeOrderTx(ctx context.Context, userID, shippingAddressID, idempotencyKey string) (*domain.Order, error) {
	var placed *domain.Order

	err := s.store.WithinTx(ctx, func(tx port.Store) error {
		cart, err := tx.GetCart(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("cart is empty")
		}
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if cart.IsEmpty() {
			return domain.NewValidationError("cart is empty")
		}

		addr, err := tx.GetAddress(ctx, userID, shippingAddressID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("shipping address %s does not exist or does not belong to the user", shippingAddressID)
		}
		if err != nil {
			return fmt.Errorf("load address: %w", err)
		}

		items := make([]domain.OrderItem, 0, len(cart.Items))
		var outOfStock []string
		for _, line := range cart.Items {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if err != nil {
				return fmt.Errorf("load product %s: %w", line.ProductID, err)
			}

			ok, err := tx.DecrementStock(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return fmt.Errorf("reserve stock for %s: %w", line.ProductID, err)
			}
			if !ok {
				// Keep going so the error names every unavailable product.
				outOfStock = append(outOfStock, line.ProductID)
				continue
			}

			items = append(items, domain.OrderItem{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Price:     product.Price,
			})
		}
		if len(outOfStock) > 0 {
			return &domain.InsufficientStockError{ProductIDs: outOfStock}
		}

		order, err := domain.NewOrder(uuid.NewString(), userID, idempotencyKey, domain.SnapshotAddress(*addr), items)
		if err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if err := tx.ClearCart(ctx, cart.ID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}

		placed = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// CancelOrder cancels a not-yet-shipped order and restores the stock its
// items reserved, in one transaction. A paid order is rejected until a
// refund has been recorded.
func (s *Checkout) CancelOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	var cancelled *domain.Order

	err := s.store.WithinTx(ctx, func(tx port.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return domain.ErrNotFound
		}

		if err := order.Cancel(); err != nil {
			return err
		}

		for _, it := range order.Items {
			if err := tx.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
				return fmt.Errorf("restore stock for %s: %w", it.ProductID, err)
			}
		}
		if err := tx.UpdateOrderState(ctx, order); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order_cancelled",
		zap.String("order_id", orderID),
		zap.String("payment_status", string(cancelled.PaymentStatus)),
	)
	return cancelled, nil
}

// MarkShipped advances fulfillment; it fails unless the payment succeeded.
func (s *Checkout) MarkShipped(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(o *domain.Order) error { return o.MarkShipped() })
}

func (s *Checkout) MarkDelivered(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(o *domain.Order) error { return o.MarkDelivered() })
}

func (s *Checkout) GetOrder(ctx context.Context, userID, orderID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return order, nil
}

func (s *Checkout) transition(ctx context.Context, orderID string, apply func(*domain.Order) error) (*domain.Order, error) {
	var updated *domain.Order
	err := s.store.WithinTx(ctx, func(tx port.Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := apply(order); err != nil {
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

func (s *Checkout) releaseGuard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), guardReleaseTimeout)
	defer cancel()
	if err := s.cache.Release(ctx, key); err != nil {
		s.logger.Warn("idempotency_guard_release_failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func isValidation(err error) bool {
	var ve *domain.ValidationError
	return errors.As(err, &ve)
}
