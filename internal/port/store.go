package port

import (
	"context"

	"github.com/dnguyenv/storefront/internal/core/domain"
)

// Store is the persistence gateway used by the core services. It exposes
// reads, conditional/atomic updates and a multi-statement transaction
// primitive; it never leaks SQL or storage format into the core.
type Store interface {
	// WithinTx runs fn against a transactional view of the store. All
	// writes inside fn commit atomically or not at all; the checkout flow
	// relies on this single commit point.
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	// GetProduct returns domain.ErrNotFound for an unknown id.
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)

	// DecrementStock conditionally subtracts qty from the product's stock.
	// It must be a single atomic conditional update ("decrement by N where
	// stock >= N"), never a read-then-write pair. It reports false, with no
	// change, when stock is insufficient.
	DecrementStock(ctx context.Context, productID string, qty int) (bool, error)

	// RestoreStock is the compensating inverse of DecrementStock.
	RestoreStock(ctx context.Context, productID string, qty int) error

	// GetCart returns the user's cart with items, or domain.ErrNotFound if
	// the user has never added anything.
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)

	// UpsertCartItem creates the cart lazily and sets the quantity for the
	// product, replacing any existing line for it.
	UpsertCartItem(ctx context.Context, userID, productID string, qty int) error

	RemoveCartItem(ctx context.Context, userID, productID string) error

	// ClearCart empties the cart but keeps the cart row.
	ClearCart(ctx context.Context, cartID string) error

	// GetAddress returns the address only when it belongs to the user.
	GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error)

	// InsertOrder persists the order with its items. It returns
	// domain.ErrConflict when (user, idempotency key) already exists.
	InsertOrder(ctx context.Context, order *domain.Order) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error)
	GetOrderByPaymentIntent(ctx context.Context, intentID string) (*domain.Order, error)

	// UpdateOrderState persists status, payment status and payment intent.
	// Totals and items are immutable and never updated.
	UpdateOrderState(ctx context.Context, order *domain.Order) error

	GetReview(ctx context.Context, productID, userID string) (*domain.Review, error)
	UpsertReview(ctx context.Context, review *domain.Review) error
	DeleteReview(ctx context.Context, productID, userID string) error

	// RecomputeProductRating rewrites the product's rating and review count
	// from the review rows themselves. Called in the same transaction as
	// every review write, so the summary can never drift.
	RecomputeProductRating(ctx context.Context, productID string) error
}
