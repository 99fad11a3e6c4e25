package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/port"
)

// Carts manages the mutable pre-purchase selection. The cart is created
// lazily on first add; a product appears at most once per cart.
type Carts struct {
	store  port.Store
	logger *zap.Logger
}

func NewCarts(store port.Store, logger *zap.Logger) *Carts {
	return &Carts{store: store, logger: logger}
}

// AddItem sets the quantity for a product in the user's cart, replacing
// any existing line for the same product.
func (s *Carts) AddItem(ctx context.Context, userID, productID string, qty int) error {
	if userID == "" {
		return domain.NewValidationError("user id is required")
	}
	if qty < 1 {
		return domain.NewValidationError("quantity must be at least 1")
	}

	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("product %s does not exist", productID)
		}
		return fmt.Errorf("cart: load product: %w", err)
	}

	if err := s.store.UpsertCartItem(ctx, userID, productID, qty); err != nil {
		return fmt.Errorf("cart: upsert item: %w", err)
	}
	return nil
}

func (s *Carts) RemoveItem(ctx context.Context, userID, productID string) error {
	if err := s.store.RemoveCartItem(ctx, userID, productID); err != nil {
		return fmt.Errorf("cart: remove item: %w", err)
	}
	return nil
}

// Get returns the user's cart; a user who never added anything gets an
// empty cart rather than an error.
func (s *Carts) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.store.GetCart(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.Cart{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cart: load: %w", err)
	}
	return cart, nil
}
