package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/adapter/storage"
	"github.com/dnguyenv/storefront/internal/core/domain"
)

func newCartEnv(t *testing.T) (*storage.MemoryStore, *Carts) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.SeedProduct(domain.Product{
		ID:           "p1",
		Name:         "Product p1",
		Price:        decimal.RequireFromString("9.99"),
		CountInStock: 10,
	})
	return store, NewCarts(store, zap.NewNop())
}

func TestCarts_AddItemReplacesQuantity(t *testing.T) {
	_, carts := newCartEnv(t)
	ctx := context.Background()

	require.NoError(t, carts.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, carts.AddItem(ctx, "u1", "p1", 5))

	cart, err := carts.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1, "a product appears at most once per cart")
	assert.Equal(t, 5, cart.Items[0].Quantity)
}

func TestCarts_AddItemValidation(t *testing.T) {
	_, carts := newCartEnv(t)
	ctx := context.Background()
	var ve *domain.ValidationError

	require.ErrorAs(t, carts.AddItem(ctx, "", "p1", 1), &ve)
	require.ErrorAs(t, carts.AddItem(ctx, "u1", "p1", 0), &ve)
	require.ErrorAs(t, carts.AddItem(ctx, "u1", "ghost", 1), &ve)
}

func TestCarts_RemoveItem(t *testing.T) {
	_, carts := newCartEnv(t)
	ctx := context.Background()

	require.NoError(t, carts.AddItem(ctx, "u1", "p1", 2))
	require.NoError(t, carts.RemoveItem(ctx, "u1", "p1"))

	cart, err := carts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())

	// Removing from a cart that never existed is not an error.
	require.NoError(t, carts.RemoveItem(ctx, "u2", "p1"))
}

func TestCarts_GetForNewUserIsEmpty(t *testing.T) {
	_, carts := newCartEnv(t)

	cart, err := carts.Get(context.Background(), "fresh-user")
	require.NoError(t, err)
	assert.Equal(t, "fresh-user", cart.UserID)
	assert.True(t, cart.IsEmpty())
}
