package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/adapter/storage"
	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/port"
)

// slowStore delays the checkout transaction so a short deadline expires
// before any write happens.
type slowStore struct {
	port.Store
	delay time.Duration
}

func (s *slowStore) WithinTx(ctx context.Context, fn func(tx port.Store) error) error {
	time.Sleep(s.delay)
	return s.Store.WithinTx(ctx, fn)
}

// failingLookupStore serves the first idempotency lookup from the real
// store and fails every later one.
type failingLookupStore struct {
	port.Store
	calls atomic.Int32
	err   error
}

func (s *failingLookupStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	if s.calls.Add(1) > 1 {
		return nil, s.err
	}
	return s.Store.GetOrderByIdempotencyKey(ctx, userID, key)
}

type checkoutEnv struct {
	store    *storage.MemoryStore
	cache    *storage.MemoryCache
	checkout *Checkout
}

func newCheckoutEnv(t *testing.T) *checkoutEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache()
	return &checkoutEnv{
		store:    store,
		cache:    cache,
		checkout: NewCheckout(store, cache, zap.NewNop(), 0),
	}
}

func (e *checkoutEnv) seedProduct(id, price string, stock int) {
	e.store.SeedProduct(domain.Product{
		ID:           id,
		Name:         "Product " + id,
		Price:        decimal.RequireFromString(price),
		CountInStock: stock,
	})
}

func (e *checkoutEnv) seedBuyer(t *testing.T, userID string, items ...domain.CartItem) string {
	t.Helper()
	addrID := "addr-" + userID
	e.store.SeedAddress(domain.Address{
		ID: addrID, UserID: userID, FullName: "Buyer " + userID,
		Line1: "1 Main St", City: "Springfield", PostalCode: "00000", Country: "US",
	})
	for _, it := range items {
		if err := e.store.UpsertCartItem(context.Background(), userID, it.ProductID, it.Quantity); err != nil {
			t.Fatalf("seed cart: %v", err)
		}
	}
	return addrID
}

func (e *checkoutEnv) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := e.store.GetProduct(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return p.CountInStock
}

func TestPlaceOrder_Success(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "19.99", 10)
	env.seedProduct("p2", "5.00", 10)
	addrID := env.seedBuyer(t, "u1",
		domain.CartItem{ProductID: "p1", Quantity: 3},
		domain.CartItem{ProductID: "p2", Quantity: 1},
	)

	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)

	assert.True(t, order.Total.Equal(decimal.RequireFromString("64.97")),
		"total %s", order.Total)
	assert.Equal(t, domain.StatusPending, order.Status)
	assert.Equal(t, domain.PaymentPending, order.PaymentStatus)
	assert.Len(t, order.Items, 2)

	// Stock reserved, cart emptied.
	assert.Equal(t, 7, env.stock(t, "p1"))
	assert.Equal(t, 9, env.stock(t, "p2"))
	cart, err := env.store.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())

	// The snapshot is persisted, not just returned.
	stored, err := env.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, stored.Total.Equal(order.Total))
	assert.Equal(t, "Buyer u1", stored.ShippingAddress.FullName)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	env := newCheckoutEnv(t)
	addrID := env.seedBuyer(t, "u1")

	_, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestPlaceOrder_UnknownAddress(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "1.00", 5)
	env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	_, err := env.checkout.PlaceOrder(context.Background(), "u1", "addr-someone-else", "key-1")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	// Validation failures reserve nothing.
	assert.Equal(t, 5, env.stock(t, "p1"))
}

func TestPlaceOrder_MissingInputs(t *testing.T) {
	env := newCheckoutEnv(t)
	var ve *domain.ValidationError

	_, err := env.checkout.PlaceOrder(context.Background(), "", "a", "k")
	require.ErrorAs(t, err, &ve)
	_, err = env.checkout.PlaceOrder(context.Background(), "u", "", "k")
	require.ErrorAs(t, err, &ve)
	_, err = env.checkout.PlaceOrder(context.Background(), "u", "a", "")
	require.ErrorAs(t, err, &ve)
}

func TestPlaceOrder_InsufficientStockNamesEveryProduct(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 1)
	env.seedProduct("p2", "20.00", 100)
	env.seedProduct("p3", "30.00", 0)
	addrID := env.seedBuyer(t, "u1",
		domain.CartItem{ProductID: "p1", Quantity: 2},
		domain.CartItem{ProductID: "p2", Quantity: 1},
		domain.CartItem{ProductID: "p3", Quantity: 1},
	)

	_, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	var stock *domain.InsufficientStockError
	require.ErrorAs(t, err, &stock)
	assert.ElementsMatch(t, []string{"p1", "p3"}, stock.ProductIDs)

	// The rollback must undo the p2 decrement that happened before the abort.
	assert.Equal(t, 1, env.stock(t, "p1"))
	assert.Equal(t, 100, env.stock(t, "p2"))

	// The cart survives a failed checkout.
	cart, err := env.store.GetCart(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, cart.Items, 3)
}

func TestPlaceOrder_IdempotentRetryReturnsOriginal(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "19.99", 10)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 2})

	first, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)

	// Same key again: same order, no second reservation, even though the
	// cart is now empty.
	second, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 8, env.stock(t, "p1"))
}

func TestPlaceOrder_SameKeyDifferentUsersAreIndependent(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 10)
	addr1 := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})
	addr2 := env.seedBuyer(t, "u2", domain.CartItem{ProductID: "p1", Quantity: 1})

	o1, err := env.checkout.PlaceOrder(context.Background(), "u1", addr1, "shared-key")
	require.NoError(t, err)
	o2, err := env.checkout.PlaceOrder(context.Background(), "u2", addr2, "shared-key")
	require.NoError(t, err)

	assert.NotEqual(t, o1.ID, o2.ID)
	assert.Equal(t, 8, env.stock(t, "p1"))
}

func TestPlaceOrder_InFlightDuplicateIsRejected(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 10)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	// Simulate a first attempt that acquired the guard and has not committed.
	held, err := env.cache.AcquireOnce(context.Background(), "checkout:u1:key-1", idempotencyGuardTTL)
	require.NoError(t, err)
	require.True(t, held)

	_, err = env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
	assert.Equal(t, 10, env.stock(t, "p1"))
}

func TestPlaceOrder_GuardReleasedAfterFailure(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 0)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	_, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	// After restocking, the same key must be usable again.
	env.seedProduct("p1", "10.00", 1)
	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
}

func TestPlaceOrder_LastUnitRace(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "99.99", 1)

	const buyers = 16
	addrs := make([]string, buyers)
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("u%d", i)
		addrs[i] = env.seedBuyer(t, userID, domain.CartItem{ProductID: "p1", Quantity: 1})
	}

	var won, soldOut, failed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", i)
			_, err := env.checkout.PlaceOrder(context.Background(), userID, addrs[i], "key-"+userID)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			default:
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load(), "exactly one buyer gets the last unit")
	assert.Equal(t, int32(buyers-1), soldOut.Load())
	assert.Equal(t, int32(0), failed.Load())
	assert.Equal(t, 0, env.stock(t, "p1"))
}

func TestPlaceOrder_ConcurrentBuyersNeverOversell(t *testing.T) {
	env := newCheckoutEnv(t)
	const (
		stock  = 20
		buyers = 50
	)
	env.seedProduct("p1", "19.99", stock)

	addrs := make([]string, buyers)
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("u%d", i)
		addrs[i] = env.seedBuyer(t, userID, domain.CartItem{ProductID: "p1", Quantity: 1})
	}

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", i)
			if _, err := env.checkout.PlaceOrder(context.Background(), userID, addrs[i], "key-"+userID); err == nil {
				won.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(stock), won.Load())
	assert.Equal(t, 0, env.stock(t, "p1"))
}

func TestPlaceOrder_ConcurrentSameKeyDecrementsOnce(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 10)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	const attempts = 8
	orders := make([]*domain.Order, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orders[i], errs[i] = env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
		}(i)
	}
	wg.Wait()

	var placedID string
	for i := 0; i < attempts; i++ {
		switch {
		case errs[i] == nil:
			if placedID == "" {
				placedID = orders[i].ID
			}
			assert.Equal(t, placedID, orders[i].ID, "every winner sees the same order")
		case errors.Is(errs[i], domain.ErrDuplicateRequest):
			// Fenced while the first attempt was in flight.
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, errs[i])
		}
	}
	require.NotEmpty(t, placedID, "at least one attempt must commit")
	assert.Equal(t, 9, env.stock(t, "p1"), "the key reserved stock exactly once")
}

func TestCancelOrder_RestoresStock(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 3})

	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)
	require.Equal(t, 2, env.stock(t, "p1"))

	cancelled, err := env.checkout.CancelOrder(context.Background(), "u1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, 5, env.stock(t, "p1"))
}

func TestCancelOrder_RejectedWhilePaid(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)

	payments := NewPayments(env.store, env.cache, zap.NewNop())
	_, err = payments.StartPayment(context.Background(), "u1", order.ID, "pi_1")
	require.NoError(t, err)
	require.NoError(t, payments.ApplyPaymentEvent(context.Background(), PaymentEvent{
		PaymentIntentID: "pi_1",
		Outcome:         OutcomeSucceeded,
		Amount:          order.Total,
	}))

	_, err = env.checkout.CancelOrder(context.Background(), "u1", order.ID)
	var transition *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	// The failed cancellation must not restore stock.
	assert.Equal(t, 4, env.stock(t, "p1"))

	// Refund first, then cancel.
	_, err = payments.RecordRefund(context.Background(), order.ID)
	require.NoError(t, err)
	cancelled, err := env.checkout.CancelOrder(context.Background(), "u1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, 5, env.stock(t, "p1"))
}

func TestCancelOrder_WrongUserGetsNotFound(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)

	_, err = env.checkout.CancelOrder(context.Background(), "u2", order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkShipped_RequiresPayment(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)

	_, err = env.checkout.MarkShipped(context.Background(), order.ID)
	var transition *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transition)

	payments := NewPayments(env.store, env.cache, zap.NewNop())
	_, err = payments.StartPayment(context.Background(), "u1", order.ID, "pi_1")
	require.NoError(t, err)
	require.NoError(t, payments.ApplyPaymentEvent(context.Background(), PaymentEvent{
		PaymentIntentID: "pi_1",
		Outcome:         OutcomeSucceeded,
		Amount:          order.Total,
	}))

	shipped, err := env.checkout.MarkShipped(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, shipped.Status)

	delivered, err := env.checkout.MarkDelivered(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, delivered.Status)
}

func TestGetOrder_OwnershipEnforced(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)

	got, err := env.checkout.GetOrder(context.Background(), "u1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = env.checkout.GetOrder(context.Background(), "u2", order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceOrder_TimeoutIsRetryable(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	hurried := NewCheckout(
		&slowStore{Store: env.store, delay: 50 * time.Millisecond},
		env.cache, zap.NewNop(), 5*time.Millisecond,
	)
	_, err := hurried.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	// The timed-out attempt reserved nothing.
	assert.Equal(t, 5, env.stock(t, "p1"))

	// The guard was released, so the same key succeeds on retry.
	order, err := env.checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, order.Status)
	assert.Equal(t, 4, env.stock(t, "p1"))
}

func TestPlaceOrder_GuardHeldLookupFailureSurfaces(t *testing.T) {
	env := newCheckoutEnv(t)
	env.seedProduct("p1", "10.00", 5)
	addrID := env.seedBuyer(t, "u1", domain.CartItem{ProductID: "p1", Quantity: 1})

	held, err := env.cache.AcquireOnce(context.Background(), "checkout:u1:key-1", idempotencyGuardTTL)
	require.NoError(t, err)
	require.True(t, held)

	storeDown := errors.New("store down")
	checkout := NewCheckout(
		&failingLookupStore{Store: env.store, err: storeDown},
		env.cache, zap.NewNop(), 0,
	)

	// With the guard held and the re-read failing, the store error must
	// surface instead of being reported as a duplicate.
	_, err = checkout.PlaceOrder(context.Background(), "u1", addrID, "key-1")
	require.ErrorIs(t, err, storeDown)
	assert.NotErrorIs(t, err, domain.ErrDuplicateRequest)
}
