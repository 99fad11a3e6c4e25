package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/port"
)

// MemoryStore is an in-memory port.Store for tests, the load generator and
// local runs without MySQL. A transaction holds the store lock for its whole
// body and restores a snapshot on error, which gives the same all-or-nothing
// and serialization guarantees the SQL store gets from row locks.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	products  map[string]domain.Product
	addresses map[string]domain.Address
	carts     map[string]domain.Cart              // by user id
	orders    map[string]domain.Order             // by order id
	byUserKey map[string]string                   // user id + "\x00" + idempotency key -> order id
	byIntent  map[string]string                   // payment intent id -> order id
	reviews   map[string]map[string]domain.Review // product id -> user id -> review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		products:  make(map[string]domain.Product),
		addresses: make(map[string]domain.Address),
		carts:     make(map[string]domain.Cart),
		orders:    make(map[string]domain.Order),
		byUserKey: make(map[string]string),
		byIntent:  make(map[string]string),
		reviews:   make(map[string]map[string]domain.Review),
	}}
}

// SeedProduct inserts or replaces a catalogue row.
func (m *MemoryStore) SeedProduct(p domain.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.products[p.ID] = p
}

// SeedAddress inserts or replaces an address-book row.
func (m *MemoryStore) SeedAddress(a domain.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.addresses[a.ID] = a
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx port.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memTx{state: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// The non-transactional methods take the lock per call and delegate to the
// same unlocked implementation a transaction uses.

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetProduct(ctx, id)
}

func (m *MemoryStore) DecrementStock(ctx context.Context, id string, qty int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).DecrementStock(ctx, id, qty)
}

func (m *MemoryStore) RestoreStock(ctx context.Context, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).RestoreStock(ctx, id, qty)
}

func (m *MemoryStore) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetCart(ctx, userID)
}

func (m *MemoryStore) UpsertCartItem(ctx context.Context, userID, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).UpsertCartItem(ctx, userID, productID, qty)
}

func (m *MemoryStore) RemoveCartItem(ctx context.Context, userID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).RemoveCartItem(ctx, userID, productID)
}

func (m *MemoryStore) ClearCart(ctx context.Context, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).ClearCart(ctx, cartID)
}

func (m *MemoryStore) GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetAddress(ctx, userID, addressID)
}

func (m *MemoryStore) InsertOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).InsertOrder(ctx, order)
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetOrder(ctx, orderID)
}

func (m *MemoryStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetOrderByIdempotencyKey(ctx, userID, key)
}

func (m *MemoryStore) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetOrderByPaymentIntent(ctx, intentID)
}

func (m *MemoryStore) UpdateOrderState(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).UpdateOrderState(ctx, order)
}

func (m *MemoryStore) GetReview(ctx context.Context, productID, userID string) (*domain.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).GetReview(ctx, productID, userID)
}

func (m *MemoryStore) UpsertReview(ctx context.Context, review *domain.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).UpsertReview(ctx, review)
}

func (m *MemoryStore) DeleteReview(ctx context.Context, productID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).DeleteReview(ctx, productID, userID)
}

func (m *MemoryStore) RecomputeProductRating(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{state: m.state}).RecomputeProductRating(ctx, productID)
}

// memTx runs under the store lock held by WithinTx and therefore never
// locks itself. Every operation honors the context, matching the SQL
// store, so a deadline expiring mid-transaction aborts and rolls back.
type memTx struct {
	state *memState
}

func (t *memTx) WithinTx(ctx context.Context, fn func(tx port.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Already inside the transaction; just run.
	return fn(t)
}

func (t *memTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := t.state.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (t *memTx) DecrementStock(ctx context.Context, id string, qty int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, ok := t.state.products[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.CountInStock < qty {
		return false, nil
	}
	p.CountInStock -= qty
	p.UpdatedAt = time.Now().UTC()
	t.state.products[id] = p
	return true, nil
}

func (t *memTx) RestoreStock(ctx context.Context, id string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := t.state.products[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.CountInStock += qty
	p.UpdatedAt = time.Now().UTC()
	t.state.products[id] = p
	return nil
}

func (t *memTx) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := t.state.carts[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := c
	cp.Items = append([]domain.CartItem(nil), c.Items...)
	return &cp, nil
}

func (t *memTx) UpsertCartItem(ctx context.Context, userID, productID string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := t.state.carts[userID]
	if !ok {
		now := time.Now().UTC()
		c = domain.Cart{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	}
	replaced := false
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity = qty
			replaced = true
			break
		}
	}
	if !replaced {
		c.Items = append(c.Items, domain.CartItem{ProductID: productID, Quantity: qty})
	}
	c.UpdatedAt = time.Now().UTC()
	t.state.carts[userID] = c
	return nil
}

func (t *memTx) RemoveCartItem(ctx context.Context, userID, productID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := t.state.carts[userID]
	if !ok {
		return nil
	}
	items := c.Items[:0]
	for _, it := range c.Items {
		if it.ProductID != productID {
			items = append(items, it)
		}
	}
	c.Items = items
	c.UpdatedAt = time.Now().UTC()
	t.state.carts[userID] = c
	return nil
}

func (t *memTx) ClearCart(ctx context.Context, cartID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for userID, c := range t.state.carts {
		if c.ID == cartID {
			c.Items = nil
			c.UpdatedAt = time.Now().UTC()
			t.state.carts[userID] = c
			return nil
		}
	}
	return domain.ErrNotFound
}

func (t *memTx) GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, ok := t.state.addresses[addressID]
	if !ok || a.UserID != userID {
		return nil, domain.ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := order.UserID + "\x00" + order.IdempotencyKey
	if _, exists := t.state.byUserKey[key]; exists {
		return domain.ErrConflict
	}
	if _, exists := t.state.orders[order.ID]; exists {
		return domain.ErrConflict
	}
	cp := *order
	cp.Items = append([]domain.OrderItem(nil), order.Items...)
	t.state.orders[order.ID] = cp
	t.state.byUserKey[key] = order.ID
	return nil
}

func (t *memTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, ok := t.state.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp, nil
}

func (t *memTx) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := t.state.byUserKey[userID+"\x00"+key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.GetOrder(ctx, id)
}

func (t *memTx) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, ok := t.state.byIntent[intentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.GetOrder(ctx, id)
}

func (t *memTx) UpdateOrderState(ctx context.Context, order *domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored, ok := t.state.orders[order.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Status = order.Status
	stored.PaymentStatus = order.PaymentStatus
	stored.PaymentIntentID = order.PaymentIntentID
	stored.UpdatedAt = order.UpdatedAt
	t.state.orders[order.ID] = stored
	if order.PaymentIntentID != "" {
		t.state.byIntent[order.PaymentIntentID] = order.ID
	}
	return nil
}

func (t *memTx) GetReview(ctx context.Context, productID, userID string) (*domain.Review, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := t.state.reviews[productID][userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (t *memTx) UpsertReview(ctx context.Context, review *domain.Review) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	byUser, ok := t.state.reviews[review.ProductID]
	if !ok {
		byUser = make(map[string]domain.Review)
		t.state.reviews[review.ProductID] = byUser
	}
	if existing, exists := byUser[review.UserID]; exists {
		review.CreatedAt = existing.CreatedAt
	}
	byUser[review.UserID] = *review
	return nil
}

func (t *memTx) DeleteReview(ctx context.Context, productID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	byUser, ok := t.state.reviews[productID]
	if !ok {
		return domain.ErrNotFound
	}
	if _, exists := byUser[userID]; !exists {
		return domain.ErrNotFound
	}
	delete(byUser, userID)
	return nil
}

func (t *memTx) RecomputeProductRating(ctx context.Context, productID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := t.state.products[productID]
	if !ok {
		return domain.ErrNotFound
	}

	byUser := t.state.reviews[productID]
	count := len(byUser)
	if count == 0 {
		p.Rating = decimal.Zero
		p.NumReviews = 0
	} else {
		sum := decimal.Zero
		for _, r := range byUser {
			sum = sum.Add(decimal.NewFromInt(int64(r.Rating)))
		}
		p.Rating = sum.Div(decimal.NewFromInt(int64(count))).Round(2)
		p.NumReviews = count
	}
	p.UpdatedAt = time.Now().UTC()
	t.state.products[productID] = p
	return nil
}

func (s *memState) clone() *memState {
	cp := &memState{
		products:  make(map[string]domain.Product, len(s.products)),
		addresses: make(map[string]domain.Address, len(s.addresses)),
		carts:     make(map[string]domain.Cart, len(s.carts)),
		orders:    make(map[string]domain.Order, len(s.orders)),
		byUserKey: make(map[string]string, len(s.byUserKey)),
		byIntent:  make(map[string]string, len(s.byIntent)),
		reviews:   make(map[string]map[string]domain.Review, len(s.reviews)),
	}
	for k, v := range s.products {
		cp.products[k] = v
	}
	for k, v := range s.addresses {
		cp.addresses[k] = v
	}
	for k, v := range s.carts {
		v.Items = append([]domain.CartItem(nil), v.Items...)
		cp.carts[k] = v
	}
	for k, v := range s.orders {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		cp.orders[k] = v
	}
	for k, v := range s.byUserKey {
		cp.byUserKey[k] = v
	}
	for k, v := range s.byIntent {
		cp.byIntent[k] = v
	}
	for k, byUser := range s.reviews {
		inner := make(map[string]domain.Review, len(byUser))
		for u, r := range byUser {
			inner[u] = r
		}
		cp.reviews[k] = inner
	}
	return cp
}

// MemoryCache is an in-process port.Cache for tests and local runs.
type MemoryCache struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{keys: make(map[string]time.Time)}
}

func (c *MemoryCache) AcquireOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.keys[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	c.keys[key] = time.Now().Add(ttl)
	return true, nil
}

func (c *MemoryCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}
