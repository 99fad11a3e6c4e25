package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/port"
)

const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
)

func isMySQLErr(err error, number uint16) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == number
}

// MySQLStore implements port.Store on MySQL. Stock decrements and rating
// recomputes are single conditional/atomic statements, never read-then-write
// pairs; everything else relies on InnoDB row locks inside the transaction.
type MySQLStore struct {
	db *sql.DB
	tx *sql.Tx
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *MySQLStore) q() queryer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// lock appends FOR UPDATE inside a transaction so reads take the row locks
// the later writes depend on.
func (s *MySQLStore) lock() string {
	if s.tx != nil {
		return " FOR UPDATE"
	}
	return ""
}

func (s *MySQLStore) WithinTx(ctx context.Context, fn func(tx port.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&MySQLStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.q().QueryRowContext(ctx, `
		SELECT id, name, price, count_in_stock, rating, num_reviews, created_at, updated_at
		FROM products WHERE id = ?`+s.lock(), productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.CountInStock, &p.Rating, &p.NumReviews, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (s *MySQLStore) DecrementStock(ctx context.Context, productID string, qty int) (bool, error) {
	result, err := s.q().ExecContext(ctx, `
		UPDATE products
		SET count_in_stock = count_in_stock - ?, updated_at = NOW()
		WHERE id = ? AND count_in_stock >= ?`,
		qty, productID, qty,
	)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *MySQLStore) RestoreStock(ctx context.Context, productID string, qty int) error {
	result, err := s.q().ExecContext(ctx, `
		UPDATE products
		SET count_in_stock = count_in_stock + ?, updated_at = NOW()
		WHERE id = ?`,
		qty, productID,
	)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *MySQLStore) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	var c domain.Cart
	err := s.q().QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM carts WHERE user_id = ?`+s.lock(), userID,
	).Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}

	// Stable line order keeps concurrent checkouts locking product rows in
	// the same sequence, which avoids deadlocks between carts.
	rows, err := s.q().QueryContext(ctx, `
		SELECT product_id, quantity
		FROM cart_items WHERE cart_id = ?
		ORDER BY product_id`, c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.CartItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		c.Items = append(c.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart items: %w", err)
	}
	return &c, nil
}

// UpsertCartItem sets the quantity for the product in the user's cart,
// creating the cart on first use. Two concurrent first adds can both miss
// the FOR UPDATE read and race the cart insert: the loser's duplicate-entry
// re-reads the winner's row, and a deadlock between their gap locks retries
// the whole transaction.
func (s *MySQLStore) UpsertCartItem(ctx context.Context, userID, productID string, qty int) error {
	attempts := 3
	if s.tx != nil {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = s.upsertCartItem(ctx, userID, productID, qty)
		if err == nil || !isMySQLErr(err, mysqlDeadlock) {
			return err
		}
	}
	return err
}

func (s *MySQLStore) upsertCartItem(ctx context.Context, userID, productID string, qty int) error {
	return s.WithinTx(ctx, func(tx port.Store) error {
		st := tx.(*MySQLStore)

		var cartID string
		err := st.q().QueryRowContext(ctx,
			`SELECT id FROM carts WHERE user_id = ? FOR UPDATE`, userID,
		).Scan(&cartID)
		if errors.Is(err, sql.ErrNoRows) {
			cartID = uuid.NewString()
			_, err := st.q().ExecContext(ctx, `
				INSERT INTO carts (id, user_id, created_at, updated_at)
				VALUES (?, ?, NOW(), NOW())`, cartID, userID,
			)
			if isMySQLErr(err, mysqlDuplicateEntry) {
				// Lost the first-insert race; lock and reuse the winner's cart.
				if err := st.q().QueryRowContext(ctx,
					`SELECT id FROM carts WHERE user_id = ? FOR UPDATE`, userID,
				).Scan(&cartID); err != nil {
					return fmt.Errorf("re-read cart id: %w", err)
				}
			} else if err != nil {
				return fmt.Errorf("insert cart: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("query cart id: %w", err)
		}

		if _, err := st.q().ExecContext(ctx, `
			INSERT INTO cart_items (cart_id, product_id, quantity)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE quantity = VALUES(quantity)`,
			cartID, productID, qty,
		); err != nil {
			return fmt.Errorf("upsert cart item: %w", err)
		}

		_, err = st.q().ExecContext(ctx,
			`UPDATE carts SET updated_at = NOW() WHERE id = ?`, cartID)
		return err
	})
}

func (s *MySQLStore) RemoveCartItem(ctx context.Context, userID, productID string) error {
	_, err := s.q().ExecContext(ctx, `
		DELETE ci FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		WHERE c.user_id = ? AND ci.product_id = ?`,
		userID, productID,
	)
	if err != nil {
		return fmt.Errorf("remove cart item: %w", err)
	}
	return nil
}

func (s *MySQLStore) ClearCart(ctx context.Context, cartID string) error {
	if _, err := s.q().ExecContext(ctx,
		`DELETE FROM cart_items WHERE cart_id = ?`, cartID,
	); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	_, err := s.q().ExecContext(ctx,
		`UPDATE carts SET updated_at = NOW() WHERE id = ?`, cartID)
	return err
}

func (s *MySQLStore) GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	var a domain.Address
	err := s.q().QueryRowContext(ctx, `
		SELECT id, user_id, full_name, line1, city, postal_code, country
		FROM addresses WHERE id = ? AND user_id = ?`, addressID, userID,
	).Scan(&a.ID, &a.UserID, &a.FullName, &a.Line1, &a.City, &a.PostalCode, &a.Country)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query address: %w", err)
	}
	return &a, nil
}

func (s *MySQLStore) InsertOrder(ctx context.Context, order *domain.Order) error {
	intent := sql.NullString{String: order.PaymentIntentID, Valid: order.PaymentIntentID != ""}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO orders (id, user_id, idempotency_key, status, payment_status,
			payment_intent_id, total, ship_full_name, ship_line1, ship_city,
			ship_postal_code, ship_country, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.UserID, order.IdempotencyKey, order.Status, order.PaymentStatus,
		intent, order.Total, order.ShippingAddress.FullName, order.ShippingAddress.Line1,
		order.ShippingAddress.City, order.ShippingAddress.PostalCode,
		order.ShippingAddress.Country, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isMySQLErr(err, mysqlDuplicateEntry) {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range order.Items {
		if _, err := s.q().ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES (?, ?, ?, ?)`,
			order.ID, it.ProductID, it.Quantity, it.Price,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.queryOrder(ctx, `WHERE id = ?`, orderID)
}

func (s *MySQLStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	return s.queryOrder(ctx, `WHERE user_id = ? AND idempotency_key = ?`, userID, key)
}

func (s *MySQLStore) GetOrderByPaymentIntent(ctx context.Context, intentID string) (*domain.Order, error) {
	return s.queryOrder(ctx, `WHERE payment_intent_id = ?`, intentID)
}

func (s *MySQLStore) queryOrder(ctx context.Context, where string, args ...any) (*domain.Order, error) {
	var o domain.Order
	var intent sql.NullString

	err := s.q().QueryRowContext(ctx, `
		SELECT id, user_id, idempotency_key, status, payment_status, payment_intent_id,
			total, ship_full_name, ship_line1, ship_city, ship_postal_code, ship_country,
			created_at, updated_at
		FROM orders `+where+s.lock(), args...,
	).Scan(&o.ID, &o.UserID, &o.IdempotencyKey, &o.Status, &o.PaymentStatus, &intent,
		&o.Total, &o.ShippingAddress.FullName, &o.ShippingAddress.Line1,
		&o.ShippingAddress.City, &o.ShippingAddress.PostalCode, &o.ShippingAddress.Country,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	o.PaymentIntentID = intent.String

	rows, err := s.q().QueryContext(ctx, `
		SELECT product_id, quantity, price
		FROM order_items WHERE order_id = ?
		ORDER BY product_id`, o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.Price); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return &o, nil
}

func (s *MySQLStore) UpdateOrderState(ctx context.Context, order *domain.Order) error {
	intent := sql.NullString{String: order.PaymentIntentID, Valid: order.PaymentIntentID != ""}

	result, err := s.q().ExecContext(ctx, `
		UPDATE orders
		SET status = ?, payment_status = ?, payment_intent_id = ?, updated_at = ?
		WHERE id = ?`,
		order.Status, order.PaymentStatus, intent, order.UpdatedAt, order.ID,
	)
	if err != nil {
		return fmt.Errorf("update order state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the order vanished or nothing changed; re-check existence.
		var exists int
		if err := s.q().QueryRowContext(ctx,
			`SELECT 1 FROM orders WHERE id = ?`, order.ID,
		).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
	}
	return nil
}

func (s *MySQLStore) GetReview(ctx context.Context, productID, userID string) (*domain.Review, error) {
	var r domain.Review
	err := s.q().QueryRowContext(ctx, `
		SELECT product_id, user_id, rating, comment, created_at, updated_at
		FROM reviews WHERE product_id = ? AND user_id = ?`+s.lock(),
		productID, userID,
	).Scan(&r.ProductID, &r.UserID, &r.Rating, &r.Comment, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query review: %w", err)
	}
	return &r, nil
}

func (s *MySQLStore) UpsertReview(ctx context.Context, review *domain.Review) error {
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO reviews (product_id, user_id, rating, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			rating = VALUES(rating),
			comment = VALUES(comment),
			updated_at = VALUES(updated_at)`,
		review.ProductID, review.UserID, review.Rating, review.Comment,
		review.CreatedAt, review.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

func (s *MySQLStore) DeleteReview(ctx context.Context, productID, userID string) error {
	result, err := s.q().ExecContext(ctx,
		`DELETE FROM reviews WHERE product_id = ? AND user_id = ?`,
		productID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecomputeProductRating rewrites the summary from the review rows in one
// atomic statement, so the product can never drift from its reviews.
func (s *MySQLStore) RecomputeProductRating(ctx context.Context, productID string) error {
	result, err := s.q().ExecContext(ctx, `
		UPDATE products p
		SET p.num_reviews = (SELECT COUNT(*) FROM reviews r WHERE r.product_id = p.id),
			p.rating = COALESCE((SELECT AVG(r.rating) FROM reviews r WHERE r.product_id = p.id), 0),
			p.updated_at = NOW()
		WHERE p.id = ?`, productID,
	)
	if err != nil {
		return fmt.Errorf("recompute rating: %w", err)
	}
	// Zero rows affected is fine: the summary may already match.
	_, _ = result.RowsAffected()
	return nil
}
