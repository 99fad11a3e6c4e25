package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfillment lifecycle of an order, distinct from payment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// PaymentStatus is driven exclusively by gateway events and refunds.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// OrderItem freezes product, quantity and unit price at order time. It is
// never recomputed from the live product.
type OrderItem struct {
	ProductID string
	Quantity  int
	Price     decimal.Decimal
}

// Order is the immutable record of a completed checkout. Total is fixed at
// creation; ShippingAddress is a snapshot, not a live reference.
type Order struct {
	ID              string
	UserID          string
	IdempotencyKey  string
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentIntentID string // empty until payment is initiated
	Total           decimal.Decimal
	Items           []OrderItem
	ShippingAddress AddressSnapshot
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewOrder builds a pending order from frozen line items and computes the
// total as the exact decimal sum of price*quantity.
func NewOrder(id, userID, idempotencyKey string, addr AddressSnapshot, items []OrderItem) (*Order, error) {
	if len(items) == 0 {
		return nil, NewValidationError("order must have at least one item")
	}

	total := decimal.Zero
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, NewValidationError("quantity for product %s must be greater than zero", it.ProductID)
		}
		if it.Price.IsNegative() {
			return nil, NewValidationError("price for product %s must not be negative", it.ProductID)
		}
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	now := time.Now().UTC()
	return &Order{
		ID:              id,
		UserID:          userID,
		IdempotencyKey:  idempotencyKey,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		Total:           total,
		Items:           items,
		ShippingAddress: addr,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// StartPayment attaches the gateway correlation id and moves payment to
// processing. A failed payment may be restarted with a fresh intent.
func (o *Order) StartPayment(intentID string) error {
	if intentID == "" {
		return NewValidationError("payment intent id is required")
	}
	if o.Status == StatusCancelled {
		return o.invalid("payment.start")
	}
	switch o.PaymentStatus {
	case PaymentPending, PaymentFailed:
		o.PaymentIntentID = intentID
		o.PaymentStatus = PaymentProcessing
		o.touch()
		return nil
	default:
		return o.invalid("payment.start")
	}
}

// ApplyPaymentSucceeded applies a SUCCEEDED gateway event. The boolean
// reports whether state actually changed: replays return (false, nil).
// Payment success also advances fulfillment from pending to processing.
func (o *Order) ApplyPaymentSucceeded() (bool, error) {
	switch o.PaymentStatus {
	case PaymentSucceeded, PaymentRefunded:
		return false, nil
	case PaymentPending, PaymentProcessing, PaymentFailed:
		if o.Status == StatusCancelled {
			// Payment confirmation for an order that was already cancelled
			// and restocked must be surfaced, not absorbed.
			return false, o.invalid("payment.succeeded")
		}
		o.PaymentStatus = PaymentSucceeded
		if o.Status == StatusPending {
			o.Status = StatusProcessing
		}
		o.touch()
		return true, nil
	default:
		return false, o.invalid("payment.succeeded")
	}
}

// ApplyPaymentFailed applies a FAILED gateway event. A FAILED event arriving
// after SUCCEEDED is stale and ignored.
func (o *Order) ApplyPaymentFailed() (bool, error) {
	switch o.PaymentStatus {
	case PaymentSucceeded, PaymentRefunded, PaymentFailed:
		return false, nil
	case PaymentPending, PaymentProcessing:
		o.PaymentStatus = PaymentFailed
		o.touch()
		return true, nil
	default:
		return false, o.invalid("payment.failed")
	}
}

// RecordRefund marks a successful payment as refunded. Refund must be
// recorded before a paid order can be cancelled and its stock released.
func (o *Order) RecordRefund() error {
	if o.PaymentStatus != PaymentSucceeded {
		return o.invalid("payment.refund")
	}
	o.PaymentStatus = PaymentRefunded
	o.touch()
	return nil
}

// Cancel moves the order to cancelled. It is rejected once the order has
// shipped, and rejected for a paid order until a refund has been recorded.
func (o *Order) Cancel() error {
	switch o.Status {
	case StatusShipped, StatusDelivered, StatusCancelled:
		return o.invalid("order.cancel")
	}
	if o.PaymentStatus == PaymentSucceeded {
		return o.invalid("order.cancel")
	}
	o.Status = StatusCancelled
	o.touch()
	return nil
}

// MarkShipped requires a successful payment.
func (o *Order) MarkShipped() error {
	if o.PaymentStatus != PaymentSucceeded {
		return o.invalid("order.ship")
	}
	if o.Status != StatusProcessing {
		return o.invalid("order.ship")
	}
	o.Status = StatusShipped
	o.touch()
	return nil
}

func (o *Order) MarkDelivered() error {
	if o.Status != StatusShipped {
		return o.invalid("order.deliver")
	}
	o.Status = StatusDelivered
	o.touch()
	return nil
}

func (o *Order) invalid(event string) error {
	return &InvalidTransitionError{
		Event:         event,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
	}
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}
