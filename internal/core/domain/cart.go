package domain

import "time"

// CartItem is one line of a cart: a product reference and a quantity.
// A product appears at most once per cart.
type CartItem struct {
	ProductID string
	Quantity  int
}

// Cart is the mutable pre-purchase selection, one per user. It is created
// lazily on first add and cleared (not deleted) on successful checkout.
type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Quantity returns the quantity for a product, or 0 if absent.
func (c *Cart) Quantity(productID string) int {
	for _, it := range c.Items {
		if it.ProductID == productID {
			return it.Quantity
		}
	}
	return 0
}
