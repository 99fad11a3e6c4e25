package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product carries the catalogue fields this engine reads and mutates.
// Price is decimal, never binary float. Rating and NumReviews are derived
// from the review set and only written by the aggregation updater.
type Product struct {
	ID           string
	Name         string
	Price        decimal.Decimal
	CountInStock int
	Rating       decimal.Decimal
	NumReviews   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Address is read by the order assembler to validate ownership and to take
// the shipping snapshot. It is never mutated here.
type Address struct {
	ID         string
	UserID     string
	FullName   string
	Line1      string
	City       string
	PostalCode string
	Country    string
}

// AddressSnapshot is the frozen copy embedded in an order. A later edit of
// the address book must not change a placed order's destination.
type AddressSnapshot struct {
	FullName   string
	Line1      string
	City       string
	PostalCode string
	Country    string
}

func SnapshotAddress(a Address) AddressSnapshot {
	return AddressSnapshot{
		FullName:   a.FullName,
		Line1:      a.Line1,
		City:       a.City,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}
