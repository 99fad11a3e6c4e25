package domain

import "time"

const (
	MinRating = 1
	MaxRating = 5
)

// Review is one (product, user) rating with an optional comment. The
// product's Rating/NumReviews summary must always equal the mean and count
// of the underlying review rows.
type Review struct {
	ProductID string
	UserID    string
	Rating    int
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewReview(productID, userID string, rating int, comment string) (*Review, error) {
	if productID == "" {
		return nil, NewValidationError("product id is required")
	}
	if userID == "" {
		return nil, NewValidationError("user id is required")
	}
	if rating < MinRating || rating > MaxRating {
		return nil, NewValidationError("rating must be between %d and %d", MinRating, MaxRating)
	}

	now := time.Now().UTC()
	return &Review{
		ProductID: productID,
		UserID:    userID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
