package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/pkg/metrics"
	"github.com/dnguyenv/storefront/internal/port"
)

// Reviews writes reviews and keeps the product's rating/review-count
// summary consistent with the review rows. The summary is recomputed from
// the rows inside the same transaction as every write, so it cannot drift
// and concurrent writers serialize on the product row.
type Reviews struct {
	store  port.Store
	logger *zap.Logger
}

func NewReviews(store port.Store, logger *zap.Logger) *Reviews {
	return &Reviews{store: store, logger: logger}
}

// AddOrUpdateReview creates or replaces the user's review for the product
// and refreshes the aggregate in the same transaction. A review whose
// aggregate update fails is not persisted.
func (s *Reviews) AddOrUpdateReview(ctx context.Context, productID, userID string, rating int, comment string) (*domain.Review, error) {
	review, err := domain.NewReview(productID, userID, rating, comment)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(tx port.Store) error {
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		if err := tx.UpsertReview(ctx, review); err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}
		if err := tx.RecomputeProductRating(ctx, productID); err != nil {
			return fmt.Errorf("recompute rating: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ReviewWritesTotal.WithLabelValues("upsert", "error").Inc()
		return nil, err
	}

	metrics.ReviewWritesTotal.WithLabelValues("upsert", "success").Inc()
	s.logger.Info("review_written",
		zap.String("product_id", productID),
		zap.String("user_id", userID),
		zap.Int("rating", rating),
	)
	return review, nil
}

// DeleteReview removes the user's review and refreshes the aggregate. When
// the last review goes, the product's rating resets to zero.
func (s *Reviews) DeleteReview(ctx context.Context, productID, userID string) error {
	err := s.store.WithinTx(ctx, func(tx port.Store) error {
		if _, err := tx.GetReview(ctx, productID, userID); err != nil {
			return err
		}
		if err := tx.DeleteReview(ctx, productID, userID); err != nil {
			return fmt.Errorf("delete review: %w", err)
		}
		if err := tx.RecomputeProductRating(ctx, productID); err != nil {
			return fmt.Errorf("recompute rating: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.ReviewWritesTotal.WithLabelValues("delete", "error").Inc()
		return err
	}

	metrics.ReviewWritesTotal.WithLabelValues("delete", "success").Inc()
	return nil
}
