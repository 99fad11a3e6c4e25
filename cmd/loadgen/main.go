// loadgen hammers the checkout engine with concurrent buyers competing for
// limited stock and verifies that exactly the available units are sold.
// It runs against the in-memory store, so it needs no infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dnguyenv/storefront/internal/adapter/storage"
	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/core/service"
)

const (
	productID     = "flash-item"
	initialStock  = 20
	totalBuyers   = 50
	unitPrice     = "19.99"
)

func main() {
	ctx := context.Background()
	logger := zap.NewNop()

	store := storage.NewMemoryStore()
	cache := storage.NewMemoryCache()

	store.SeedProduct(domain.Product{
		ID:           productID,
		Name:         "Flash Item",
		Price:        decimal.RequireFromString(unitPrice),
		CountInStock: initialStock,
	})

	checkout := service.NewCheckout(store, cache, logger, 0)
	carts := service.NewCarts(store, logger)

	// Every buyer gets a cart with one unit and their own address.
	for i := 0; i < totalBuyers; i++ {
		userID := fmt.Sprintf("user-%d", i)
		store.SeedAddress(domain.Address{
			ID:         "addr-" + userID,
			UserID:     userID,
			FullName:   "Buyer " + userID,
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "00000",
			Country:    "US",
		})
		if err := carts.AddItem(ctx, userID, productID, 1); err != nil {
			panic(err)
		}
	}

	var successCount, stockFailCount, otherFailCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalBuyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			_, err := checkout.PlaceOrder(ctx, userID, "addr-"+userID, uuid.NewString())
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				stockFailCount.Add(1)
			default:
				otherFailCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := stockFailCount.Load()
	other := otherFailCount.Load()

	fmt.Println("========== CHECKOUT LOAD RESULTS ==========")
	fmt.Printf("Initial Stock:       %d\n", initialStock)
	fmt.Printf("Buyers:              %d\n", totalBuyers)
	fmt.Printf("Orders Placed:       %d\n", success)
	fmt.Printf("Sold Out:            %d\n", soldOut)
	fmt.Printf("Other Failures:      %d\n", other)
	fmt.Printf("Duration:            %v\n", elapsed)
	fmt.Println("===========================================")

	if success == initialStock && soldOut == totalBuyers-initialStock && other == 0 {
		fmt.Printf("PASS: exactly %d orders succeeded, %d rejected\n", initialStock, totalBuyers-initialStock)
	} else {
		fmt.Printf("FAIL: expected %d success/%d sold-out, got %d/%d (+%d errors)\n",
			initialStock, totalBuyers-initialStock, success, soldOut, other)
	}

	product, err := store.GetProduct(ctx, productID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Final Stock: %d\n", product.CountInStock)
	if product.CountInStock == 0 {
		fmt.Println("PASS: stock depleted to 0")
	} else {
		fmt.Printf("FAIL: expected stock 0, got %d\n", product.CountInStock)
	}
}
