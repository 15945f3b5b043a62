package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/adapter/storage"
	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/core/service"
	"github.com/rl1809/pos-ledger/internal/port"
)

const (
	productA      = "stress-item-a"
	productB      = "stress-item-b"
	initialStock  = 20
	totalRequests = 50
)

func main() {
	ctx := context.Background()
	store := storage.NewMemoryAdapter()

	// Set REDIS_ADDR to run against the distributed locker.
	var locker port.Locker = storage.NewLocalLocker()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		locker = storage.NewRedisLocker(rdb, 10*time.Second)
	}

	for _, id := range []string{productA, productB} {
		if err := store.CreateProduct(ctx, domain.Product{
			ID:        id,
			Quantity:  initialStock,
			UnitPrice: decimal.RequireFromString("9.99"),
		}); err != nil {
			log.Fatalf("failed to seed %s: %v", id, err)
		}
	}

	ledger := service.NewStockLedger(store, locker)
	svc := service.NewTransactionService(ledger, store, locker, zap.NewNop())
	cashier := domain.NewPrincipal("stress", domain.PermCreateTransaction)

	var successCount, insufficientCount, otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			// Alternate line order so lock ordering is exercised.
			items := []domain.LineItem{{ProductID: productA, Quantity: 1}, {ProductID: productB, Quantity: 1}}
			if n%2 == 1 {
				items[0], items[1] = items[1], items[0]
			}

			_, err := svc.CreateTransaction(ctx, cashier, service.CreateTransactionRequest{Items: items})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("request %d: %v", n, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	insufficient := insufficientCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d per product\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Insufficient:     %d\n", insufficient)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && insufficient == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d transactions committed, %d rejected\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d insufficient, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, insufficient)
	}

	for _, id := range []string{productA, productB} {
		p, err := store.GetProduct(ctx, id)
		if err != nil || p == nil {
			fmt.Printf("FAIL: could not read %s: %v\n", id, err)
			continue
		}
		if p.Quantity == 0 {
			fmt.Printf("PASS: %s depleted to 0\n", id)
		} else {
			fmt.Printf("FAIL: Expected %s stock 0, got %d\n", id, p.Quantity)
		}
	}
}
