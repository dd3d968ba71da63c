package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Dan9191/bnpl-service/internal/app"
	"github.com/Dan9191/bnpl-service/internal/config"
	"github.com/Dan9191/bnpl-service/internal/models"
)

const (
	TotalCustomers = 1000
	TotalMerchants = 10
)

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		logger.Fatalf("Seeder needs DB_DRIVER=postgres, got %s", cfg.Database.Driver)
	}

	// Schema is applied by the API on startup.
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("Unable to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	logger.Info("Seeding database")

	var count int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM bnpl.customers").Scan(&count); err != nil {
		logger.Fatalf("Failed to count customers: %v", err)
	}
	if count >= TotalCustomers {
		logger.Infof("Database already has %d customers. Skipping.", count)
		return
	}

	rows := make([][]interface{}, 0, TotalCustomers)
	for i := count; i < TotalCustomers; i++ {
		tier := "standard"
		if i%10 == 0 {
			tier = "gold"
		}
		rows = append(rows, []interface{}{
			fmt.Sprintf("cust-%05d", i),
			fmt.Sprintf("customer%d@example.com", i),
			fmt.Sprintf("Customer %d", i),
			"card",
			tier,
		})
	}

	copyCount, err := conn.CopyFrom(
		ctx,
		pgx.Identifier{"bnpl", "customers"},
		[]string{"ref", "email", "name", "payment_method_type", "tier"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		logger.Fatalf("Bulk insert failed: %v", err)
	}
	logger.Infof("Seeded %d customers", copyCount)

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for i := 0; i < TotalMerchants; i++ {
		ref := fmt.Sprintf("merchant-%02d", i)
		dc := models.DefaultDiscountConfig(ref)
		dc.UpdatedAt = now
		raw, err := json.Marshal(dc)
		if err != nil {
			logger.Fatalf("Failed to encode discount config: %v", err)
		}
		batch.Queue(`INSERT INTO bnpl.merchant_discount_configs (merchant_ref, config, updated_at)
			VALUES ($1, $2, $3) ON CONFLICT (merchant_ref) DO NOTHING`, ref, raw, now)
	}
	if err := conn.SendBatch(ctx, batch).Close(); err != nil {
		logger.Fatalf("Failed to seed merchants: %v", err)
	}
	logger.Infof("Seeded discount configs for %d merchants", TotalMerchants)
}
