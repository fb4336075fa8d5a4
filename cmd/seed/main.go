package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/rupeex/exchange/internal/config"
	"github.com/rupeex/exchange/internal/db"
	"github.com/rupeex/exchange/internal/models"

	"github.com/shopspring/decimal"
)

// Seed the database with two funded test traders.
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	var userCount int
	if err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE username LIKE 'trader%'").Scan(&userCount); err != nil {
		log.Fatalf("Failed to check users: %v", err)
	}
	if userCount > 0 {
		fmt.Printf("Database already has %d test traders. No need to seed.\n", userCount)
		os.Exit(0)
	}

	// bcrypt hash of "password123"
	const passwordHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

	funding := map[string]decimal.Decimal{
		models.CurrencyPKR:  decimal.RequireFromString("1000000"),
		models.CurrencyUSDT: decimal.RequireFromString("5000"),
	}

	for _, username := range []string{"trader1", "trader2"} {
		user, err := database.CreateUser(ctx, username, passwordHash)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", username, err)
		}
		for currency, amount := range funding {
			if _, err := database.EnsureWallet(ctx, database.Pool, user.ID, currency); err != nil {
				log.Fatalf("Failed to create %s wallet for %s: %v", currency, username, err)
			}
			if err := database.CreditBalance(ctx, database.Pool, user.ID, currency, amount); err != nil {
				log.Fatalf("Failed to fund %s wallet for %s: %v", currency, username, err)
			}
		}
		fmt.Printf("Created %s (id %d) with %s PKR and %s USDT\n",
			username, user.ID, funding[models.CurrencyPKR], funding[models.CurrencyUSDT])
	}

	// The platform fee wallet exists lazily, but seeding it makes the fee
	// flow visible immediately.
	if _, err := database.EnsureWallet(ctx, database.Pool, models.PlatformUserID, models.CurrencyUSDT); err != nil {
		log.Fatalf("Failed to create platform fee wallet: %v", err)
	}

	fmt.Println("Seeding complete.")
}
