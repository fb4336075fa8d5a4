package db

import (
	"context"
	"fmt"

	"github.com/rupeex/exchange/internal/models"

	"github.com/shopspring/decimal"
)

// scanWallet reads one wallet row. Numeric columns come back as text and are
// parsed with decimal to avoid any float round-trip.
func scanWallet(row interface{ Scan(...any) error }) (*models.Wallet, error) {
	w := &models.Wallet{}
	var available, locked string
	if err := row.Scan(&w.UserID, &w.Currency, &available, &locked, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Available, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("failed to parse available balance: %w", err)
	}
	if w.Locked, err = decimal.NewFromString(locked); err != nil {
		return nil, fmt.Errorf("failed to parse locked balance: %w", err)
	}
	return w, nil
}

const walletColumns = "user_id, currency, available::text, locked::text, created_at, updated_at"

// EnsureWallet returns the user's wallet for the currency, creating it with
// zero balances on first reference. Idempotent.
func (db *DB) EnsureWallet(ctx context.Context, q Querier, userID int, currency string) (*models.Wallet, error) {
	_, err := q.Exec(ctx,
		"INSERT INTO wallets (user_id, currency) VALUES ($1, $2) ON CONFLICT (user_id, currency) DO NOTHING",
		userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return db.getWallet(ctx, q, userID, currency)
}

// GetWallet retrieves one wallet row.
func (db *DB) GetWallet(ctx context.Context, userID int, currency string) (*models.Wallet, error) {
	return db.getWallet(ctx, db.Pool, userID, currency)
}

func (db *DB) getWallet(ctx context.Context, q Querier, userID int, currency string) (*models.Wallet, error) {
	wallet, err := scanWallet(q.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 AND currency = $2",
		userID, currency))
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return wallet, nil
}

// GetUserWallets retrieves all wallets for a user
func (db *DB) GetUserWallets(ctx context.Context, userID int) ([]models.Wallet, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE user_id = $1 ORDER BY currency",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// LockBalance atomically moves amount from available to locked. The balance
// check and the move are a single conditional UPDATE, so a concurrent lock on
// the same wallet can never drive available negative. Returns an
// InsufficientBalanceError carrying the shortfall when available < amount.
func (db *DB) LockBalance(ctx context.Context, q Querier, userID int, currency string, amount decimal.Decimal) error {
	tag, err := q.Exec(ctx, `
		UPDATE wallets
		SET available = available - $3::numeric, locked = locked + $3::numeric, updated_at = now()
		WHERE user_id = $1 AND currency = $2 AND available >= $3::numeric`,
		userID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("failed to lock balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		wallet, werr := db.EnsureWallet(ctx, q, userID, currency)
		if werr != nil {
			return werr
		}
		return &InsufficientBalanceError{
			Currency:  currency,
			Required:  amount,
			Available: wallet.Available,
		}
	}
	return nil
}

// UnlockBalance reverses a lock, moving amount from locked back to available.
// Used on cancellation.
func (db *DB) UnlockBalance(ctx context.Context, q Querier, userID int, currency string, amount decimal.Decimal) error {
	tag, err := q.Exec(ctx, `
		UPDATE wallets
		SET locked = locked - $3::numeric, available = available + $3::numeric, updated_at = now()
		WHERE user_id = $1 AND currency = $2 AND locked >= $3::numeric`,
		userID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("failed to unlock balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientLockedBalance
	}
	return nil
}

// DeductLockedBalance permanently removes amount from locked. Used when a
// locked amount is actually spent at settlement.
func (db *DB) DeductLockedBalance(ctx context.Context, q Querier, userID int, currency string, amount decimal.Decimal) error {
	tag, err := q.Exec(ctx, `
		UPDATE wallets
		SET locked = locked - $3::numeric, updated_at = now()
		WHERE user_id = $1 AND currency = $2 AND locked >= $3::numeric`,
		userID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("failed to deduct locked balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientLockedBalance
	}
	return nil
}

// CreditBalance adds amount to available, creating the wallet if needed.
func (db *DB) CreditBalance(ctx context.Context, q Querier, userID int, currency string, amount decimal.Decimal) error {
	_, err := q.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET available = wallets.available + $3::numeric, updated_at = now()`,
		userID, currency, amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}
