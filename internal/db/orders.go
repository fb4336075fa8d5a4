package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/rupeex/exchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = "id, user_id, type, price::text, amount::text, filled::text, " +
	"status, fee_amount::text, fee_currency, created_at, updated_at, executed_at, cancelled_at"

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	o := &models.Order{}
	var price, amount, filled, feeAmount string
	err := row.Scan(&o.ID, &o.UserID, &o.Type, &price, &amount, &filled,
		&o.Status, &feeAmount, &o.FeeCurrency, &o.CreatedAt, &o.UpdatedAt, &o.ExecutedAt, &o.CancelledAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Price, price}, {&o.Amount, amount}, {&o.Filled, filled}, {&o.FeeAmount, feeAmount}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("failed to parse order numeric: %w", err)
		}
	}
	return o, nil
}

// CreateOrder inserts a new pending order. The caller is responsible for
// having locked the notional first.
func (db *DB) CreateOrder(ctx context.Context, q Querier, order *models.Order) (*models.Order, error) {
	if order.Type != models.OrderTypeBuy && order.Type != models.OrderTypeSell {
		return nil, fmt.Errorf("type must be 'buy' or 'sell'")
	}
	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("price must be positive")
	}
	if !order.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	newOrder, err := scanOrder(q.QueryRow(ctx, `
		INSERT INTO orders (user_id, type, price, amount, status, fee_amount, fee_currency)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::numeric, $7)
		RETURNING `+orderColumns,
		order.UserID, order.Type, order.Price.String(), order.Amount.String(),
		models.OrderStatusPending, order.FeeAmount.String(), order.FeeCurrency))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

// GetOrder retrieves one order by id.
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetUserOrders retrieves all orders for a user, newest first.
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

// GetCrossingOrders returns the pending counter-orders the given order can
// trade against, in matching priority: best price first, then earliest
// created. A buy crosses sells priced at or below its limit; a sell crosses
// buys priced at or above.
func (db *DB) GetCrossingOrders(ctx context.Context, order *models.Order) ([]models.Order, error) {
	if order.Type == models.OrderTypeBuy {
		return db.queryOrders(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE type = 'sell' AND status = 'pending' AND filled < amount AND price <= $1::numeric
			ORDER BY price ASC, created_at ASC`,
			order.Price.String())
	}
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE type = 'buy' AND status = 'pending' AND filled < amount AND price >= $1::numeric
		ORDER BY price DESC, created_at ASC`,
		order.Price.String())
}

// GetOrderBook returns the aggregated pending-order snapshot: buys highest
// price first, sells lowest price first, ties broken by creation time.
func (db *DB) GetOrderBook(ctx context.Context) (*models.OrderBook, error) {
	buys, err := db.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE type = 'buy' AND status = 'pending'
		ORDER BY price DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	sells, err := db.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE type = 'sell' AND status = 'pending'
		ORDER BY price ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	return &models.OrderBook{Buy: buys, Sell: sells}, nil
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// MarkMatched stamps the order's first matching pass. Used by the
// reconciliation sweep to tell never-matched orders apart from resting ones.
func (db *DB) MarkMatched(ctx context.Context, orderID int) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE orders SET matched_at = now() WHERE id = $1 AND matched_at IS NULL", orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order matched: %w", err)
	}
	return nil
}

// advanceOrderFill moves an order's fill forward inside a settlement
// transaction. The expected previous fill and the pending status are part of
// the WHERE clause: zero rows affected means the order was cancelled or filled
// by someone else since it was read, and the settlement must roll back.
func advanceOrderFill(ctx context.Context, q Querier, orderID int, expectedFilled, newFilled, amount decimal.Decimal) error {
	executed := newFilled.GreaterThanOrEqual(amount)
	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET filled = $2::numeric,
		    status = CASE WHEN $3 THEN 'executed' ELSE status END,
		    executed_at = CASE WHEN $3 THEN now() ELSE executed_at END,
		    updated_at = now()
		WHERE id = $1 AND status = 'pending' AND filled = $4::numeric`,
		orderID, newFilled.String(), executed, expectedFilled.String())
	if err != nil {
		return fmt.Errorf("failed to advance order fill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleOrder
	}
	return nil
}

// CancelOrder cancels a pending order owned by the user and releases the
// remaining locked funds in the same transaction.
func (db *DB) CancelOrder(ctx context.Context, orderID, userID int) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		orderID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrOrderNotOpen
	}

	cancelled, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE orders
		SET status = 'cancelled', cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+orderColumns, orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	// Release what is still locked for the unfilled remainder.
	remaining := order.Remaining()
	if remaining.IsPositive() {
		currency := models.CurrencyUSDT
		unlock := remaining
		if order.Type == models.OrderTypeBuy {
			currency = models.CurrencyPKR
			unlock = remaining.Mul(order.Price)
		}
		if err := db.UnlockBalance(ctx, tx, userID, currency, unlock); err != nil {
			return nil, fmt.Errorf("failed to release locked funds: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return cancelled, nil
}
