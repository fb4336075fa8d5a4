package db

import (
	"context"
	"fmt"

	"github.com/rupeex/exchange/internal/models"

	"github.com/shopspring/decimal"
)

const tradeColumns = "id, buy_order_id, sell_order_id, buyer_id, seller_id, " +
	"amount::text, price::text, total::text, buyer_fee::text, seller_fee::text, total_fee::text, status, executed_at"

func scanTrade(row interface{ Scan(...any) error }) (*models.Trade, error) {
	t := &models.Trade{}
	var amount, price, total, buyerFee, sellerFee, totalFee string
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
		&amount, &price, &total, &buyerFee, &sellerFee, &totalFee, &t.Status, &t.ExecutedAt)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&t.Amount, amount}, {&t.Price, price}, {&t.Total, total},
		{&t.BuyerFee, buyerFee}, {&t.SellerFee, sellerFee}, {&t.TotalFee, totalFee},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("failed to parse trade numeric: %w", err)
		}
	}
	return t, nil
}

// SettleMatch applies one matched pair in a single transaction: both orders'
// fill progression, the locked-fund deductions, the net credits, the platform
// fee, and the immutable trade + trade detail rows. Any failure rolls the
// whole match back, so a mid-settlement error can never leave partial state.
//
// Returns ErrStaleOrder when either order was cancelled or filled concurrently
// since the engine read it; the engine treats that as "skip and re-read".
func (db *DB) SettleMatch(ctx context.Context, s *models.Settlement) (*models.Trade, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Advance both fills first: their status='pending' guards are the
	// freshness check for the whole settlement.
	if err := advanceOrderFill(ctx, tx, s.Buy.OrderID, s.Buy.PrevFilled, s.Buy.NewFilled, s.Buy.Amount); err != nil {
		return nil, err
	}
	if err := advanceOrderFill(ctx, tx, s.Sell.OrderID, s.Sell.PrevFilled, s.Sell.NewFilled, s.Sell.Amount); err != nil {
		return nil, err
	}

	// Locked funds were reserved at placement; consuming less than the
	// reservation here is an invariant violation, not a user error.
	if err := db.DeductLockedBalance(ctx, tx, s.Buy.UserID, models.CurrencyPKR, s.Total); err != nil {
		return nil, fmt.Errorf("settlement invariant violation, buyer locked PKR: %w", err)
	}
	if err := db.DeductLockedBalance(ctx, tx, s.Sell.UserID, models.CurrencyUSDT, s.Amount); err != nil {
		return nil, fmt.Errorf("settlement invariant violation, seller locked USDT: %w", err)
	}

	if err := db.CreditBalance(ctx, tx, s.Buy.UserID, models.CurrencyUSDT, s.BuyerReceives); err != nil {
		return nil, err
	}
	if err := db.CreditBalance(ctx, tx, s.Sell.UserID, models.CurrencyPKR, s.SellerReceives); err != nil {
		return nil, err
	}
	if err := db.CreditBalance(ctx, tx, models.PlatformUserID, models.CurrencyUSDT, s.Fee); err != nil {
		return nil, err
	}

	trade, err := scanTrade(tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, buyer_id, seller_id,
			amount, price, total, buyer_fee, seller_fee, total_fee)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric)
		RETURNING `+tradeColumns,
		s.Buy.OrderID, s.Sell.OrderID, s.Buy.UserID, s.Sell.UserID,
		s.Amount.String(), s.Price.String(), s.Total.String(),
		s.BuyerFee.String(), s.SellerFee.String(), s.Fee.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_details (trade_id, buyer_receives, seller_receives, rate, fee_rate)
		VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric)`,
		trade.ID, s.BuyerReceives.String(), s.SellerReceives.String(),
		s.Price.String(), s.FeeRate.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create trade detail: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return trade, nil
}

// GetUserTrades retrieves all trades a user participated in, newest first.
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY executed_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// GetTradeDetail retrieves the net-amount record for a trade.
func (db *DB) GetTradeDetail(ctx context.Context, tradeID int) (*models.TradeDetail, error) {
	d := &models.TradeDetail{}
	var buyerReceives, sellerReceives, rate, feeRate string
	err := db.Pool.QueryRow(ctx, `
		SELECT trade_id, buyer_receives::text, seller_receives::text, rate::text, fee_rate::text, created_at
		FROM trade_details WHERE trade_id = $1`, tradeID).
		Scan(&d.TradeID, &buyerReceives, &sellerReceives, &rate, &feeRate, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade detail: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&d.BuyerReceives, buyerReceives}, {&d.SellerReceives, sellerReceives},
		{&d.Rate, rate}, {&d.FeeRate, feeRate},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("failed to parse trade detail numeric: %w", err)
		}
	}
	return d, nil
}
