package models

import "github.com/shopspring/decimal"

// OrderFill describes how one side's order advances in a match.
type OrderFill struct {
	OrderID    int
	UserID     int
	Amount     decimal.Decimal
	PrevFilled decimal.Decimal
	NewFilled  decimal.Decimal
}

// Settlement is the fully computed outcome of one matched pair: the fill
// progression for both orders plus every fund movement the trade implies.
// It is applied atomically by the store.
type Settlement struct {
	Buy  OrderFill
	Sell OrderFill

	Amount decimal.Decimal // USDT traded
	Price  decimal.Decimal // PKR per USDT, the resting order's price
	Total  decimal.Decimal // gross PKR notional, Amount * Price

	Fee       decimal.Decimal // total platform fee, USDT
	BuyerFee  decimal.Decimal // bookkeeping split, Fee/2
	SellerFee decimal.Decimal // bookkeeping split, Fee/2
	FeeRate   decimal.Decimal

	BuyerReceives  decimal.Decimal // USDT credited to the buyer, net of Fee
	SellerReceives decimal.Decimal // PKR credited to the seller
}
