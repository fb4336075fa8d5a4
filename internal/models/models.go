package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currencies traded on the PKR/USDT market.
const (
	CurrencyPKR  = "PKR"
	CurrencyUSDT = "USDT"
)

// Order sides.
const (
	OrderTypeBuy  = "buy"
	OrderTypeSell = "sell"
)

// Order statuses.
const (
	OrderStatusPending   = "pending"
	OrderStatusExecuted  = "executed"
	OrderStatusCancelled = "cancelled"
)

// PlatformUserID is the reserved account that collects trading fees.
// Seeded by the initial migration.
const PlatformUserID = 1

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Order represents a buy or sell limit order on the PKR/USDT market.
// Price is PKR per USDT, Amount and Filled are USDT. Price and Amount are
// immutable after creation; only Filled, Status and the timestamps mutate.
type Order struct {
	ID          int             `json:"id"`
	UserID      int             `json:"user_id"`
	Type        string          `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Filled      decimal.Decimal `json:"filled"`
	Status      string          `json:"status"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	FeeCurrency string          `json:"fee_currency"`
	CreatedAt   time.Time       `json:"created_at"` // Used for time priority
	UpdatedAt   time.Time       `json:"updated_at"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

// Remaining returns the unfilled portion of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Wallet holds one user's balance in one currency.
type Wallet struct {
	UserID    int             `json:"user_id"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Trade is the immutable record of one matched pair.
type Trade struct {
	ID          int             `json:"id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	BuyerID     int             `json:"buyer_id"`
	SellerID    int             `json:"seller_id"`
	Amount      decimal.Decimal `json:"amount"` // USDT
	Price       decimal.Decimal `json:"price"`  // PKR per USDT
	Total       decimal.Decimal `json:"total"`  // PKR
	BuyerFee    decimal.Decimal `json:"buyer_fee"`
	SellerFee   decimal.Decimal `json:"seller_fee"`
	TotalFee    decimal.Decimal `json:"total_fee"`
	Status      string          `json:"status"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// TradeDetail records the net amounts each side actually received.
type TradeDetail struct {
	TradeID        int             `json:"trade_id"`
	BuyerReceives  decimal.Decimal `json:"buyer_receives"`  // USDT net of fee
	SellerReceives decimal.Decimal `json:"seller_receives"` // PKR
	Rate           decimal.Decimal `json:"rate"`
	FeeRate        decimal.Decimal `json:"fee_rate"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MatchJob is one queued request to run a matching pass for an order.
type MatchJob struct {
	ID        int       `json:"id"`
	OrderID   int       `json:"order_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderBook is the aggregated snapshot pushed to live clients. Buys are
// sorted highest price first, sells lowest price first, ties broken by
// earliest creation time.
type OrderBook struct {
	Buy  []Order `json:"buy"`
	Sell []Order `json:"sell"`
}
