package exchange

import (
	"github.com/rupeex/exchange/internal/models"

	"github.com/shopspring/decimal"
)

// FeeRate is the flat trading fee: 0.15% of the USDT leg of every trade.
var FeeRate = decimal.RequireFromString("0.0015")

var two = decimal.NewFromInt(2)

// PlacementFee is the fee quoted to the user at order placement, in USDT.
// Informational only: nothing is collected upfront, the full notional is
// locked and the fee comes out of the proceeds at settlement.
func PlacementFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(FeeRate)
}

// NewSettlement computes every amount one matched pair moves. tradeAmt is the
// USDT volume, price the resting order's limit (maker price).
//
// The fee is taken once, out of what the buyer receives: the buyer gets
// tradeAmt minus the fee in USDT, and the seller's PKR proceeds are the
// post-fee USDT amount times the price. Both locked deductions are gross,
// matching what placement locked. The per-side halves on the trade row are
// bookkeeping attribution only.
func NewSettlement(buy, sell *models.Order, tradeAmt, price decimal.Decimal) *models.Settlement {
	fee := tradeAmt.Mul(FeeRate)
	halfFee := fee.Div(two)
	buyerReceives := tradeAmt.Sub(fee)

	return &models.Settlement{
		Buy: models.OrderFill{
			OrderID:    buy.ID,
			UserID:     buy.UserID,
			Amount:     buy.Amount,
			PrevFilled: buy.Filled,
			NewFilled:  buy.Filled.Add(tradeAmt),
		},
		Sell: models.OrderFill{
			OrderID:    sell.ID,
			UserID:     sell.UserID,
			Amount:     sell.Amount,
			PrevFilled: sell.Filled,
			NewFilled:  sell.Filled.Add(tradeAmt),
		},
		Amount:         tradeAmt,
		Price:          price,
		Total:          tradeAmt.Mul(price),
		Fee:            fee,
		BuyerFee:       halfFee,
		SellerFee:      halfFee,
		FeeRate:        FeeRate,
		BuyerReceives:  buyerReceives,
		SellerReceives: buyerReceives.Mul(price),
	}
}
