package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/rupeex/exchange/internal/db"
	"github.com/rupeex/exchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is what the engine needs from persistence.
type Store interface {
	GetOrder(ctx context.Context, orderID int) (*models.Order, error)
	GetCrossingOrders(ctx context.Context, order *models.Order) ([]models.Order, error)
	SettleMatch(ctx context.Context, s *models.Settlement) (*models.Trade, error)
	MarkMatched(ctx context.Context, orderID int) error
	GetOrderBook(ctx context.Context) (*models.OrderBook, error)
}

// Broadcaster pushes order book snapshots to live clients.
type Broadcaster interface {
	Publish(book *models.OrderBook)
}

// Engine matches freshly placed orders against resting counter-orders.
// Exactly one matching pass runs at a time: the queue worker that drives
// MatchOrder has concurrency 1, which is what makes the per-counter fill
// arithmetic here safe.
type Engine struct {
	store Store
	book  Broadcaster
	log   *zap.Logger
}

// NewEngine creates a matching engine.
func NewEngine(store Store, book Broadcaster, log *zap.Logger) *Engine {
	return &Engine{store: store, book: book, log: log}
}

// MatchOrder runs one matching pass for the order: walk crossing
// counter-orders in price/time priority, settle each pair at the resting
// order's price, stop when the order is exhausted. An order that no longer
// matches anything stays pending with partial or zero fill. Re-running against
// an executed or cancelled order is a no-op.
func (e *Engine) MatchOrder(ctx context.Context, orderID int) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, db.ErrOrderNotFound) {
			e.log.Warn("match job for unknown order", zap.Int("order_id", orderID))
			return nil
		}
		return err
	}

	if err := e.store.MarkMatched(ctx, orderID); err != nil {
		return err
	}

	if order.Status != models.OrderStatusPending {
		e.broadcast(ctx)
		return nil
	}
	remaining := order.Remaining()
	if !remaining.IsPositive() {
		e.broadcast(ctx)
		return nil
	}

	counters, err := e.store.GetCrossingOrders(ctx, order)
	if err != nil {
		return err
	}

	for i := range counters {
		if !remaining.IsPositive() {
			break
		}
		counter := &counters[i]
		counterAvailable := counter.Remaining()
		if !counterAvailable.IsPositive() {
			continue
		}

		tradeAmt := decimal.Min(remaining, counterAvailable)
		settlement := e.buildSettlement(order, counter, tradeAmt)

		trade, err := e.store.SettleMatch(ctx, settlement)
		if err != nil {
			if errors.Is(err, db.ErrStaleOrder) {
				// The counter (or the order itself) changed under us,
				// most likely a concurrent cancel. Re-read and move on.
				order, err = e.store.GetOrder(ctx, orderID)
				if err != nil {
					return err
				}
				if order.Status != models.OrderStatusPending {
					break
				}
				remaining = order.Remaining()
				continue
			}
			return fmt.Errorf("settle order %d against %d: %w", order.ID, counter.ID, err)
		}

		order.Filled = order.Filled.Add(tradeAmt)
		remaining = remaining.Sub(tradeAmt)
		e.log.Info("trade executed",
			zap.Int("trade_id", trade.ID),
			zap.Int("buy_order_id", trade.BuyOrderID),
			zap.Int("sell_order_id", trade.SellOrderID),
			zap.String("amount", trade.Amount.String()),
			zap.String("price", trade.Price.String()))
	}

	e.broadcast(ctx)
	return nil
}

// buildSettlement orients the pair as buyer/seller regardless of which side
// was incoming. Execution is always at the resting counter's price.
func (e *Engine) buildSettlement(order, counter *models.Order, tradeAmt decimal.Decimal) *models.Settlement {
	if order.Type == models.OrderTypeBuy {
		return NewSettlement(order, counter, tradeAmt, counter.Price)
	}
	return NewSettlement(counter, order, tradeAmt, counter.Price)
}

// broadcast re-publishes the order book. Failures never fail the pass.
func (e *Engine) broadcast(ctx context.Context) {
	book, err := e.store.GetOrderBook(ctx)
	if err != nil {
		e.log.Warn("failed to load order book for broadcast", zap.Error(err))
		return
	}
	e.book.Publish(book)
}
