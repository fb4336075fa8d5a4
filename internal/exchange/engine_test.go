package exchange

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rupeex/exchange/internal/db"
	"github.com/rupeex/exchange/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore applies settlements to in-memory orders with the same freshness
// guards the real store enforces.
type fakeStore struct {
	orders      map[int]*models.Order
	settlements []*models.Settlement
	trades      []*models.Trade
	matchedIDs  []int

	// when set, the next SettleMatch returns this error once
	nextSettleErr error
}

func newFakeStore(orders ...*models.Order) *fakeStore {
	s := &fakeStore{orders: make(map[int]*models.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeStore) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, db.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeStore) GetCrossingOrders(ctx context.Context, order *models.Order) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if o.Type == order.Type || o.Status != models.OrderStatusPending || !o.Remaining().IsPositive() {
			continue
		}
		if order.Type == models.OrderTypeBuy && o.Price.LessThanOrEqual(order.Price) {
			out = append(out, *o)
		}
		if order.Type == models.OrderTypeSell && o.Price.GreaterThanOrEqual(order.Price) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price.Equal(out[j].Price) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if order.Type == models.OrderTypeBuy {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out, nil
}

func (s *fakeStore) SettleMatch(ctx context.Context, settle *models.Settlement) (*models.Trade, error) {
	if s.nextSettleErr != nil {
		err := s.nextSettleErr
		s.nextSettleErr = nil
		return nil, err
	}
	for _, fill := range []models.OrderFill{settle.Buy, settle.Sell} {
		o := s.orders[fill.OrderID]
		if o.Status != models.OrderStatusPending || !o.Filled.Equal(fill.PrevFilled) {
			return nil, db.ErrStaleOrder
		}
	}
	for _, fill := range []models.OrderFill{settle.Buy, settle.Sell} {
		o := s.orders[fill.OrderID]
		o.Filled = fill.NewFilled
		if o.Filled.GreaterThanOrEqual(o.Amount) {
			o.Status = models.OrderStatusExecuted
		}
	}
	s.settlements = append(s.settlements, settle)
	trade := &models.Trade{
		ID:          len(s.trades) + 1,
		BuyOrderID:  settle.Buy.OrderID,
		SellOrderID: settle.Sell.OrderID,
		BuyerID:     settle.Buy.UserID,
		SellerID:    settle.Sell.UserID,
		Amount:      settle.Amount,
		Price:       settle.Price,
		Total:       settle.Total,
		TotalFee:    settle.Fee,
	}
	s.trades = append(s.trades, trade)
	return trade, nil
}

func (s *fakeStore) MarkMatched(ctx context.Context, orderID int) error {
	s.matchedIDs = append(s.matchedIDs, orderID)
	return nil
}

func (s *fakeStore) GetOrderBook(ctx context.Context) (*models.OrderBook, error) {
	return &models.OrderBook{Buy: []models.Order{}, Sell: []models.Order{}}, nil
}

type fakeBroadcaster struct {
	published int
}

func (b *fakeBroadcaster) Publish(book *models.OrderBook) { b.published++ }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func order(id, userID int, side, price, amount string, age time.Duration) *models.Order {
	return &models.Order{
		ID:        id,
		UserID:    userID,
		Type:      side,
		Price:     dec(price),
		Amount:    dec(amount),
		Filled:    decimal.Zero,
		Status:    models.OrderStatusPending,
		CreatedAt: time.Now().Add(-age),
	}
}

func newTestEngine(s *fakeStore) (*Engine, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	return NewEngine(s, b, zap.NewNop()), b
}

func TestMatchOrder_PricePriority(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "105", "10", 2*time.Hour),
		order(2, 11, "sell", "100", "10", time.Hour),
		order(3, 12, "buy", "110", "10", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 3))

	// The cheaper sell fills first and fully satisfies the buy.
	require.Len(t, store.trades, 1)
	assert.Equal(t, 2, store.trades[0].SellOrderID)
	assert.True(t, store.trades[0].Price.Equal(dec("100")))
	assert.Equal(t, models.OrderStatusExecuted, store.orders[3].Status)
	assert.Equal(t, models.OrderStatusPending, store.orders[1].Status)
}

func TestMatchOrder_TimePriority(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "100", "10", time.Hour),   // older
		order(2, 11, "sell", "100", "10", time.Minute), // newer
		order(3, 12, "buy", "100", "10", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 3))

	require.Len(t, store.trades, 1)
	assert.Equal(t, 1, store.trades[0].SellOrderID, "earlier order at the same price fills first")
	assert.Equal(t, models.OrderStatusExecuted, store.orders[1].Status)
	assert.Equal(t, models.OrderStatusPending, store.orders[2].Status)
}

func TestMatchOrder_MakerPrice(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "100", "10", time.Hour),
		order(2, 11, "buy", "110", "10", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 2))

	require.Len(t, store.trades, 1)
	assert.True(t, store.trades[0].Price.Equal(dec("100")),
		"execution happens at the resting order's price, got %s", store.trades[0].Price)
}

func TestMatchOrder_MakerPriceForIncomingSell(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "buy", "110", "10", time.Hour),
		order(2, 11, "sell", "100", "10", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 2))

	require.Len(t, store.trades, 1)
	assert.True(t, store.trades[0].Price.Equal(dec("110")),
		"resting buy's price wins, got %s", store.trades[0].Price)
	assert.Equal(t, 1, store.trades[0].BuyOrderID)
	assert.Equal(t, 2, store.trades[0].SellOrderID)
}

func TestMatchOrder_PartialFill(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "100", "50", time.Hour),
		order(2, 11, "buy", "100", "25", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 2))

	require.Len(t, store.trades, 1)
	assert.True(t, store.trades[0].Amount.Equal(dec("25")))

	sell := store.orders[1]
	assert.Equal(t, models.OrderStatusPending, sell.Status)
	assert.True(t, sell.Filled.Equal(dec("25")))

	buy := store.orders[2]
	assert.Equal(t, models.OrderStatusExecuted, buy.Status)
	assert.True(t, buy.Filled.Equal(dec("25")))
}

func TestMatchOrder_WalksMultipleCounters(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "100", "20", 2*time.Hour),
		order(2, 11, "sell", "101", "50", time.Hour),
		order(3, 12, "buy", "101", "60", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 3))

	require.Len(t, store.trades, 2)
	assert.True(t, store.trades[0].Amount.Equal(dec("20")))
	assert.True(t, store.trades[0].Price.Equal(dec("100")))
	assert.True(t, store.trades[1].Amount.Equal(dec("40")))
	assert.True(t, store.trades[1].Price.Equal(dec("101")))

	assert.Equal(t, models.OrderStatusExecuted, store.orders[1].Status)
	assert.Equal(t, models.OrderStatusPending, store.orders[2].Status)
	assert.True(t, store.orders[2].Filled.Equal(dec("40")))
	assert.Equal(t, models.OrderStatusExecuted, store.orders[3].Status)
}

func TestMatchOrder_NoCrossStaysPending(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "100", "10", time.Hour),
		order(2, 11, "buy", "90", "10", 0),
	)
	engine, broadcaster := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 2))

	assert.Empty(t, store.trades)
	assert.Equal(t, models.OrderStatusPending, store.orders[2].Status)
	assert.True(t, store.orders[2].Filled.IsZero())
	assert.Equal(t, 1, broadcaster.published, "book re-broadcast even without a match")
}

func TestMatchOrder_IdempotentRerun(t *testing.T) {
	executed := order(1, 10, "buy", "100", "10", time.Hour)
	executed.Filled = executed.Amount
	executed.Status = models.OrderStatusExecuted
	store := newFakeStore(
		executed,
		order(2, 11, "sell", "100", "10", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 1))
	assert.Empty(t, store.trades, "re-running an executed order must not trade again")

	cancelled := order(3, 12, "buy", "100", "10", 0)
	cancelled.Status = models.OrderStatusCancelled
	store.orders[3] = cancelled

	require.NoError(t, engine.MatchOrder(context.Background(), 3))
	assert.Empty(t, store.trades)
}

func TestMatchOrder_UnknownOrderIsNoop(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store)
	assert.NoError(t, engine.MatchOrder(context.Background(), 42))
}

func TestMatchOrder_StaleCounterSkipped(t *testing.T) {
	store := newFakeStore(
		order(1, 10, "sell", "100", "10", 2*time.Hour),
		order(2, 11, "sell", "100", "10", time.Hour),
		order(3, 12, "buy", "100", "10", 0),
	)
	// First settle attempt hits a concurrent change; the engine re-reads
	// and tries the next counter.
	store.nextSettleErr = db.ErrStaleOrder
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 3))

	require.Len(t, store.trades, 1)
	assert.Equal(t, 2, store.trades[0].SellOrderID)
	assert.Equal(t, models.OrderStatusExecuted, store.orders[3].Status)
}

func TestMatchOrder_EndToEndAmounts(t *testing.T) {
	// User A sells 50 USDT @ 100, user B buys 25 USDT @ 100.
	store := newFakeStore(
		order(1, 1001, "sell", "100", "50", time.Hour),
		order(2, 1002, "buy", "100", "25", 0),
	)
	engine, _ := newTestEngine(store)

	require.NoError(t, engine.MatchOrder(context.Background(), 2))

	require.Len(t, store.settlements, 1)
	s := store.settlements[0]

	assert.Equal(t, 1002, s.Buy.UserID)
	assert.Equal(t, 1001, s.Sell.UserID)
	assert.True(t, s.Fee.Equal(dec("0.0375")), "fee = %s", s.Fee)
	assert.True(t, s.BuyerReceives.Equal(dec("24.9625")), "buyer receives %s", s.BuyerReceives)
	assert.True(t, s.SellerReceives.Equal(dec("2496.25")), "seller receives %s", s.SellerReceives)
	assert.True(t, s.Total.Equal(dec("2500")), "gross PKR notional %s", s.Total)

	assert.Equal(t, models.OrderStatusPending, store.orders[1].Status)
	assert.True(t, store.orders[1].Filled.Equal(dec("25")))
	assert.Equal(t, models.OrderStatusExecuted, store.orders[2].Status)
}
