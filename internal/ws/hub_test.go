package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rupeex/exchange/internal/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_Idempotent(t *testing.T) {
	a := Init(zap.NewNop())
	b := Init(zap.NewNop())
	require.NotNil(t, a)
	assert.Same(t, a, b, "init must return the existing hub, not a new one")
}

func TestPublish_NoSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	// Publishing into an empty hub is a no-op, not an error.
	hub.Publish(&models.OrderBook{Buy: []models.Order{}, Sell: []models.Order{}})
	assert.Equal(t, 0, hub.ClientCount())
}

func TestPublish_ReachesSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for registration before publishing.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	book := &models.OrderBook{
		Buy: []models.Order{{
			ID:     1,
			Type:   models.OrderTypeBuy,
			Price:  decimal.RequireFromString("100"),
			Amount: decimal.RequireFromString("25"),
			Status: models.OrderStatusPending,
		}},
		Sell: []models.Order{},
	}
	hub.Publish(book)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got models.OrderBook
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Buy, 1)
	assert.Equal(t, 1, got.Buy[0].ID)
	assert.Empty(t, got.Sell)
}

// A client connecting while snapshots are being published must see them in
// publish order: the cached snapshot sent on connect may never arrive after
// a newer one.
func TestConnect_SnapshotOrderMonotonic(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Publish(&models.OrderBook{Buy: []models.Order{{ID: 1}}, Sell: []models.Order{}})

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := 2; id <= 50; id++ {
			hub.Publish(&models.OrderBook{Buy: []models.Order{{ID: id}}, Sell: []models.Order{}})
		}
	}()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	<-done

	prev := 0
	for {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var got models.OrderBook
		require.NoError(t, json.Unmarshal(data, &got))
		require.Len(t, got.Buy, 1)
		require.GreaterOrEqual(t, got.Buy[0].ID, prev, "snapshot arrived out of order")
		prev = got.Buy[0].ID
	}
	require.Positive(t, prev, "client received no snapshots")
}

func TestConnect_ReceivesLastSnapshot(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Publish(&models.OrderBook{Buy: []models.Order{{ID: 5}}, Sell: []models.Order{}})

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got models.OrderBook
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.Buy, 1)
	assert.Equal(t, 5, got.Buy[0].ID)
}
