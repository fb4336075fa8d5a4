package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rupeex/exchange/internal/auth"
	"github.com/rupeex/exchange/internal/db"
	"github.com/rupeex/exchange/internal/exchange"
	"github.com/rupeex/exchange/internal/models"
	"github.com/rupeex/exchange/internal/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Enqueuer queues a matching pass for a freshly placed order.
type Enqueuer interface {
	EnqueueMatchJob(ctx context.Context, orderID int) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Queue       Enqueuer
	Hub         *ws.Hub
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, hub *ws.Hub, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{DB: db, Queue: db, Hub: hub, AuthService: authService, Log: log}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PlaceOrder validates the order, locks the gross notional, inserts the
// pending order, then re-broadcasts the book and enqueues a matching job.
// Broadcast and enqueue are best-effort: the order stands even if they fail.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Type   string          `json:"type"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Type != models.OrderTypeBuy && req.Type != models.OrderTypeSell {
		writeError(w, http.StatusBadRequest, "Type must be 'buy' or 'sell'")
		return
	}
	if !req.Price.IsPositive() || !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Price and amount must be positive")
		return
	}

	// Fee is quoted now but collected from the proceeds at settlement, so
	// the full notional is locked: PKR for buys, USDT for sells.
	feeAmount := exchange.PlacementFee(req.Amount)
	lockCurrency := models.CurrencyUSDT
	lockAmount := req.Amount
	if req.Type == models.OrderTypeBuy {
		lockCurrency = models.CurrencyPKR
		lockAmount = req.Price.Mul(req.Amount)
	}

	ctx := r.Context()
	tx, err := h.DB.Pool.Begin(ctx)
	if err != nil {
		h.Log.Error("failed to begin placement transaction", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}
	defer tx.Rollback(ctx)

	if err := h.DB.LockBalance(ctx, tx, userID, lockCurrency, lockAmount); err != nil {
		var insufficient *db.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf(
				"Insufficient %s balance: need %s more %s to place this order",
				insufficient.Currency, insufficient.Shortfall(), insufficient.Currency))
			return
		}
		h.Log.Error("failed to lock balance", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	order, err := h.DB.CreateOrder(ctx, tx, &models.Order{
		UserID:      userID,
		Type:        req.Type,
		Price:       req.Price,
		Amount:      req.Amount,
		FeeAmount:   feeAmount,
		FeeCurrency: models.CurrencyUSDT,
	})
	if err != nil {
		h.Log.Error("failed to create order", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		h.Log.Error("failed to commit placement", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}

	h.broadcastOrderBook(ctx)
	if err := h.Queue.EnqueueMatchJob(ctx, order.ID); err != nil {
		// The sweeper will pick the order up later.
		h.Log.Warn("failed to enqueue match job", zap.Int("order_id", order.ID), zap.Error(err))
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"order": order,
		"fee_info": map[string]interface{}{
			"fee_amount": feeAmount,
			"fee_rate":   "0.15%",
			"message":    "Trading fee is deducted from the amount you receive",
		},
	})
}

// CancelOrder cancels a pending order and releases its remaining locked funds.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderIDStr := chi.URLParam(r, "id")
	orderID, err := strconv.Atoi(orderIDStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.DB.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, db.ErrOrderNotOpen):
			writeError(w, http.StatusBadRequest, "Order is not pending")
		default:
			h.Log.Error("failed to cancel order", zap.Int("order_id", orderID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to cancel order")
		}
		return
	}

	h.broadcastOrderBook(r.Context())

	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Order cancelled",
		"order":   order,
	})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to get user orders", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	json.NewEncoder(w).Encode(orders)
}

// GetOrderBook retrieves the current order book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.DB.GetOrderBook(r.Context())
	if err != nil {
		h.Log.Error("failed to get order book", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}
	json.NewEncoder(w).Encode(book)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.DB.GetUserTrades(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to get user trades", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve trades")
		return
	}

	json.NewEncoder(w).Encode(trades)
}

// GetUserWallets retrieves a user's PKR and USDT wallets.
func (h *Handler) GetUserWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	wallets, err := h.DB.GetUserWallets(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to get wallets", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to retrieve wallets")
		return
	}

	json.NewEncoder(w).Encode(wallets)
}

// broadcastOrderBook publishes the current snapshot. Never fails the caller.
func (h *Handler) broadcastOrderBook(ctx context.Context) {
	book, err := h.DB.GetOrderBook(ctx)
	if err != nil {
		h.Log.Warn("failed to load order book for broadcast", zap.Error(err))
		return
	}
	h.Hub.Publish(book)
}
