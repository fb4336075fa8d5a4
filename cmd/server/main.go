package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rupeex/exchange/internal/api"
	"github.com/rupeex/exchange/internal/auth"
	"github.com/rupeex/exchange/internal/config"
	"github.com/rupeex/exchange/internal/db"
	"github.com/rupeex/exchange/internal/exchange"
	"github.com/rupeex/exchange/internal/queue"
	"github.com/rupeex/exchange/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Main entry point: database, broadcaster, matching worker, HTTP server.
func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	hub := ws.Init(logger)
	engine := exchange.NewEngine(database, hub, logger)
	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(database, hub, authService, logger)

	// The single matching worker is the system's serialization point: one
	// pass at a time, end to end.
	worker := queue.NewWorker(database, engine, queue.Config{
		PollInterval:  cfg.QueuePollInterval,
		LockDuration:  cfg.QueueLockDuration,
		MaxAttempts:   cfg.QueueMaxAttempts,
		BackoffBase:   cfg.QueueBackoffBase,
		SweepInterval: cfg.SweepInterval,
		SweepGrace:    cfg.SweepGrace,
	}, logger)
	go worker.Run(ctx)
	go worker.RunSweeper(ctx)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", hub.ServeHTTP)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/orderbook", handler.GetOrderBook)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/wallets", handler.GetUserWallets)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logger.Info("starting server", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}
