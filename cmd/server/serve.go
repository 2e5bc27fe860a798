package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/energypool/pool-engine/internal/feed"
	"github.com/energypool/pool-engine/internal/ledger"
	"github.com/energypool/pool-engine/internal/limits"
	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
	"github.com/energypool/pool-engine/internal/orderbook"
	"github.com/energypool/pool-engine/internal/settlement"
	"github.com/energypool/pool-engine/internal/sweeper"
	"github.com/energypool/pool-engine/internal/trade"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, sweepers and transfer feed",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply the PostgreSQL schema before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// --- Store ---
	st, pg, cleanup, err := openStore(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}
	if autoMigrate && pg != nil {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	// --- Transfer feed ---
	hub := trade.NewWSHub()
	pub := feed.NewMulti(feed.Named{Name: "websocket", Publisher: hub})
	if len(cfg.Kafka.Brokers) > 0 {
		kp := feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close", "err", err)
			}
		}()
		pub.Add("kafka", kp)
		slog.Info("Kafka transfer feed enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Core ---
	led := ledger.New(st, ledger.WithRetention(cfg.Sweeper.Retention))
	if err := led.Restore(ctx); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	settler := settlement.New(led, st, pub)
	limiter := limits.NewOrderLimiter(cfg.Orders.MaxQuantityCapacity(), cfg.Orders.MaxOpenOrders)
	book := orderbook.New(led, st, settler,
		orderbook.WithLimiter(limiter),
		orderbook.WithDefaultTTL(cfg.Orders.DefaultTTL),
	)
	if err := book.Restore(ctx); err != nil {
		return fmt.Errorf("restore order book: %w", err)
	}

	sweepers := sweeper.New(book, led, cfg.Sweeper.Interval)
	defer sweepers.Stop()
	for _, p := range led.Pools() {
		if p.State == model.PoolActive {
			sweepers.Watch(p.ID)
		}
	}

	svc := trade.NewService(led, book, st, sweepers)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      newRouter(hub, svc),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("pool-engine listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pool-engine...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	slog.Info("pool-engine stopped")
	return err
}

func newRouter(hub *trade.WSHub, svc *trade.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live transfer feed.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})
	return r
}
