package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func main() {
	root := &cobra.Command{
		Use:          "perp-engine",
		Short:        "Perpetual futures ledger with an embedded AMM",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and WebSocket API",
		RunE:  runServe,
	}

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("log-file", "", "also write logs to this rotated file")
	serveCmd.Flags().Int("log-max-age", 7, "days to keep rotated log files")
	serveCmd.Flags().String("redis-url", "", "Redis URL for history caching and journal pub/sub")
	serveCmd.Flags().Float64("rate-limit", 50, "mutations per second, 0 disables")
	serveCmd.Flags().Int("rate-burst", 100, "mutation burst size")
	serveCmd.Flags().String("operator", "", "operator address")

	root.AddCommand(serveCmd)

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print journal entries published on Redis",
		RunE:  runTail,
	}

	tailCmd.Flags().String("redis-url", "", "Redis URL")

	root.AddCommand(tailCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store = store.NewMemoryStore()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		st = store.NewRedisStore(st, rdb, cfg.JournalTTL, cfg.JournalChannel)
		logger.Info("redis journal enabled", "channel", cfg.JournalChannel)
	} else {
		logger.Warn("redis url not set, journal is in-memory only")
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	svc, err := trade.NewService(ledger.Config{
		Address:  cfg.Exchange,
		Operator: cfg.Operator,
		Risk:     cfg.Risk,
		Logger:   logger,
	}, st, wsHub, trade.Options{Limiter: limiter, Logger: logger})
	if err != nil {
		return err
	}

	for _, mc := range cfg.Markets {
		index, err := mc.Index()
		if err != nil {
			return err
		}
		m, err := svc.AddMarket(cfg.Operator, trade.MarketParams{
			Symbol:                mc.Symbol,
			PoolFeeRatio:          mc.PoolFeeRatio,
			InitialPriceTolerance: mc.InitialPriceTolerance,
			FeedDecimals:          mc.FeedDecimals,
			IndexPrice:            index,
			Funding:               mc.Funding,
			PriceLimit:            mc.PriceLimit,
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", mc.Symbol, err)
		}
		logger.Info("market registered", "symbol", m.Symbol(), "address", m.Address().Hex())
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for journal updates. Outside the timeout
		// middleware, which would cut long-lived connections.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("perp-engine listening",
			"addr", cfg.Addr,
			"exchange", cfg.Exchange.Hex(),
			"operator", cfg.Operator.Hex(),
			"markets", len(cfg.Markets),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down perp-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := store.NewRedisStore(nil, rdb, cfg.JournalTTL, cfg.JournalChannel).Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.Payload)
		}
	}
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxAge:   cfg.LogMaxAgeDays,
			MaxSize:  100,
			Compress: true,
		})
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), nil
}

// cors allows cross-origin requests from browser frontends.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Caller")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
