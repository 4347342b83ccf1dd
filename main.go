// Command peepal runs the PeePal push reminder relay and restroom suggestion API.
//
// Usage:
//
//	peepal serve
//	peepal vapid-keys
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"peepal-go/internal/config"
	"peepal-go/internal/handlers"
	"peepal-go/internal/logger"
	"peepal-go/internal/metrics"
	"peepal-go/internal/push"
	"peepal-go/internal/reminder"
	"peepal-go/internal/store"
	"peepal-go/internal/suggest"
)

func main() {
	root := &cobra.Command{
		Use:          "peepal",
		Short:        "PeePal push reminder relay and restroom suggestion API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.AddCommand(serveCmd(), vapidKeysCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func vapidKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair for .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
			if err != nil {
				return errors.Wrap(err, "generate VAPID keys")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
			return nil
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open subscription store", "backend", cfg.StoreBackend, "error", err)
		return err
	}
	defer st.Close()

	publicKey, privateKey, err := push.EnsureVAPIDKeys(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, log)
	if err != nil {
		log.Error("failed to prepare VAPID keys", "error", err)
		return err
	}

	m := metrics.New()
	sender := push.NewWebPushSender(push.Config{
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		Subject:         cfg.VAPIDSubject,
		TTL:             cfg.PushTTL,
	})

	scheduler := reminder.NewScheduler(st, sender, m, log, reminder.Options{
		Interval:        cfg.TickInterval,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
	// Deferred after st.Close, so it runs first and no tick sees a closed store.
	defer startScheduler(ctx, scheduler)()

	backend := newSuggestBackend(cfg)
	policy := suggest.ParseFailurePolicy(cfg.SuggestFailurePolicy, backend.DefaultPolicy())
	svc := suggest.NewService(backend, policy, m, log)
	log.Info("restroom suggestions", "backend", backend.Name(), "failure_policy", policy)

	h := handlers.NewHandler(st, scheduler, svc, m, log, handlers.Options{
		VAPIDPublicKey: publicKey,
		AdminSecret:    cfg.AdminSecret,
	})
	if cfg.AdminSecret == "" {
		log.Warn("ADMIN_SECRET is not set, /api/status and /api/send-push are unauthenticated")
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(h, handlers.RouterOptions{
			CORSOrigins:       cfg.CORSOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

// startScheduler runs the scheduler in the background. The returned func
// stops it and blocks until an in-flight tick has returned.
func startScheduler(ctx context.Context, s *reminder.Scheduler) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.SubscriptionStore, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		rs := store.NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, err
		}
		log.Info("using redis subscription store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return rs, nil

	case config.StorePostgres:
		ps, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := ps.RunMigrations(ctx); err != nil {
			ps.Close()
			return nil, err
		}
		log.Info("using postgres subscription store, migrations completed")
		return ps, nil

	default:
		log.Warn("using in-memory subscription store, subscriptions are lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func newSuggestBackend(cfg *config.Config) suggest.Backend {
	if cfg.SuggestBackend == config.SuggestOpenAI {
		return suggest.NewGenerativeBackend(suggest.GenerativeConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.OpenAIMaxTokens,
		})
	}
	return suggest.NewOverpassBackend(suggest.OverpassConfig{
		URL:               cfg.OverpassURL,
		UserAgent:         cfg.OverpassUserAgent,
		RequestsPerMinute: cfg.OverpassRPM,
	})
}
