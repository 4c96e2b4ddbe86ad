package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/email"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/events"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/reminders"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

const (
	emailWorkers    = 4
	emailQueueSize  = 256
	shutdownTimeout = 30 * time.Second
)

// Run starts the license service HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "dirac-account",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "dirac-account",
	})

	log.Info().Str("version", version).Msg("Starting Dirac license service")

	reg, err := registry.Open(cfg.RegistryConfig())
	if err != nil {
		return fmt.Errorf("open license registry: %w", err)
	}
	defer reg.Close()

	sender := newEmailSender(cfg)
	mailer := email.NewAsyncDispatcher(sender, emailWorkers, emailQueueSize)
	defer mailer.Close()

	publisher, err := newPublisher(cfg)
	if err != nil {
		return fmt.Errorf("init event publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Event publisher close error")
		}
	}()

	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	deps, err := NewDeps(cfg, reg, sender, mailer, publisher, version)
	if err != nil {
		return err
	}
	deps.Redis = rdb

	var scheduler *reminders.Scheduler
	if cfg.ReminderSchedule != "" {
		scheduler, err = reminders.NewScheduler(deps.Sweeper, cfg.ReminderSchedule)
		if err != nil {
			return fmt.Errorf("init reminder scheduler: %w", err)
		}
	}

	// Build HTTP routes
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("License service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		runLicenseStatusMetrics(gctx, reg)
		return nil
	})

	if scheduler != nil {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	g.Go(func() error {
		// Signal handling
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case <-gctx.Done():
			log.Info().Msg("Context cancelled, shutting down...")
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("License service stopped")
	return err
}

func newEmailSender(cfg *Config) email.Sender {
	if cfg.ResendAPIKey != "" {
		log.Info().Msg("Email sender configured (Resend)")
		return email.NewResendSender(cfg.ResendAPIKey)
	}
	log.Info().Msg("Email sender: log-only (set RESEND_API_KEY to enable)")
	return email.NewLogSender(func(to, subject, body string) {
		const maxBody = 4096
		bodyForLog := body
		if len(bodyForLog) > maxBody {
			bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
		}
		log.Info().
			Str("to", to).
			Str("subject", subject).
			Str("body", bodyForLog).
			Msg("Email (log-only, no email provider configured)")
	})
}

func newPublisher(cfg *Config) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, err
	}
	log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("License events publishing to Kafka")
	return p, nil
}

// newRedisClient returns nil when REDIS_URL is unset. An unreachable server is
// logged and kept, since the limiter fails open.
func newRedisClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable at startup; rate limits fail open until it recovers")
	} else {
		log.Info().Msg("Rate limiting shared through Redis")
	}
	return rdb, nil
}
