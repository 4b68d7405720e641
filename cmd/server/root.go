package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "ride-dispatch",
	Short:        "Ride dispatch core",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewLogger(cfg.Log.Level, cfg.Log.Format), nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for migrate")
	}
	ps, err := storage.NewPostgresStore(cmd.Context(), cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer ps.Close()
	if err := ps.Migrate(cmd.Context()); err != nil {
		return err
	}
	log.Info().Msg("migration applied")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	deps, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close(log)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewServer(deps.coord, deps.ws, log),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("ride-dispatch listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

type deps struct {
	coord   *app.Coordinator
	ws      *dispatch.WSRegistry
	closers []func() error
}

func (d *deps) close(log zerolog.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

// wire picks each backend from config: Postgres or memory for the ledger,
// Redis for driver claims, Kafka for events, Stripe for billing.
func wire(ctx context.Context, cfg config.Config, log zerolog.Logger) (*deps, error) {
	d := &deps{ws: dispatch.NewWSRegistry()}
	opts := app.Options{MaxAttempts: cfg.Matcher.MaxAttempts, Log: log}

	if cfg.Postgres.DSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, ps.Close)
		if cfg.Postgres.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				d.close(log)
				return nil, err
			}
		}
		opts.Store, opts.Places = ps, ps
	} else {
		log.Warn().Msg("postgres.dsn not set, using in-memory store")
		opts.Store = storage.NewMemoryStore()
	}

	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		d.closers = append(d.closers, rc.Close)
		opts.Locker = lock.NewRedisLocker(rc, cfg.Redis.LockPrefix, cfg.Redis.LockTTL)
		if opts.Places == nil {
			opts.Places = geo.NewRedisPlaces(rc, cfg.Redis.PlacesKey)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := ingest.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		d.closers = append(d.closers, kp.Close)
		opts.Events = kp
	}

	if cfg.Stripe.APIKey != "" {
		opts.Billing = payments.NewStripeTotals(cfg.Stripe.APIKey, nil)
	}

	var fallback dispatch.Notifier
	if cfg.Notify.WebhookURL != "" {
		fallback = dispatch.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	}
	opts.Notifier = dispatch.NewPushNotifier(d.ws, fallback)

	d.coord = app.New(opts)
	return d, nil
}
