package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total availability messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	declared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_declarations_total",
		Help: "Total declarations appended to the ledger",
	})
	declareErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_declaration_errors_total",
		Help: "Total declarations dropped after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, declared, declareErrors)
}

// availabilityMessage is one driver declaring itself free.
type availabilityMessage struct {
	DriverID models.DriverID `json:"driver_id"`
	At       time.Time       `json:"at"`
	Location models.Point    `json:"location"`
}

func (m availabilityMessage) validate() error {
	if m.DriverID == "" {
		return errors.New("driver_id is required")
	}
	if m.At.IsZero() {
		return errors.New("at is required")
	}
	return nil
}

// Declarer is the one coordinator operation the consumer needs.
type Declarer interface {
	DeclareAvailable(ctx context.Context, driverID models.DriverID, at time.Time, location models.Point) error
}

func main() {
	var (
		metricsAddr string
		cfgPath     string
	)
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&cfgPath, "config", "", "configuration file (yaml or json)")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		l := logging.NewLogger("info", "json")
		l.Fatal().Err(err).Msg("load config")
	}
	log := logging.Component(logging.NewLogger(cfg.Log.Level, cfg.Log.Format), "consumer")
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	coord := app.New(app.Options{Store: store, Log: log})

	go serveOps(metricsAddr, coord, log)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.AvailabilityTopic,
		GroupID:  cfg.Kafka.Group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = store.Close()
	}()

	log.Info().Str("topic", cfg.Kafka.AvailabilityTopic).Strs("brokers", cfg.Kafka.Brokers).Str("group", cfg.Kafka.Group).Msg("consumer listening")
	consume(ctx, r, coord, log)
}

var errNoDSN = errors.New("postgres.dsn is required")

// openStore requires Postgres. Offsets are committed per message, so every
// declaration must land in the store the dispatchers read.
func openStore(ctx context.Context, cfg config.PostgresConfig) (storage.Store, error) {
	if cfg.DSN == "" {
		return nil, errNoDSN
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, d Declarer, log zerolog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("shutting down consumer")
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var msg availabilityMessage
		if err := json.Unmarshal(m.Value, &msg); err == nil {
			err = msg.validate()
		}
		if err != nil {
			msgsInvalid.Inc()
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("invalid message")
			continue
		}

		if err := declareWithRetry(ctx, d, msg, 3, 200*time.Millisecond); err != nil {
			declareErrors.Inc()
			log.Error().Err(err).Str("driver_id", string(msg.DriverID)).Msg("declaration dropped")
			continue
		}
		declared.Inc()
	}
}

// declareWithRetry retries transient store failures with doubling delay.
// Rejected input is not retried.
func declareWithRetry(ctx context.Context, d Declarer, msg availabilityMessage, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = d.DeclareAvailable(ctx, msg.DriverID, msg.At, msg.Location)
		if err == nil || errors.Is(err, app.ErrInvalid) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func serveOps(addr string, coord *app.Coordinator, log zerolog.Logger) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := coord.Ready(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	log.Info().Str("addr", addr).Msg("metrics/health listening")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
		os.Exit(1)
	}
}
