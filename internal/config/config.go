package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. Nested keys use a double
// underscore, so RIDE_HTTP__ADDR sets http.addr.
const EnvPrefix = "RIDE_"

// Config captures all tunable parameters of the dispatch service. Every
// field has a default so the binary can run locally against the in-memory
// store with no file and no environment.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Postgres PostgresConfig `koanf:"postgres"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Matcher  MatcherConfig  `koanf:"matcher"`
	Stripe   StripeConfig   `koanf:"stripe"`
	Notify   NotifyConfig   `koanf:"notify"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// PostgresConfig selects the durable store. An empty DSN means in-memory.
type PostgresConfig struct {
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

// RedisConfig enables driver claims and the shared place registry when Addr
// is set.
type RedisConfig struct {
	Addr       string        `koanf:"addr"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	PlacesKey  string        `koanf:"places_key"`
	LockPrefix string        `koanf:"lock_prefix"`
	LockTTL    time.Duration `koanf:"lock_ttl"`
}

type KafkaConfig struct {
	Brokers           []string `koanf:"brokers"`
	EventsTopic       string   `koanf:"events_topic"`
	AvailabilityTopic string   `koanf:"availability_topic"`
	Group             string   `koanf:"group"`
}

type MatcherConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

type StripeConfig struct {
	APIKey string `koanf:"api_key"`
}

type NotifyConfig struct {
	WebhookURL string        `koanf:"webhook_url"`
	Timeout    time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			PlacesKey:  "places",
			LockPrefix: "dispatch:driver:",
			LockTTL:    10 * time.Second,
		},
		Kafka: KafkaConfig{
			EventsTopic:       "dispatch-events",
			AvailabilityTopic: "driver-availability",
			Group:             "ride-dispatch-consumer",
		},
		Matcher: MatcherConfig{MaxAttempts: 3},
		Notify:  NotifyConfig{Timeout: 3 * time.Second},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (yaml or json, optional) over the defaults, then applies
// RIDE_ environment overrides and validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Config{}, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitAndTrim(cfg.Kafka.Brokers)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return cfg, cfg.Validate()
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must be set"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.name))
		}
	}
	if c.Matcher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("matcher.max_attempts must be > 0"))
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("redis.lock_ttl must be > 0"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.EventsTopic == "" {
		errs = append(errs, errors.New("kafka.events_topic must be set when brokers are configured"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// splitAndTrim flattens comma separated entries, which is how a broker list
// arrives from a single environment variable.
func splitAndTrim(vs []string) []string {
	var out []string
	for _, v := range vs {
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				out = append(out, r)
			}
		}
	}
	return out
}
