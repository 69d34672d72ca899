package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Outbox   OutboxConfig
}

type AppConfig struct {
	Name     string
	Port     string
	Env      string
	LogLevel string
}

type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MigrationsPath  string
}

// DSN returns a keyword/value connection string understood by both pgx and lib/pq.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dsnValue(c.Host), dsnValue(c.Port), dsnValue(c.User), dsnValue(c.Password), dsnValue(c.DBName), dsnValue(c.SSLMode))
}

// dsnValue single-quotes v when it is empty or holds whitespace, quotes or
// backslashes, escaping the latter two as libpq expects.
func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\r'\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// NewConfig loads .env from the working directory when present and reads the environment.
func NewConfig() (*Config, error) {
	return Load(".env")
}

// Load reads configuration from the environment after applying the optional env file at path.
// Variables already set in the environment win over the file.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	r := &reader{}

	cfg := &Config{}
	cfg.App.Name = r.str("APP_NAME", "order-service")
	cfg.App.Port = r.str("APP_PORT", "8080")
	cfg.App.Env = r.str("APP_ENV", "development")
	cfg.App.LogLevel = r.str("LOG_LEVEL", "info")

	cfg.Postgres.Host = r.required("DB_HOST")
	cfg.Postgres.Port = r.str("DB_PORT", "5432")
	cfg.Postgres.User = r.required("DB_USER")
	cfg.Postgres.Password = r.required("DB_PASSWORD")
	cfg.Postgres.DBName = r.required("DB_NAME")
	cfg.Postgres.SSLMode = r.str("DB_SSLMODE", "disable")
	cfg.Postgres.MaxConns = int32(r.int("DB_MAX_CONNS", 10))
	cfg.Postgres.MinConns = int32(r.int("DB_MIN_CONNS", 2))
	cfg.Postgres.MaxConnLifetime = r.duration("DB_MAX_CONN_LIFETIME", 30*time.Minute)
	cfg.Postgres.MigrationsPath = r.str("MIGRATIONS_PATH", "migrations")

	cfg.Kafka.Brokers = splitList(r.str("KAFKA_BROKERS", "localhost:9092"))
	cfg.Kafka.Topic = r.str("KAFKA_TOPIC", "orders")

	cfg.Outbox.PollInterval = r.duration("OUTBOX_POLL_INTERVAL", time.Second)
	cfg.Outbox.BatchSize = r.int("OUTBOX_BATCH_SIZE", 100)

	if err := r.err(); err != nil {
		return nil, err
	}

	if cfg.Postgres.MinConns > cfg.Postgres.MaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", cfg.Postgres.MinConns, cfg.Postgres.MaxConns)
	}
	if cfg.Outbox.PollInterval <= 0 {
		return nil, fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive, got %s", cfg.Outbox.PollInterval)
	}
	if cfg.Outbox.BatchSize <= 0 {
		return nil, fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", cfg.Outbox.BatchSize)
	}

	return cfg, nil
}

// reader collects every problem so a misconfigured deployment reports them all at once.
type reader struct {
	missing []string
	invalid []string
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		r.missing = append(r.missing, key)
	}
	return v
}

func (r *reader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid = append(r.invalid, fmt.Sprintf("%s=%q", key, v))
		return def
	}
	return d
}

func (r *reader) err() error {
	var parts []string
	if len(r.missing) > 0 {
		parts = append(parts, "missing required variables: "+strings.Join(r.missing, ", "))
	}
	if len(r.invalid) > 0 {
		parts = append(parts, "invalid values: "+strings.Join(r.invalid, ", "))
	}
	if len(parts) == 0 {
		return nil
	}
	return errors.New("config: " + strings.Join(parts, "; "))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
