package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config reúne a configuração do checkout-service
type Config struct {
	Port        string
	ServiceName string

	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	MigrationsDir    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LockBackend string
	LockTTL     time.Duration
	LockWait    time.Duration

	CheckoutTTL    time.Duration
	IdempotencyTTL time.Duration
	ReaperInterval time.Duration
	ReaperBatch    int

	OTLPEndpoint string

	KafkaBrokers []string
	KafkaTopic   string

	DTMServer      string
	CartServiceURL string
	// ServiceURL é o endereço deste serviço visto pelo DTM (consulta de mensagens preparadas)
	ServiceURL     string
}

// Load lê o .env (opcional) e depois as variáveis de ambiente
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("ℹ️  No .env file loaded: %v", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		ServiceName:      getEnv("SERVICE_NAME", "checkout-service"),
		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:     getEnv("DATABASE_USER", "root"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", "pass"),
		DatabaseName:     getEnv("DATABASE_NAME", "checkout_db"),
		MigrationsDir:    getEnv("MIGRATIONS_DIR", "migrations"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		LockBackend:      getEnv("LOCK_BACKEND", "redis"),
		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		KafkaBrokers:     splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "checkout-events"),
		DTMServer:        os.Getenv("DTM_SERVER"),
		CartServiceURL:   os.Getenv("CART_SERVICE_URL"),
		ServiceURL:       getEnv("SERVICE_URL", "http://checkout-service:8080"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.ReaperBatch, err = getEnvInt("REAPER_BATCH", 100); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = getEnvDuration("LOCK_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockWait, err = getEnvDuration("LOCK_WAIT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.CheckoutTTL, err = getEnvDuration("CHECKOUT_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = getEnvDuration("REAPER_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejeita combinações que deixariam o core sem exclusão mútua ou sem expiração
func (c *Config) Validate() error {
	if c.LockBackend != "redis" && c.LockBackend != "local" {
		return fmt.Errorf("LOCK_BACKEND must be redis or local, got %q", c.LockBackend)
	}
	if c.LockTTL <= 0 || c.LockWait <= 0 {
		return fmt.Errorf("LOCK_TTL and LOCK_WAIT must be positive")
	}
	if c.CheckoutTTL <= 0 {
		return fmt.Errorf("CHECKOUT_TTL must be positive")
	}
	if c.IdempotencyTTL < c.CheckoutTTL {
		return fmt.Errorf("IDEMPOTENCY_TTL (%s) must not be shorter than CHECKOUT_TTL (%s)", c.IdempotencyTTL, c.CheckoutTTL)
	}
	if c.ReaperInterval <= 0 || c.ReaperBatch <= 0 {
		return fmt.Errorf("REAPER_INTERVAL and REAPER_BATCH must be positive")
	}
	return nil
}

// DatabaseDSN monta a DSN no formato aceito por pgx e lib/pq
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
	)
}

// DTMEnabled indica se a restauração do carrinho vai para um serviço remoto via DTM
func (c *Config) DTMEnabled() bool {
	return c.DTMServer != "" && c.CartServiceURL != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
