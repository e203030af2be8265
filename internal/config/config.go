package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver    string
	DBFile      string
	DBDSN       string
	AdminAddr   string
	APIAddr     string
	AuthSecret  string
	TokenExpiry time.Duration
	// AllowInsecureUserID accepts ?userId= on the websocket upgrade without a token.
	AllowInsecureUserID bool

	TypingTimeout        time.Duration
	PersistRetries       int
	PersistRetryInterval time.Duration
	FriendLookupTimeout  time.Duration
	MaxMessageBytes      int
	WSEventsPerSecond    float64
	WSEventBurst         int

	AMQPURL      string
	AMQPExchange string
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// Load reads the environment, after loading .env from the working directory
// when present. Values already set in the environment win.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var errs []error
	dur := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	num := func(key, fallback string) int {
		n, err := strconv.Atoi(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}
	flag := func(key, fallback string) bool {
		b, err := strconv.ParseBool(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return b
	}
	rate, err := strconv.ParseFloat(getEnv("WS_EVENTS_PER_SECOND", "20"), 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("WS_EVENTS_PER_SECOND: %w", err))
	}

	cfg := &Config{
		DBDriver:             getEnv("DB_DRIVER", "bbolt"),
		DBFile:               getEnv("DB_FILE", "chatcore.db"),
		DBDSN:                getEnv("DB_DSN", ""),
		AdminAddr:            getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:              getEnv("API_ADDR", ":8080"),
		AuthSecret:           os.Getenv("AUTH_SECRET"),
		TokenExpiry:          dur("TOKEN_EXPIRY", "24h"),
		AllowInsecureUserID:  flag("ALLOW_INSECURE_USER_ID", "false"),
		TypingTimeout:        dur("TYPING_TIMEOUT", "3s"),
		PersistRetries:       num("PERSIST_RETRIES", "3"),
		PersistRetryInterval: dur("PERSIST_RETRY_INTERVAL", "50ms"),
		FriendLookupTimeout:  dur("FRIEND_LOOKUP_TIMEOUT", "2s"),
		MaxMessageBytes:      num("MAX_MESSAGE_BYTES", "65536"),
		WSEventsPerSecond:    rate,
		WSEventBurst:         num("WS_EVENT_BURST", "40"),
		AMQPURL:              getEnv("AMQP_URL", ""),
		AMQPExchange:         getEnv("AMQP_EXCHANGE", "chat.events"),
		OTLPEndpoint:         getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.DBDriver {
	case "bbolt":
		if c.DBFile == "" {
			return fmt.Errorf("DB_FILE is required for bbolt")
		}
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required for postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be bbolt or postgres, got %q", c.DBDriver)
	}

	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be greater than 0")
	}
	if c.PersistRetries < 0 {
		return fmt.Errorf("PERSIST_RETRIES must not be negative, got %d", c.PersistRetries)
	}
	if c.PersistRetryInterval <= 0 {
		return fmt.Errorf("PERSIST_RETRY_INTERVAL must be greater than 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be greater than 0")
	}
	if c.WSEventsPerSecond <= 0 || c.WSEventBurst <= 0 {
		return fmt.Errorf("WS_EVENTS_PER_SECOND and WS_EVENT_BURST must be greater than 0")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
