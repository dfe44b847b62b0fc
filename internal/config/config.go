// Package config reads the server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Config holds the server settings.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR,default=0.0.0.0:8443"`
	GRPCAddr         string        `env:"GRPC_ADDR,default=0.0.0.0:9090"`
	TLSCertFile      string        `env:"TLS_CERT_FILE"`
	TLSKeyFile       string        `env:"TLS_KEY_FILE"`
	StoreDriver      string        `env:"STORE_DRIVER,default=badger"`
	DBConn           string        `env:"TUYU_DB_CONN"`
	BadgerPath       string        `env:"BADGER_PATH"`
	JWTSecret        string        `env:"JWT_SECRET"`
	LogLevel         string        `env:"LOG_LEVEL,default=INFO"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH,default=1000"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE,default=256"`
	EventTimeout     time.Duration `env:"EVENT_TIMEOUT,default=10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`
	AllowedOrigins   string        `env:"ALLOWED_ORIGINS"`
	SeedUsers        string        `env:"SEED_USERS"`
	SeedChannels     string        `env:"SEED_CHANNELS,default=general"`
}

// Load reads .env files when present, then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("No .env file loaded, using system environment variables", "error", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBConn == "" {
			return fmt.Errorf("config error: TUYU_DB_CONN is required for the %s store", DriverPostgres)
		}
	case DriverBadger:
	default:
		return fmt.Errorf("config error: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config error: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("config error: MAX_CONTENT_LENGTH must be positive, got %d", c.MaxContentLength)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("config error: SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	return nil
}

// Origins returns the comma separated ALLOWED_ORIGINS. Empty means any origin.
func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func (c Config) Seeds() (users, channels []string) {
	return splitList(c.SeedUsers), splitList(c.SeedChannels)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// DevMode reports whether connections may identify themselves without a token.
func (c Config) DevMode() bool {
	return c.JWTSecret == ""
}
