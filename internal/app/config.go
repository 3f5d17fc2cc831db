package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (YOGI_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (YOGI_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MaxConns    int32  `default:"25" usage:"Maximum pool connections" flag:"max-conns"`
	Store       StoreConfig
	Ledger      LedgerConfig
	Outbox      OutboxConfig
	Bulk        BulkConfig
	Graceful    GracefulConfig
}

// StoreConfig supplies the identifiers orders are created with when a
// request leaves them out.
type StoreConfig struct {
	ID            int64  `default:"1" usage:"Default store id" flag:"store-id"`
	GatewayID     int64  `default:"1" usage:"Payment gateway id" flag:"gateway-id"`
	CustomerID    int64  `default:"1" usage:"Default customer id" flag:"customer-id"`
	OrderStatusID int64  `default:"1" usage:"Status id of completed orders" flag:"order-status-id"`
	SiteID        int64  `default:"1" usage:"Site id" flag:"site-id"`
	Currency      string `default:"EUR" usage:"Default order currency"`
}

// LedgerConfig controls revenue ledger arithmetic.
type LedgerConfig struct {
	FallbackCurrency string `default:"EUR" usage:"Currency of a rebuilt ledger with no orders" flag:"fallback-currency"`
	FloorAtZero      bool   `default:"false" usage:"Clamp ledger columns at zero" flag:"floor-at-zero"`
}

// OutboxConfig controls the outbox relay.
type OutboxConfig struct {
	BatchSize int           `default:"100" usage:"Events claimed per relay batch" flag:"outbox-batch"`
	Interval  time.Duration `default:"1s" usage:"Relay poll interval" flag:"outbox-interval"`
	// MaxAttempts dead-letters an event after this many failed deliveries.
	MaxAttempts int `default:"10" usage:"Failed deliveries before an event is marked failed" flag:"outbox-max-attempts"`
}

// BulkConfig controls the bulk order queue.
type BulkConfig struct {
	Workers        int           `default:"8" usage:"Bulk queue workers" flag:"bulk-workers"`
	Capacity       int           `default:"1000" usage:"Bulk queue capacity" flag:"bulk-capacity"`
	MaxAttempts    uint          `default:"3" usage:"Attempts per bulk order" flag:"bulk-attempts"`
	InitialBackoff time.Duration `default:"50ms" usage:"First retry delay" flag:"bulk-initial-backoff"`
	MaxBackoff     time.Duration `default:"2s" usage:"Retry delay cap" flag:"bulk-max-backoff"`
	MaxRequest     int           `default:"10000" usage:"Orders a single bulk request may queue" flag:"bulk-max-request"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from flags, environment variables and
// YAML config files.
func LoadConfig() (*Config, error) {
	return load(false)
}

// LoadEnvConfig is LoadConfig without flag parsing, for binaries that own
// their command line.
func LoadEnvConfig() (*Config, error) {
	return load(true)
}

func load(skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "YOGI",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/yogi/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set YOGI_DATABASE_URL or DATABASE_URL")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the standard DATABASE_URL and PORT variables
// onto the YOGI_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
