package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full runtime configuration of the sales service.
type Config struct {
	ServiceName string   `yaml:"service_name"`
	HTTP        HTTP     `yaml:"http"`
	Database    Database `yaml:"database"`
	Sales       Sales    `yaml:"sales"`
	Redis       Redis    `yaml:"redis"`
	Kafka       Kafka    `yaml:"kafka"`
	Tracing     Tracing  `yaml:"tracing"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// Sales holds the knobs of the fulfillment engine.
type Sales struct {
	AutoIssueInvoice bool     `yaml:"auto_issue_invoice"`
	InvoiceTimezone  string   `yaml:"invoice_timezone"`
	TaxRate          string   `yaml:"tax_rate"`
	OverrideUserIDs  []string `yaml:"override_user_ids"`
}

type Redis struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

type Kafka struct {
	Brokers      []string      `yaml:"brokers"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Tracing struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
}

// Default returns a configuration that runs against a local SQLite file.
func Default() *Config {
	return &Config{
		ServiceName: "sales-service",
		HTTP: HTTP{
			Addr:            ":8081",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: Database{
			Driver:          DriverSQLite,
			DSN:             "file:sales.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Sales: Sales{
			AutoIssueInvoice: true,
			InvoiceTimezone:  "UTC",
			TaxRate:          "0",
		},
		Redis: Redis{
			IdempotencyTTL: 24 * time.Hour,
		},
		Kafka: Kafka{
			BatchSize:    100,
			PollInterval: time.Second,
		},
	}
}

// Load reads the YAML file at path (optional), then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("DB_DSN", cfg.Database.DSN)
	cfg.Sales.InvoiceTimezone = getEnv("INVOICE_TIMEZONE", cfg.Sales.InvoiceTimezone)
	cfg.Sales.TaxRate = getEnv("TAX_RATE", cfg.Sales.TaxRate)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", cfg.Tracing.JaegerEndpoint)

	if v, ok := os.LookupEnv("AUTO_ISSUE_INVOICE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "AUTO_ISSUE_INVOICE")
		}
		cfg.Sales.AutoIssueInvoice = b
	}
	if v, ok := os.LookupEnv("OVERRIDE_USER_IDS"); ok {
		cfg.Sales.OverrideUserIDs = splitList(v)
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database dsn is required")
	}
	if _, err := c.Sales.Location(); err != nil {
		return err
	}
	if _, err := c.Sales.Rate(); err != nil {
		return err
	}
	return nil
}

// Location resolves the timezone that defines invoice periods.
func (s Sales) Location() (*time.Location, error) {
	if s.InvoiceTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.InvoiceTimezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid invoice timezone %q", s.InvoiceTimezone)
	}
	return loc, nil
}

// Rate parses the fixed tax rate; it must be in [0, 1).
func (s Sales) Rate() (decimal.Decimal, error) {
	if s.TaxRate == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(s.TaxRate)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid tax rate %q", s.TaxRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.Errorf("tax rate %s out of range [0, 1)", rate)
	}
	return rate, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
