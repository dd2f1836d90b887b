package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.True(t, cfg.Sales.AutoIssueInvoice)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service_name: carpinteria-sales
http:
  addr: ":9090"
  shutdown_timeout: 5s
database:
  driver: mysql
  dsn: "user:pass@tcp(localhost:3306)/sales?parseTime=true"
sales:
  auto_issue_invoice: false
  invoice_timezone: America/Bogota
  tax_rate: "0.19"
  override_user_ids: [admin]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("AUTO_ISSUE_INVOICE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "carpinteria-sales", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, DriverMySQL, cfg.Database.Driver)
	assert.True(t, cfg.Sales.AutoIssueInvoice, "env must win over the file")
	assert.Equal(t, []string{"admin"}, cfg.Sales.OverrideUserIDs)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)

	rate, err := cfg.Sales.Rate()
	require.NoError(t, err)
	assert.Equal(t, "0.19", rate.String())

	loc, err := cfg.Sales.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Bogota", loc.String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = " " }},
		{"bad timezone", func(c *Config) { c.Sales.InvoiceTimezone = "Mars/Olympus" }},
		{"negative tax", func(c *Config) { c.Sales.TaxRate = "-0.1" }},
		{"tax of one", func(c *Config) { c.Sales.TaxRate = "1" }},
		{"tax not a number", func(c *Config) { c.Sales.TaxRate = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_InvalidBoolEnv(t *testing.T) {
	t.Setenv("AUTO_ISSUE_INVOICE", "maybe")
	_, err := Load("")
	assert.Error(t, err)
}
