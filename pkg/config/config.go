package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server exposing the factory's request
// surface (deployment requests, balance lookups, admin refund reset).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence for C1 (the durable record store).
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	ApplySchema     bool   `json:"apply_schema" yaml:"apply_schema" env:"DATABASE_APPLY_SCHEMA"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// FactoryConfig holds the tunables named in spec.md §6 and §9: fees,
// per-stage timeouts driving the reconciler, and refund retry bounds.
type FactoryConfig struct {
	// DeploymentFeeE8s is the flat fee charged per deployment request, in
	// the token ledger's smallest unit. Defaults to the reference
	// implementation's DEFAULT_DEPLOYMENT_FEE (1 token, 1e8 e8s).
	DeploymentFeeE8s uint64 `json:"deployment_fee_e8s" yaml:"deployment_fee_e8s" env:"FACTORY_DEPLOYMENT_FEE_E8S"`

	// MaxRefundAttempts bounds how many times the reconciler will retry a
	// credit-back before moving the deployment to the dead-letter queue.
	MaxRefundAttempts int `json:"max_refund_attempts" yaml:"max_refund_attempts" env:"FACTORY_MAX_REFUND_ATTEMPTS"`

	// MaxExternalCallRetries bounds how many attempts C3 makes at an external
	// call that keeps failing transiently (token transfer, compute
	// provisioning) before returning the last error to the caller.
	MaxExternalCallRetries int `json:"max_external_call_retries" yaml:"max_external_call_retries" env:"FACTORY_MAX_EXTERNAL_CALL_RETRIES"`

	// ReconcileInterval is how often the timer loop scans non-terminal
	// records for stage timeouts and retries refunds.
	ReconcileInterval time.Duration `json:"reconcile_interval" yaml:"reconcile_interval" env:"FACTORY_RECONCILE_INTERVAL"`

	// ArchiveSweepInterval is how often the reconciler sweeps terminal
	// records older than RetentionPeriod for archival.
	ArchiveSweepInterval time.Duration `json:"archive_sweep_interval" yaml:"archive_sweep_interval" env:"FACTORY_ARCHIVE_SWEEP_INTERVAL"`

	// RetentionPeriod is how long a terminal (Deployed/Refunded/Cancelled)
	// record is kept in the active table before the archival sweep deletes
	// it. Mirrors the reference implementation's 90-day retention.
	RetentionPeriod time.Duration `json:"retention_period" yaml:"retention_period" env:"FACTORY_RETENTION_PERIOD"`

	// StageTimeouts holds the per-status timeout table driving the
	// reconciler, keyed by DeploymentStatus string. Populated with the
	// reference implementation's defaults in New(); overridable per-stage
	// via a YAML config file.
	StageTimeouts map[string]time.Duration `json:"stage_timeouts" yaml:"stage_timeouts"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Factory  FactoryConfig  `json:"factory" yaml:"factory"`
}

// New returns a configuration populated with defaults grounded on the
// reference factory canister's constants (payment.rs, state.rs, timer.rs).
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			ApplySchema:     true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "factoryd",
		},
		Factory: FactoryConfig{
			DeploymentFeeE8s:       100_000_000,
			MaxRefundAttempts:      3,
			MaxExternalCallRetries: 3,
			ReconcileInterval:      15 * time.Minute,
			ArchiveSweepInterval:   12 * time.Hour,
			RetentionPeriod:        90 * 24 * time.Hour,
			StageTimeouts: map[string]time.Duration{
				"PendingPayment":          24 * time.Hour,
				"AuthorizationConfirmed":  6 * time.Hour,
				"PaymentReceived":         3 * time.Hour,
				"CanisterCreated":         1 * time.Hour,
				"CodeInstalled":           1 * time.Hour,
				"Initialized":             30 * time.Minute,
				"Refunding":               30 * time.Minute,
			},
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host
// parameters when DSN is not set directly.
func (c DatabaseConfig) ConnectionString() string {
	if strings.TrimSpace(c.DSN) != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from a base YAML file (if present) and then lets
// environment variables (and, first, a .env file) override it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field is set in the environment;
		// treat that as "no overrides" so a bare local run still works.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets a single DATABASE_URL env var override a
// file-based DSN, matching the convention of one-var deploys (Heroku/Render
// style platforms) without requiring every DatabaseConfig field split out.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
