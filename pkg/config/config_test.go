package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, uint64(100_000_000), cfg.Factory.DeploymentFeeE8s)
	require.Equal(t, 3, cfg.Factory.MaxRefundAttempts)
	require.Equal(t, 24*time.Hour, cfg.Factory.StageTimeouts["PendingPayment"])
}

func TestConnectionStringPrefersDSN(t *testing.T) {
	cfg := DatabaseConfig{DSN: "postgres://x", Host: "h", Port: 5432}
	require.Equal(t, "postgres://x", cfg.ConnectionString())
}

func TestConnectionStringFallsBackToParts(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	require.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.ConnectionString())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "factory:\n  max_refund_attempts: 7\nserver:\n  port: 9090\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Factory.MaxRefundAttempts)
	require.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, New().Server.Port, cfg.Server.Port)
}
