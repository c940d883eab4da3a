package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "ledger.db", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Ledger.DefaultGracePeriodDays)
	assert.Equal(t, "50.00", cfg.Ledger.LateFeeFlatAmount)
	assert.Equal(t, time.Hour, cfg.Ledger.SweepInterval())
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  port: 9090\nledger:\n  default_grace_period_days: 10\n  late_fee_flat_amount: \"25.00\"\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Ledger.DefaultGracePeriodDays)
	assert.Equal(t, "25.00", cfg.Ledger.LateFeeFlatAmount)
}

func TestLoadFileRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}
