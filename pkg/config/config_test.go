package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := `
APP_ENV: staging
DATABASE:
  TYPE: sqlite
  DBNAME: pledgerun.db
SETTLEMENT:
  MAX_PARALLEL: 2
CUSTODY:
  DRIVER: simulated
  ESCROW_ADDRESS: "0x00000000000000000000000000000000000000e5"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("SETTLEMENT_MAX_PARALLEL", "8")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.AppEnv)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, 8, cfg.Settlement.MaxParallel)
	require.Equal(t, 30*time.Second, cfg.Settlement.TransferTimeout)
	require.Equal(t, "0x00000000000000000000000000000000000000e5", cfg.Custody.EscrowAddress)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, "X-Hub-Signature-256", cfg.Webhook.SignatureHeader)
	require.Equal(t, "simulated", cfg.Custody.Driver)
	require.Equal(t, 4, cfg.Settlement.MaxParallel)
}
