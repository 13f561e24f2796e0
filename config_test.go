package blockclique

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := LoadConfig("")
	require.NoError(err)
	require.Equal(DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(os.WriteFile(path, []byte("thread_count: 4\nt0: 8s\ndelta_f0: 5\n"), 0600))
	cfg, err = LoadConfig(path)
	require.NoError(err)
	require.Equal(uint8(4), cfg.ThreadCount)
	require.Equal(8*time.Second, cfg.T0)
	require.Equal(uint64(5), cfg.DeltaF0)
	require.Equal(DefaultConfig().PeriodsPerCycle, cfg.PeriodsPerCycle)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(err)
}

func TestConfigValidate(t *testing.T) {
	require := require.New(t)
	require.NoError(DefaultConfig().Validate())
	require.NoError(testConfig().Validate())

	cfg := DefaultConfig()
	cfg.ThreadCount = 0
	require.Error(cfg.Validate())

	cfg = DefaultConfig()
	cfg.T0 = cfg.T0 + 1
	require.Error(cfg.Validate())

	cfg = DefaultConfig()
	cfg.ForceKeepFinalPeriod = cfg.OperationValidityPeriods - 1
	require.Error(cfg.Validate())

	cfg = DefaultConfig()
	cfg.GenesisKey = "not a key"
	require.Error(cfg.Validate())
}
