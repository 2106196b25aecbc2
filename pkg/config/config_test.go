package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"data_path", "ping_interval_ms", "network_timeout_ms", "node_timeout_ms",
		"persist_interval_ms", "mem_table_max_bytes", "max_immutable_mem_tables",
		"allow_offline_persist", "port", "self_id", "self_addr",
	}
	for _, k := range keys {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}
}

func TestLoadDefaultsFailValidationWithoutIdentity(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("self_id", "node-1")
	os.Setenv("self_addr", "10.0.0.1:1985")
	os.Setenv("port", "1986")
	os.Setenv("persist_interval_ms", "30000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.SelfID)
	assert.Equal(t, 1986, cfg.Port)
	assert.Equal(t, 30000, cfg.PersistIntervalMS)
	assert.Equal(t, Default().PingIntervalMS, cfg.PingIntervalMS)
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("self_id: node-yaml\nself_addr: 10.0.0.2:1985\nport: 2000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-yaml", cfg.SelfID)
	assert.Equal(t, 2000, cfg.Port)
}

func TestEnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("self_id: node-yaml\nself_addr: 10.0.0.2:1985\nport: 2000\n"), 0o644))
	os.Setenv("port", "3000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
}
