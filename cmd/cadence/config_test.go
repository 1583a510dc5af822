package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CADENCE_HOME", home)

	v, err := newViper("")
	require.NoError(t, err)
	cfg, err := decodeConfig(v)
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "libsql", cfg.DB.Driver)
	assert.Equal(t, filepath.Join(home, "cadence.db"), cfg.DB.Path)
	assert.Equal(t, filepath.Join(home, "catalog.yaml"), cfg.Catalog.Path)
	assert.Equal(t, "*/5 * * * *", cfg.Poll.DetectCron)
	assert.Equal(t, 100, cfg.Poll.BatchLimit)
	assert.Equal(t, 5*time.Minute, cfg.Poll.Lease)
	assert.True(t, cfg.Poll.RunOnStart)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Signals.Window)
	assert.Equal(t, 15*time.Second, cfg.CRM.Timeout)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, "/mcp", cfg.MCP.Path)
}

func TestConfig_FileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CADENCE_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.yaml"), []byte(`
listen_addr: ":9000"
log:
  level: debug
poll:
  batch_limit: 10
  lease: 90s
crm:
  base_url: https://crm.example.com/api
mcp:
  path: agents
`), 0o600))
	t.Setenv("CADENCE_POLL_BATCH_LIMIT", "25")
	t.Setenv("CADENCE_CRM_TOKEN", "tok")

	v, err := newViper("")
	require.NoError(t, err)
	cfg, err := decodeConfig(v)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 25, cfg.Poll.BatchLimit, "env wins over file")
	assert.Equal(t, 90*time.Second, cfg.Poll.Lease)
	assert.Equal(t, "https://crm.example.com/api", cfg.CRM.BaseURL)
	assert.Equal(t, "tok", cfg.CRM.Token)
	assert.Equal(t, "/agents", cfg.MCP.Path)
}

func TestConfig_ExplicitFileMustExist(t *testing.T) {
	t.Setenv("CADENCE_HOME", t.TempDir())
	_, err := newViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecodeConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"CADENCE_DB_DRIVER": "mysql"}},
		{"postgres without dsn", map[string]string{"CADENCE_DB_DRIVER": "postgres"}},
		{"zero batch", map[string]string{"CADENCE_POLL_BATCH_LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CADENCE_HOME", t.TempDir())
			for k, val := range tt.env {
				t.Setenv(k, val)
			}
			v, err := newViper("")
			require.NoError(t, err)
			_, err = decodeConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestDiffConfigs(t *testing.T) {
	var base Config
	base.Log.Level = "info"
	base.ListenAddr = ":4200"

	t.Run("no change", func(t *testing.T) {
		d := diffConfigs(base, base)
		assert.False(t, d.LogLevelChanged)
		assert.Empty(t, d.RestartNeeded)
	})

	t.Run("log level only", func(t *testing.T) {
		next := base
		next.Log.Level = "debug"
		d := diffConfigs(base, next)
		assert.True(t, d.LogLevelChanged)
		assert.Empty(t, d.RestartNeeded)
	})

	t.Run("restart keys", func(t *testing.T) {
		next := base
		next.ListenAddr = ":9000"
		next.Poll.BatchLimit = 5
		next.CRM.Token = "new"
		d := diffConfigs(base, next)
		assert.False(t, d.LogLevelChanged)
		assert.Equal(t, []string{"listen_addr", "poll", "crm"}, d.RestartNeeded)
	})
}
