package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all cadence configuration.
// Priority: flags > env vars (CADENCE_*) > settings.yaml > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	DB struct {
		Driver string `mapstructure:"driver"` // libsql, postgres or memory
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	Catalog struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"catalog"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Poll struct {
		DetectCron  string        `mapstructure:"detect_cron"`
		AdvanceCron string        `mapstructure:"advance_cron"`
		BatchLimit  int           `mapstructure:"batch_limit"`
		Concurrency int           `mapstructure:"concurrency"`
		Lease       time.Duration `mapstructure:"lease"`
		RunOnStart  bool          `mapstructure:"run_on_start"`
	} `mapstructure:"poll"`

	Dispatch struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"dispatch"`

	Signals struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"signals"`

	Subjects struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"subjects"`

	CRM struct {
		BaseURL string        `mapstructure:"base_url"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
		// DryRun logs outbound actions instead of calling the CRM.
		DryRun bool `mapstructure:"dry_run"`
	} `mapstructure:"crm"`

	MCP struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"mcp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db.driver", "libsql")
	v.SetDefault("db.path", filepath.Join(cadenceDir(), "cadence.db"))
	v.SetDefault("db.dsn", "")
	v.SetDefault("catalog.path", filepath.Join(cadenceDir(), "catalog.yaml"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("poll.detect_cron", "*/5 * * * *")
	v.SetDefault("poll.advance_cron", "* * * * *")
	v.SetDefault("poll.batch_limit", 100)
	v.SetDefault("poll.concurrency", 8)
	v.SetDefault("poll.lease", "5m")
	v.SetDefault("poll.run_on_start", true)
	v.SetDefault("dispatch.timeout", "30s")
	v.SetDefault("signals.window", "24h")
	v.SetDefault("subjects.cache_ttl", "1m")
	v.SetDefault("crm.base_url", "")
	v.SetDefault("crm.token", "")
	v.SetDefault("crm.timeout", "15s")
	v.SetDefault("crm.dry_run", false)
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.path", "/mcp")
}

func cadenceDir() string {
	if dir := os.Getenv("CADENCE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cadence"
	}
	return filepath.Join(home, ".cadence")
}

func settingsPath() string {
	return filepath.Join(cadenceDir(), "settings.yaml")
}

// newViper returns a viper instance with defaults, env binding and the
// settings file registered. An explicit configFile must exist; the default
// settings file is optional.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CADENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(cadenceDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// decodeConfig unmarshals v and checks the values no command can run
// without.
func decodeConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	switch cfg.DB.Driver {
	case "libsql", "memory":
	case "postgres":
		if cfg.DB.DSN == "" {
			return cfg, fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return cfg, fmt.Errorf("unknown db.driver %q (want libsql, postgres or memory)", cfg.DB.Driver)
	}
	if cfg.Poll.BatchLimit <= 0 {
		return cfg, fmt.Errorf("poll.batch_limit must be positive")
	}
	if !strings.HasPrefix(cfg.MCP.Path, "/") {
		cfg.MCP.Path = "/" + cfg.MCP.Path
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // keys that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
	}
	check := func(key string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, key)
		}
	}
	check("listen_addr", old.ListenAddr != new.ListenAddr)
	check("db", old.DB != new.DB)
	check("catalog.path", old.Catalog.Path != new.Catalog.Path)
	check("log.format", old.Log.Format != new.Log.Format)
	check("poll", old.Poll != new.Poll)
	check("dispatch.timeout", old.Dispatch.Timeout != new.Dispatch.Timeout)
	check("signals.window", old.Signals.Window != new.Signals.Window)
	check("subjects.cache_ttl", old.Subjects.CacheTTL != new.Subjects.CacheTTL)
	check("crm", old.CRM != new.CRM)
	check("mcp", old.MCP != new.MCP)
	return d
}
