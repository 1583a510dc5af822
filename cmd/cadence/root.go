package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/cadence/internal/logging"
)

var (
	cfgFile string
	cfg     Config
	vcfg    *viper.Viper
	logger  *slog.Logger
	// logLevel backs the process logger so serve can change it on reload.
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Automated workflow runner for CRM cadences and playbooks",
	Long: `cadence enrolls deals, leads and accounts into multi-step workflows when
trigger conditions fire, executes each step when it becomes due and keeps a
durable audit trail of every run.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ~/.cadence/settings.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("catalog", "", "catalog file or directory")
	flags.String("db-driver", "", "run store: libsql, postgres or memory")
	flags.String("db-path", "", "libsql database path")
	flags.String("db-dsn", "", "postgres connection string")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"log-level": "log.level",
	"catalog":   "catalog.path",
	"db-driver": "db.driver",
	"db-path":   "db.path",
	"db-dsn":    "db.dsn",
}

func initConfig(cmd *cobra.Command, _ []string) error {
	v, err := newViper(cfgFile)
	if err != nil {
		return err
	}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	if cfg, err = decodeConfig(v); err != nil {
		return err
	}
	vcfg = v

	logLevel.Set(logging.ParseLevel(cfg.Log.Level))
	logger = logging.NewLeveled(cmd.ErrOrStderr(), logLevel, cfg.Log.Format)
	slog.SetDefault(logger)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("config loaded", slog.String("file", used))
	}
	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
