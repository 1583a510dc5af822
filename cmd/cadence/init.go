package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initOpts struct {
	listenAddr string
	dbPath     string
	crmURL     string
	force      bool
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a settings file and a starter catalog",
	Long: `init writes ~/.cadence/settings.yaml (or $CADENCE_HOME/settings.yaml) and,
when none exists yet, a starter catalog with one cadence and its template.`,
	// Runs before any settings file exists.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runInit,
}

func init() {
	f := initCmd.Flags()
	f.StringVar(&initOpts.listenAddr, "listen-addr", ":4200", "HTTP listen address")
	f.StringVar(&initOpts.dbPath, "db-path", "", "libsql database path (default: ~/.cadence/cadence.db)")
	f.StringVar(&initOpts.crmURL, "crm-url", "", "CRM API base URL (empty runs in dry-run mode)")
	f.BoolVar(&initOpts.force, "force", false, "overwrite an existing settings file")
	rootCmd.AddCommand(initCmd)
}

// settingsFile is the subset of Config init writes out.
type settingsFile struct {
	ListenAddr string `yaml:"listen_addr"`
	DB         struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"db"`
	Catalog struct {
		Path string `yaml:"path"`
	} `yaml:"catalog"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	CRM struct {
		BaseURL string `yaml:"base_url"`
		DryRun  bool   `yaml:"dry_run"`
	} `yaml:"crm"`
}

const starterCatalog = `templates:
  - ref: intro_whatsapp
    channel: whatsapp
    approved: true
    body: "Hi ${{subject.name}}, thanks for your interest. Do you have a minute?"

definitions:
  - code: proposal-followup
    name: Proposal follow-up
    tenant: default
    family: cadence
    channel: whatsapp
    steps:
      - ordinal: 1
        action: send_message
        template: intro_whatsapp
        stop_on_reply: true
      - ordinal: 2
        action: notify
        delay_minutes: 2880
        params:
          message: "No reply to the proposal follow-up yet"

triggers:
  - definition: proposal-followup
    subject_kind: deal
    condition:
      kind: STAGE_ENTER
      stage: proposal
`

func runInit(cmd *cobra.Command, _ []string) error {
	dir := cadenceDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	path := settingsPath()
	if cfgFile != "" {
		path = cfgFile
	}
	if _, err := os.Stat(path); err == nil && !initOpts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	var s settingsFile
	s.ListenAddr = initOpts.listenAddr
	s.DB.Driver = "libsql"
	s.DB.Path = initOpts.dbPath
	if s.DB.Path == "" {
		s.DB.Path = filepath.Join(dir, "cadence.db")
	}
	s.Catalog.Path = filepath.Join(dir, "catalog.yaml")
	s.Log.Level = "info"
	s.CRM.BaseURL = initOpts.crmURL
	s.CRM.DryRun = initOpts.crmURL == ""

	data, err := yaml.Marshal(&s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config written to %s\n", path)

	if _, err := os.Stat(s.Catalog.Path); os.IsNotExist(err) {
		if err := os.WriteFile(s.Catalog.Path, []byte(starterCatalog), 0o644); err != nil {
			return fmt.Errorf("cannot write %s: %w", s.Catalog.Path, err)
		}
		fmt.Fprintf(out, "Starter catalog written to %s\n", s.Catalog.Path)
	}
	return nil
}
