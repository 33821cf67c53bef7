package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/replication"
)

// sourceFlags are shared by every command that names a replication.
type sourceFlags struct {
	configPath string
	logLevel   string
	logFormat  string

	source      string
	username    string
	password    string
	headers     map[string]string
	compression bool

	target      string
	targetName  string
	postgresURL string
	table       string

	docIDs []string
	filter string
	view   string
}

func newRootCmd() *cobra.Command {
	f := &sourceFlags{}
	cmd := &cobra.Command{
		Use:               "couchpull <command> [flags]",
		Short:             "Pull replication from CouchDB",
		Long:              `Replicate a CouchDB database, or part of it, into a local SQLite file.`,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", os.Getenv("COUCHPULL_CONFIG"), "Path to a YAML or JSON replication config")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&f.logFormat, "log-format", "", "Log format: text or json")

	pf.StringVar(&f.source, "source", os.Getenv("COUCHPULL_SOURCE"), "Source database URL")
	pf.StringVar(&f.username, "username", os.Getenv("COUCHPULL_USERNAME"), "Source username")
	pf.StringVar(&f.password, "password", os.Getenv("COUCHPULL_PASSWORD"), "Source password")
	pf.StringToStringVar(&f.headers, "header", nil, "Extra request header, as name=value")
	pf.BoolVar(&f.compression, "gzip", false, "Request gzip-compressed responses")

	pf.StringVar(&f.target, "target", envOr("COUCHPULL_TARGET", "couchpull.db"), "SQLite file to replicate into, or \"memory\"")
	pf.StringVar(&f.targetName, "target-name", "", "Name of the target in checkpoint keys (default: the target path)")
	pf.StringVar(&f.postgresURL, "checkpoints-postgres", os.Getenv("COUCHPULL_POSTGRES_URL"), "Keep checkpoints in PostgreSQL instead of the target")
	pf.StringVar(&f.table, "checkpoints-table", "", "PostgreSQL checkpoint table")

	pf.StringSliceVar(&f.docIDs, "doc-id", nil, "Replicate only these documents")
	pf.StringVar(&f.filter, "filter", "", "Filter function, as ddoc/name")
	pf.StringVar(&f.view, "view", "", "Replicate documents emitted by a view, as ddoc/view")

	cmd.AddCommand(newPullCmd(f))
	cmd.AddCommand(newCheckpointCmd(f))
	cmd.AddCommand(newDocsCmd(f))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolveConfig loads the config file, if any, and applies flags on top.
// Flags only override the file when given explicitly or when the file left
// the value empty. The result is not validated.
func (f *sourceFlags) resolveConfig(flags *pflag.FlagSet) (*replication.Config, error) {
	cfg := &replication.Config{}
	if f.configPath != "" {
		loaded, err := replication.LoadConfig(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	set := func(name string, dst *string, v string) {
		if v != "" && (flags.Changed(name) || *dst == "") {
			*dst = v
		}
	}
	set("source", &cfg.Source.URL, f.source)
	set("username", &cfg.Source.Username, f.username)
	set("password", &cfg.Source.Password, f.password)
	if len(f.headers) > 0 {
		if cfg.Source.Headers == nil {
			cfg.Source.Headers = make(map[string]string)
		}
		for k, v := range f.headers {
			cfg.Source.Headers[k] = v
		}
	}
	if flags.Changed("gzip") {
		cfg.Source.Compression = f.compression
	}

	if f.target == "memory" {
		cfg.Target.Driver = "memory"
		cfg.Target.DSN = ""
	} else {
		set("target", &cfg.Target.DSN, f.target)
		if cfg.Target.Driver == "" {
			cfg.Target.Driver = "sqlite"
		}
	}
	set("target-name", &cfg.Target.Name, f.targetName)
	if f.postgresURL != "" && (flags.Changed("checkpoints-postgres") || cfg.Checkpoints.Driver == "") {
		cfg.Checkpoints.Driver = "postgres"
		cfg.Checkpoints.PostgresURL = f.postgresURL
	}
	set("checkpoints-table", &cfg.Checkpoints.Table, f.table)

	if len(f.docIDs) > 0 {
		cfg.Feed.DocIDs = f.docIDs
	}
	set("filter", &cfg.Feed.Filter, f.filter)
	if f.view != "" {
		ddoc, view, ok := strings.Cut(f.view, "/")
		if !ok {
			return nil, fmt.Errorf("--view must be ddoc/view, got %q", f.view)
		}
		cfg.Feed.DesignDoc, cfg.Feed.View = ddoc, view
	}

	set("log-level", &cfg.Logging.Level, f.logLevel)
	set("log-format", &cfg.Logging.Format, f.logFormat)
	return cfg, nil
}

// initLogging merges the file's logging section with the environment.
func initLogging(cfg *replication.Config, cmd *cobra.Command) *logging.Logger {
	lc := logging.GetConfigFromEnv()
	if cfg.Logging.Level != "" {
		lc.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		lc.Format = cfg.Logging.Format
	}
	if cfg.Logging.AddSource {
		lc.AddSource = true
	}
	lc.Output = cmd.ErrOrStderr()
	logging.Init(lc)
	return logging.Default()
}
