// Command oms runs the Ontology Metadata Service: a background daemon
// (lock sweepers, outbox dispatcher, retention, tamper watch) plus an
// admin CLI over the same stores.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ontoforge/oms/internal/config"
	"github.com/ontoforge/oms/internal/debug"
	"github.com/ontoforge/oms/internal/docstore"
	"github.com/ontoforge/oms/internal/docstore/dolt"
	"github.com/ontoforge/oms/internal/docstore/memory"
)

// Global flags, bound in init.
var (
	cfgFile    string
	dbPath     string
	actorFlag  string
	jsonOutput bool
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "oms",
	Short: "Ontology Metadata Service",
	Long: `oms is the concurrency and integrity core of the Ontology Metadata
Service: branch locks, three-way schema merges, a transactional
outbox, and a tamper-evident audit trail.

'oms serve' starts the background daemon. The remaining commands
administer a store directly and are meant for operators:

  oms locks list
  oms branches merge feature-x main --dry-run
  oms audit verify
  oms outbox dead-letters
  oms policies verify /etc/oms/policies`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(verbose)
		debug.SetQuiet(quiet)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: oms.yaml in ., $HOME/.oms, /etc/oms)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Embedded Dolt data directory (overrides store.* config)")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Actor recorded in audit events (default: $OMS_ACTOR, then $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
}

// loadOptions reads the configuration and applies flag overrides. The
// --db flag is a shorthand for an embedded Dolt store at that path.
func loadOptions() (*config.Options, error) {
	opts, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		opts.Store.Backend = "dolt"
		opts.Store.Mode = "embedded"
		opts.Store.Path = dbPath
	}
	if verbose {
		opts.Log.Level = "debug"
	}
	if quiet {
		opts.Log.Level = "error"
	}
	return opts, nil
}

// resolveActor picks the identity recorded in audit events.
func resolveActor() string {
	if actorFlag != "" {
		return actorFlag
	}
	if a := os.Getenv("OMS_ACTOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// openStore opens the configured docstore backend. Backend validation
// happened in config.Load, so anything but dolt is the memory store.
func openStore(ctx context.Context, opts *config.Options, log *logrus.Logger) (docstore.Store, error) {
	if opts.Store.Backend == "dolt" {
		return dolt.Open(ctx, dolt.Config{
			Path:     opts.Store.Path,
			Mode:     dolt.Mode(opts.Store.Mode),
			Addr:     opts.Store.Addr,
			User:     opts.Store.User,
			Password: opts.Store.Password,
			Database: opts.Store.Database,
		}, log)
	}
	return memory.New(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err, "")
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
