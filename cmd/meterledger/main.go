/*
main.go - Application entry point

PURPOSE:
  The meterledger binary: HTTP server, offline import, template export
  and MQTT ingestion, sharing one configuration and one database.

COMMANDS:
  serve              HTTP API (default address :8080)
  import <file>      Import an .xlsx workbook and print the report
  template <file>    Write the import template workbook
  ingest             Subscribe to MQTT and stage submitted readings
  version            Print version information

GLOBAL FLAGS:
  --config, -c   Config file (toml, yaml or json)
  --log-level    Overrides log.level

ENVIRONMENT:
  Every config key can be set as LEDGER_<KEY> with dots as underscores,
  e.g. LEDGER_DB_PATH=/var/lib/meterledger/ledger.db

EXAMPLES:
  # Serve with an in-memory database
  LEDGER_DB_PATH=":memory:" meterledger serve

  # Import history into the configured database
  meterledger import ./history.xlsx

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "meterledger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Meter reading ledger",
		Long: `meterledger collects electricity meter readings in sessions, stages
them as drafts, flags anomalies against a trailing baseline and
consolidates reviewed drafts into a ledger of daily consumption.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (toml, yaml or json)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&flags),
		importCmd(&flags),
		templateCmd(),
		ingestCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}
