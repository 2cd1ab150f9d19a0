// Memoryd is a local, persistent memory daemon for coding assistants.
//
// It keeps a bounded working-memory pool of interaction records,
// consolidates evicted records into durable patterns, collects
// development-activity metrics from a reference git repository, and
// derives insights from them. Everything lives in one SQLite file.
//
// Usage:
//
//	# Start the daemon with defaults
//	memoryd serve
//
//	# One-off full metric collection
//	memoryd collect --full
//
//	# Run a maintenance pass and exit
//	memoryd maintain
//
//	# List active insights
//	memoryd insights --min-severity WARNING
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by every subcommand.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "Tiered memory daemon for coding assistants",
	Long: `memoryd maintains a local, tiered memory for a coding assistant:
a bounded working-memory pool, consolidated behavior patterns, rolling
development metrics, and threshold-derived insights, all in a single
SQLite datastore.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default ~/.config/memoryd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memoryd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
