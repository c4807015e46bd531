// cachebench validates hybrid cache configurations, formats devices and
// runs smoke workloads against the flash engines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igchor/Cachelib/log"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "cachebench",
	Short: "Hybrid cache configuration and smoke test tool",
	Long: `cachebench loads a cache configuration file, resolves memory tier
sizes, validates the flash engine layout and can run a small smoke
workload against it.

Commands:
  tiers     Resolve and print memory tier sizes
  validate  Validate the whole configuration
  format    Stamp the flash device metadata header
  run       Run a smoke workload and print hit rates`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML or JSON config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARN, ERROR or FATAL")
	rootCmd.AddCommand(tiersCmd, validateCmd, formatCmd, runCmd)
}

func newLogger() log.Logger {
	level, err := log.LevelFromString(logLevel)
	if err != nil {
		fatal(err)
	}
	return log.NewLogger(level, os.Stderr)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
}
