// Package cmd implements the otus command-line interface using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "otus",
	Short: "Otus - passive network traffic profiling engine",
	Long: `Otus captures network traffic, decapsulates GTP tunnels, classifies
flows against a hint-based rule set, and emits per-packet and per-flow
records for offline analysis.

Commands:
  run       start the capture engine in the foreground
  validate  check a configuration file without starting anything
  control   send a runtime reconfiguration block to a running engine`,
	Version: "0.1.0",
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/otus/config.yml",
		"configuration file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(controlCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
