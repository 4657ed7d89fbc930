package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file without starting the engine",
	Long: `Load the configuration file named by --config (or -f, if given), run
the same decode and validation path "run" uses, and report the declared
stage graph without capturing any traffic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate()
	},
}

var validateFile string

func init() {
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "",
		"configuration file to validate (defaults to --config)")
}

func runValidate() error {
	path := validateFile
	if path == "" {
		path = configFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("INVALID: %v\n", err)
		return err
	}

	fmt.Printf("VALID: root stage %q, %d stage(s), source %q\n",
		cfg.RootStage, len(cfg.Stages), cfg.Source.Kind)
	for name, sc := range cfg.Stages {
		fmt.Printf("  - %s (%s)\n", name, sc.Type)
	}
	return nil
}
