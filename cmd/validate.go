package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/divert/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the configuration the same way run does (file, defaults and DIVERT_*
environment overrides), validate it and print the result as YAML.

Examples:
  divert validate -c /etc/divert/config.yml
  DIVERT_MODE=kernel divert validate`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

type effectiveConfig struct {
	Divert *config.Config `yaml:"divert"`
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(effectiveConfig{Divert: cfg}); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
