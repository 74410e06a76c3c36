package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
)

const redacted = "<redacted>"

// newConfigCmd prints the effective configuration after defaults, the
// config file, environment variables and flags have been merged.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			safe := redactSecrets(*cfg)
			out, err := yaml.Marshal(&safe)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func redactSecrets(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Database.URL)
	mask(&cfg.LLM.Anthropic.APIKey)
	mask(&cfg.LLM.GenAI.APIKey)
	mask(&cfg.LLM.Gateway.APIKey)
	mask(&cfg.Tracker.Token)
	return cfg
}
