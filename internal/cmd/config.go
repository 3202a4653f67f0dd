package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/dbrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the built-in defaults as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeYAML(viper.AllSettings())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the effective configuration after defaults, .env, the config file
and DBRELAY_* environment variables are applied. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
		}
		return writeYAML(redactConfig(*cfg))
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables dbrelay reads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeYAML(config.EnvVarNames())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDefaultsCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
}

func redactConfig(cfg config.Config) config.Config {
	if cfg.Database.AuthToken != "" {
		cfg.Database.AuthToken = maskAccessKey(cfg.Database.AuthToken)
	}
	if cfg.Artifacts.S3.SecretAccessKey != "" {
		cfg.Artifacts.S3.SecretAccessKey = "****"
	}
	if cfg.Artifacts.S3.AccessKeyID != "" {
		cfg.Artifacts.S3.AccessKeyID = maskAccessKey(cfg.Artifacts.S3.AccessKeyID)
	}
	if cfg.Events.URL != "" {
		cfg.Events.URL = redactURL(cfg.Events.URL)
	}
	return cfg
}

func writeYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
