package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/scriptcore/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, validate and watch the configuration",
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigWatchCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, ${VAR} expansion and SCRIPTCORE_*
overrides are applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate [config.yaml]",
		Short:   "Validate a configuration file",
		Example: `  scriptcore config validate /etc/scriptcore/config.yaml`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func newConfigWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Validate the configuration file every time it changes",
		Long: `Watch the file given with --config and report whether each saved version
loads and validates. Stops on interrupt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			if _, err := config.Load(configPath); err != nil {
				log.Warn().Err(err).Msg("Current configuration is invalid")
			}

			err := config.Watch(cmd.Context(), configPath, log.Logger, func(cfg *config.Config) {
				log.Info().
					Str("environment", cfg.Telemetry.Environment).
					Str("breaker", cfg.Breaker.Name).
					Int("max_retries", cfg.Retry.MaxRetries).
					Bool("journal", cfg.Journal.Enabled).
					Bool("policy", cfg.Policy.Enabled).
					Msg("Configuration is valid")
			})
			if err != nil {
				return err
			}

			log.Info().Str("path", configPath).Msg("Watching configuration")
			<-cmd.Context().Done()
			return nil
		},
	}
}
