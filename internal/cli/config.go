package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/strand/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	cmd.AddCommand(newConfigSchemaCommand(rootOpts))
	return cmd
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, ${VAR} expansion and STRAND_*
environment overrides have been applied.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := loadConfig(rootOpts, f)
			if err != nil {
				return err
			}
			if f.Format == "json" {
				return f.Success(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return f.Fail(ExitFailure, CodeConfig, "failed to encode configuration", err)
			}
			return f.Success(strings.TrimSuffix(string(out), "\n"))
		},
	}
}

func newConfigSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "schema",
		Short:         "Print the JSON Schema of the configuration file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return rootOpts.formatter(cmd).Fail(ExitFailure, CodeConfig, "failed to generate schema", err)
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
}
