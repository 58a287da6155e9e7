package main

import (
	"fmt"

	"github.com/danmuck/adbrelay/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}

	var (
		output    string
		overwrite bool
	)
	template := &cobra.Command{
		Use:   "template",
		Short: "Print or write a starter configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), config.Template())
				return err
			}
			if err := config.WriteTemplate(output, overwrite); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return err
		},
	}
	template.Flags().StringVarP(&output, "output", "o", "", "write to this path instead of stdout")
	template.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")

	var configPath string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			data, err := config.Render(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path (defaults when empty)")

	command.AddCommand(template, show)
	return command
}
