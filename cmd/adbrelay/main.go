package main

import (
	"os"

	"github.com/danmuck/adbrelay/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMainCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           "adbrelay",
		Short:         "Expose ADB devices behind a local server as network devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	command.AddCommand(newServeCommand())
	command.AddCommand(newConfigCommand())
	return command
}

func main() {
	logging.ConfigureRuntime()
	if err := newMainCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("adbrelay failed")
		os.Exit(1)
	}
}
