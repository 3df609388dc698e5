package main

import (
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "raftd",
		Short:         "raftcore cluster node",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newBootstrapCmd())
	root.AddCommand(newMemberCmd())
	return root
}

// newLogger builds a console-writer zerolog.Logger when stdout is a
// terminal, and a plain JSON logger otherwise -- the same isatty/colorable
// switch cuemby-warren uses for its own CLI logging.
func newLogger(component string) zerolog.Logger {
	var writer = os.Stdout
	if isatty.IsTerminal(writer.Fd()) {
		cw := zerolog.ConsoleWriter{Out: colorable.NewColorable(writer)}
		return zerolog.New(cw).With().Timestamp().Str("component", component).Logger()
	}
	return zerolog.New(writer).With().Timestamp().Str("component", component).Logger()
}
