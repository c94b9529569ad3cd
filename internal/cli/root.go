// Package cli implements the tasknotify command line.
package cli

import (
	"github.com/spf13/cobra"

	"tasknotify/internal/app"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	JSON       bool
	// Local forces control commands to act on the store directly even when
	// the config enables the HTTP API.
	Local bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tasknotify",
		Short: "Desktop and chat notifications for new tasks",
		Long: `tasknotify polls task lists (ServiceNow tables, RSS/Atom feeds), announces
tasks it has not seen before and keeps a per-source cursor so each task is
announced once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", app.DefaultConfigPath(), "path to config file (json or yaml)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON output")
	cmd.PersistentFlags().BoolVar(&opts.Local, "local", false, "act on the state store directly instead of the running daemon")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewEnableCommand(opts, true))
	cmd.AddCommand(NewEnableCommand(opts, false))
	cmd.AddCommand(NewResetCursorCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}
