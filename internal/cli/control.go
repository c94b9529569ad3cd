package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tasknotify/internal/app"
	"tasknotify/internal/poller"
)

// withController opens a controller for the duration of fn.
func withController(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, c controller) error) error {
	c, err := openController(opts)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(cmd.Context(), c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the enabled flag, cursors and last cycle per source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, opts, func(ctx context.Context, c controller) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if opts.JSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, st app.Status) {
	onOff := "off"
	if st.Enabled {
		onOff = "on"
	}
	fmt.Fprintf(w, "notifications: %s\n", onOff)
	if st.Scheduler.Running {
		fmt.Fprintf(w, "schedule:      %s (next %s)\n", st.Scheduler.Schedule, st.Scheduler.Next.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "schedule:      %s (paused)\n", st.Scheduler.Schedule)
	}
	for _, s := range st.Sources {
		cursor := s.Cursor
		if cursor == "" {
			cursor = "-"
		}
		fmt.Fprintf(w, "source %s (%s): cursor %s", s.Key, s.Name, cursor)
		if s.Last != nil {
			fmt.Fprintf(w, ", last %s", describe(*s.Last))
		}
		fmt.Fprintln(w)
	}
}

func describe(r poller.CycleResult) string {
	if r.Outcome == "" {
		return "failed: " + r.Error
	}
	s := fmt.Sprintf("%s (%d fetched, %d new)", r.Outcome, r.Fetched, r.New)
	if r.Error != "" {
		s += " warning: " + r.Error
	}
	return s
}

func NewEnableCommand(opts *RootOptions, on bool) *cobra.Command {
	use, short := "enable", "Turn notifications and polling on"
	if !on {
		use, short = "disable", "Turn notifications and polling off"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, opts, func(ctx context.Context, c controller) error {
				if err := c.SetEnabled(ctx, on); err != nil {
					return err
				}
				if on {
					fmt.Fprintln(cmd.OutOrStdout(), "Notifications enabled")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Notifications are turned off")
				}
				return nil
			})
		},
	}
}

func NewResetCursorCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursor <source>",
		Short: "Forget the last seen task of a source",
		Long: `Forget the last seen task of a source. The next cycle behaves like a first
run: only the newest task is announced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd, opts, func(ctx context.Context, c controller) error {
				if err := c.ResetCursor(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cursor for %s reset\n", args[0])
				return nil
			})
		},
	}
}

func NewPollCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll [source]",
		Short: "Run one poll cycle now (all sources when none is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return withController(cmd, opts, func(ctx context.Context, c controller) error {
				results, err := c.Poll(ctx, key)
				if opts.JSON {
					if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
						return perr
					}
					return err
				}
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.Source, describe(r))
				}
				return err
			})
		},
	}
}

func NewTestCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Send a test notification and play the sound, ignoring the enabled flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withController(cmd, opts, func(ctx context.Context, c controller) error {
				if err := c.Test(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "test notification sent")
				return nil
			})
		},
	}
}
