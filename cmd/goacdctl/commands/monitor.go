package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/goacd/internal/server"
)

func monitorCmd() *cobra.Command {
	var iface string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream ACD session events",
		Long: "Connects to the goacd daemon and streams Available, Conflict and " +
			"Lost events until interrupted (Ctrl+C).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err := client.WatchEvents(ctx, iface, func(ev server.EventView) error {
				out, fmtErr := formatEvent(ev, outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Fprintln(cmd.OutOrStdout(), out)

				return nil
			})
			if err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&iface, "interface", "", "only stream events for this interface")

	return cmd
}
