package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/goacd/internal/server"
)

func sessionCmd() *cobra.Command {
	var iface string

	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Show ACD sessions",
		Long:    "Without a subcommand, lists all sessions (same as \"session list\").",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listSessions(cmd, iface)
		},
	}

	cmd.Flags().StringVar(&iface, "interface", "", "only list sessions on this interface")

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	var iface string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all ACD sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listSessions(cmd, iface)
		},
	}

	cmd.Flags().StringVar(&iface, "interface", "", "only list sessions on this interface")

	return cmd
}

func listSessions(cmd *cobra.Command, iface string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	sessions, err := client.ListSessions(ctx, iface)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	out, err := formatSessions(sessions, outputFormat)
	if err != nil {
		return fmt.Errorf("format sessions: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), out)

	return nil
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <interface> <address>",
		Short: "Show details of an ACD session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			sess, err := client.GetSession(ctx, args[0], args[1])
			if errors.Is(err, server.ErrSessionNotFound) {
				return fmt.Errorf("no session for %s on %s: %w", args[1], args[0], err)
			}
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(sess, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}
