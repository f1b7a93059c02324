package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/goacd/internal/server"
)

// requestTimeout bounds unary API calls. Streaming calls are not limited.
const requestTimeout = 10 * time.Second

var (
	// client is the status API client, initialized in PersistentPreRunE.
	client *server.Client

	// outputFormat controls the output format for all commands (table, json or yaml).
	outputFormat string

	// serverAddr is the daemon API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for goacdctl.
var rootCmd = &cobra.Command{
	Use:   "goacdctl",
	Short: "CLI client for the goacd daemon",
	Long: "goacdctl queries the goacd daemon's status API and runs one-shot " +
		"RFC 5227 address conflict probes.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := validateFormat(outputFormat); err != nil {
			return err
		}

		client = server.NewClient("http://"+serverAddr, &http.Client{})

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8765",
		"goacd daemon API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(versionCmd())
}

// exitError carries a process exit code out of a command. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command. Errors exit with code 1 unless the command
// returned an exitError.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		err = ee.err
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(code)
}
