package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/goacd/internal/acd"
	"github.com/dantte-lp/goacd/internal/netio"
)

// exitConflict is the probe exit code when the address is in use. An
// available address exits 0; errors and timeouts exit 1.
const exitConflict = 2

// defaultProbeTimeout covers the worst case PROBE_WAIT + 3 probes +
// ANNOUNCE_WAIT with margin.
const defaultProbeTimeout = 15 * time.Second

// announceGrace lets the last announcement leave before the session stops.
const announceGrace = 100 * time.Millisecond

// Probe errors.
var (
	errInterfaceRequired = errors.New("--interface flag is required")
	errAddressRequired   = errors.New("--address flag is required")
	errProbeTimeout      = errors.New("probe timed out before a result")
)

// probeResult is the structured output of the probe command.
type probeResult struct {
	Interface string `json:"interface" yaml:"interface"`
	Address   string `json:"address"   yaml:"address"`
	Result    string `json:"result"    yaml:"result"`
	Elapsed   string `json:"elapsed"   yaml:"elapsed"`
}

// probeOptions holds the probe command flags.
type probeOptions struct {
	iface    string
	address  string
	timeout  time.Duration
	announce bool
	verbose  bool
	format   string
}

// probeDeps is the I/O the probe command needs. Tests replace it.
type probeDeps struct {
	indexer func(name string) (int, error)
	opener  acd.ConnOpener
	extra   []acd.SessionOption
}

func defaultProbeDeps() probeDeps {
	return probeDeps{
		indexer: func(name string) (int, error) {
			ifi, err := net.InterfaceByName(name)
			if err != nil {
				return 0, fmt.Errorf("lookup interface %q: %w", name, err)
			}
			return ifi.Index, nil
		},
		opener: acd.ConnOpenerFunc(func(ifIndex int) (acd.PacketConn, error) {
			conn, err := netio.ListenARP(ifIndex)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}),
	}
}

func probeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a one-shot RFC 5227 conflict probe",
		Long: "Probes an IPv4 address on a local interface without the daemon. " +
			"Exits 0 when the address is available, 2 on conflict and 1 on " +
			"error or timeout. Requires CAP_NET_RAW.",
		Args: cobra.NoArgs,
		// The probe talks to the network directly, not to the daemon.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateFormat(outputFormat)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts.format = outputFormat
			return runProbe(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), opts, defaultProbeDeps())
		},
	}

	cmd.Flags().StringVarP(&opts.iface, "interface", "i", "", "interface to probe on")
	cmd.Flags().StringVarP(&opts.address, "address", "a", "", "IPv4 address to probe")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultProbeTimeout, "give up after this long")
	cmd.Flags().BoolVar(&opts.announce, "announce", false,
		"send both announcements before exiting when the address is available")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print protocol trace to stderr")

	return cmd
}

// runProbe runs one session until it reports Available or Conflict, the
// timeout expires or ctx is cancelled.
func runProbe(ctx context.Context, stdout, stderr io.Writer, opts probeOptions, deps probeDeps) error {
	if opts.iface == "" {
		return errInterfaceRequired
	}
	if opts.address == "" {
		return errAddressRequired
	}
	addr, err := netip.ParseAddr(opts.address)
	if err != nil || !addr.Is4() || addr.IsUnspecified() {
		return fmt.Errorf("address %q: %w", opts.address, acd.ErrInvalidAddress)
	}

	ifIndex, err := deps.indexer(opts.iface)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	sessOpts := append([]acd.SessionOption{
		acd.WithConnOpener(deps.opener),
		acd.WithInterfaceName(opts.iface),
		acd.WithLogger(logger),
	}, deps.extra...)

	sess := acd.NewSession(ifIndex, sessOpts...)
	defer sess.Destroy()

	events := make(chan acd.Event, 1)
	sess.SetEventHandler(func(ev acd.Event) {
		select {
		case events <- ev:
		default:
		}
	}, nil)

	if opts.verbose {
		sess.SetDebugHandler(func(msg string) {
			fmt.Fprintln(stderr, msg)
		}, nil)
	}

	start := time.Now()
	if err := sess.Start(addr.String()); err != nil {
		return fmt.Errorf("start probe: %w", err)
	}

	timeout := time.NewTimer(opts.timeout)
	defer timeout.Stop()

	var ev acd.Event
	select {
	case ev = <-events:
	case <-timeout.C:
		return errProbeTimeout
	case <-ctx.Done():
		return fmt.Errorf("probe interrupted: %w", ctx.Err())
	}

	elapsed := time.Since(start)

	if ev == acd.EventAvailable && opts.announce {
		holdAnnouncements(ctx)
	}

	out, err := formatProbeResult(probeResult{
		Interface: opts.iface,
		Address:   addr.String(),
		Result:    ev.String(),
		Elapsed:   elapsed.Round(time.Millisecond).String(),
	}, opts.format)
	if err != nil {
		return fmt.Errorf("format probe result: %w", err)
	}
	fmt.Fprint(stdout, out)

	if ev == acd.EventAvailable {
		return nil
	}
	return &exitError{code: exitConflict}
}

// holdAnnouncements waits for the remaining announcements. The first one
// is sent together with Available.
func holdAnnouncements(ctx context.Context) {
	t := time.NewTimer(acd.AnnounceInterval*(acd.AnnounceNum-1) + announceGrace)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func formatProbeResult(r probeResult, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(r)
	case formatYAML:
		return marshalYAML(r)
	case formatTable:
		return fmt.Sprintf("%s on %s: %s (%s)\n", r.Address, r.Interface, r.Result, r.Elapsed), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
