// Package commands implements the goacdctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/goacd/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	formatYAML  = "yaml"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// validateFormat rejects unknown --format values before any request is made.
func validateFormat(format string) error {
	switch format {
	case formatJSON, formatTable, formatYAML:
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSessions renders a slice of ACD sessions in the requested format.
func formatSessions(sessions []server.SessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(sessions)
	case formatYAML:
		return marshalYAML(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single ACD session in the requested format.
func formatSession(session server.SessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(session)
	case formatYAML:
		return marshalYAML(session)
	case formatTable:
		return formatSessionDetail(session)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a session event in the requested format. JSON
// events are compact so the stream stays one event per line.
func formatEvent(event server.EventView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.Marshal(event)
		if err != nil {
			return "", fmt.Errorf("marshal event to JSON: %w", err)
		}
		return string(data), nil
	case formatYAML:
		out, err := marshalYAML(event)
		if err != nil {
			return "", err
		}
		return "---\n" + strings.TrimSuffix(out, "\n"), nil
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionsTable(sessions []server.SessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INTERFACE\tADDRESS\tPHASE\tLAST-EVENT\tCONFLICTS\tSTATUS")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Interface,
			s.Address,
			s.Phase,
			orNA(s.LastEvent),
			s.Counters.Conflicts,
			sessionStatus(s),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s server.SessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Interface:\t%s (index %d)\n", s.Interface, s.IfIndex)
	fmt.Fprintf(w, "Address:\t%s\n", s.Address)
	fmt.Fprintf(w, "Hardware Address:\t%s\n", orNA(s.HardwareAddr))
	fmt.Fprintf(w, "Phase:\t%s\n", s.Phase)
	fmt.Fprintf(w, "Status:\t%s\n", sessionStatus(s))
	fmt.Fprintf(w, "Last Event:\t%s\n", orNA(s.LastEvent))

	if s.LastEventAt != nil {
		fmt.Fprintf(w, "Last Event At:\t%s\n", s.LastEventAt.Format(time.RFC3339))
	}

	fmt.Fprintf(w, "Probes Sent:\t%d\n", s.Counters.ProbesSent)
	fmt.Fprintf(w, "Announces Sent:\t%d\n", s.Counters.AnnouncesSent)
	fmt.Fprintf(w, "Defends Sent:\t%d\n", s.Counters.DefendsSent)
	fmt.Fprintf(w, "Frames Received:\t%d\n", s.Counters.FramesReceived)
	fmt.Fprintf(w, "Frames Dropped:\t%d\n", s.Counters.FramesDropped)
	fmt.Fprintf(w, "Conflicts:\t%d\n", s.Counters.Conflicts)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatEventTable(event server.EventView) string {
	ts := valueNA
	if !event.Timestamp.IsZero() {
		ts = event.Timestamp.Format(time.RFC3339)
	}

	line := fmt.Sprintf("[%s] %s  interface=%s  address=%s  conflicts=%d",
		ts,
		event.Event,
		event.Interface,
		event.Address,
		event.Conflicts,
	)

	if event.RestartIn != "" {
		line += "  restart_in=" + event.RestartIn
	}

	return line
}

// sessionStatus summarizes activity and link state for the table views.
func sessionStatus(s server.SessionView) string {
	switch {
	case s.LinkDown:
		return "link-down"
	case s.Active:
		return "active"
	default:
		return "stopped"
	}
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}

// --- Structured formatters ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}

	return string(data), nil
}
