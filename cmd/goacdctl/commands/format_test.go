package commands

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/goacd/internal/server"
)

func testSessionView() server.SessionView {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return server.SessionView{
		Key:          "eth0|192.0.2.10",
		Interface:    "eth0",
		IfIndex:      3,
		Address:      "192.0.2.10",
		HardwareAddr: "02:00:00:00:00:01",
		Phase:        "Defend",
		Active:       true,
		LastEvent:    "Available",
		LastEventAt:  &at,
		Counters: server.CountersView{
			ProbesSent:    3,
			AnnouncesSent: 2,
			DefendsSent:   1,
		},
	}
}

func TestValidateFormat(t *testing.T) {
	t.Parallel()

	for _, f := range []string{formatTable, formatJSON, formatYAML} {
		if err := validateFormat(f); err != nil {
			t.Errorf("validateFormat(%q) = %v", f, err)
		}
	}

	if err := validateFormat("xml"); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("validateFormat(xml) = %v, want errUnsupportedFormat", err)
	}
}

func TestFormatSessionsTable(t *testing.T) {
	t.Parallel()

	stopped := testSessionView()
	stopped.Interface = "eth1"
	stopped.Active = false
	stopped.LastEvent = ""
	stopped.Phase = "Idle"

	out, err := formatSessions([]server.SessionView{testSessionView(), stopped}, formatTable)
	if err != nil {
		t.Fatalf("formatSessions: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "INTERFACE") {
		t.Errorf("header = %q", lines[0])
	}
	for _, want := range []string{"eth0", "192.0.2.10", "Defend", "Available", "active"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	for _, want := range []string{"eth1", "Idle", valueNA, "stopped"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("row %q missing %q", lines[2], want)
		}
	}
}

func TestFormatSessionStructured(t *testing.T) {
	t.Parallel()

	view := testSessionView()

	out, err := formatSession(view, formatJSON)
	if err != nil {
		t.Fatalf("formatSession(json): %v", err)
	}
	var fromJSON server.SessionView
	if err := json.Unmarshal([]byte(out), &fromJSON); err != nil {
		t.Fatalf("decode JSON output: %v", err)
	}
	if fromJSON.Key != view.Key || fromJSON.Counters != view.Counters {
		t.Errorf("JSON round trip = %+v", fromJSON)
	}

	out, err = formatSession(view, formatYAML)
	if err != nil {
		t.Fatalf("formatSession(yaml): %v", err)
	}
	var fromYAML map[string]any
	if err := yaml.Unmarshal([]byte(out), &fromYAML); err != nil {
		t.Fatalf("decode YAML output: %v", err)
	}
	if fromYAML["phase"] != "Defend" || fromYAML["hardware_addr"] != view.HardwareAddr {
		t.Errorf("YAML output = %v", fromYAML)
	}
}

func TestFormatSessionDetail(t *testing.T) {
	t.Parallel()

	out, err := formatSession(testSessionView(), formatTable)
	if err != nil {
		t.Fatalf("formatSession(table): %v", err)
	}
	for _, want := range []string{
		"eth0 (index 3)",
		"02:00:00:00:00:01",
		"2026-03-01T12:00:00Z",
		"Probes Sent:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("detail output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()

	ev := server.EventView{
		Interface: "eth0",
		Address:   "192.0.2.10",
		Event:     "Conflict",
		Conflicts: 2,
		RestartIn: "1s",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		format string
		want   []string
	}{
		{formatTable, []string{"[2026-03-01T12:00:00Z] Conflict", "conflicts=2", "restart_in=1s"}},
		{formatJSON, []string{`"event":"Conflict"`, `"restart_in":"1s"`}},
		{formatYAML, []string{"---\n", "event: Conflict"}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()

			out, err := formatEvent(ev, tt.format)
			if err != nil {
				t.Fatalf("formatEvent: %v", err)
			}
			if tt.format != formatYAML && strings.Contains(out, "\n") {
				t.Errorf("event output spans lines: %q", out)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output %q missing %q", out, want)
				}
			}
		})
	}

	if _, err := formatEvent(ev, "xml"); !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("formatEvent(xml) = %v, want errUnsupportedFormat", err)
	}
}
