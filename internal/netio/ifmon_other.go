//go:build !linux

package netio

import (
	"fmt"
	"log/slog"
)

// NewLinkMonitor is only implemented on Linux. Callers fall back to
// NewStubInterfaceMonitor.
func NewLinkMonitor(_ *slog.Logger) (*StubInterfaceMonitor, error) {
	return nil, fmt.Errorf("link monitor: %w", ErrUnsupportedPlatform)
}
