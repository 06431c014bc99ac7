//go:build !linux && !baremetal

package ble

import (
	"fmt"
	"log/slog"
)

// NewHost reports that no peripheral backend exists for this platform.
func NewHost(cfg HostConfig, logger *slog.Logger) (Host, error) {
	return nil, fmt.Errorf("ble: peripheral role not supported on this platform (backend %q)", cfg.Backend)
}
