//go:build baremetal

package ble

import (
	"fmt"
	"log/slog"
)

// NewHost returns the TinyGo backend, the only one available on
// microcontrollers.
func NewHost(cfg HostConfig, logger *slog.Logger) (Host, error) {
	switch cfg.Backend {
	case "", "tinygo":
		return NewTinyGoHost(logger), nil
	default:
		return nil, fmt.Errorf("ble: backend %q not available on this target", cfg.Backend)
	}
}
