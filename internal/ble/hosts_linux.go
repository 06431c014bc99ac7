//go:build linux

package ble

import (
	"fmt"
	"log/slog"
)

// NewHost returns the backend named by cfg.Backend.
func NewHost(cfg HostConfig, logger *slog.Logger) (Host, error) {
	switch cfg.Backend {
	case "", "bluez":
		return NewBlueZHost(cfg.AdapterID, logger), nil
	case "hci":
		return NewHCIHost(cfg.HCIDevice, logger), nil
	case "tinygo":
		return NewTinyGoHost(logger), nil
	default:
		return nil, fmt.Errorf("ble: unknown backend %q (want bluez, hci or tinygo)", cfg.Backend)
	}
}
