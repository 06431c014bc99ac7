package ble

import (
	"errors"
	"fmt"
	"strings"
)

// Counter service UUIDs.
const (
	ServiceUUID    UUID16 = 0x0007
	WriteCharUUID  UUID16 = 0xABCD
	NotifyCharUUID UUID16 = 0xEACD
)

// DefaultDeviceName is the advertised local name.
const DefaultDeviceName = "BLE-Server"

// ErrInvalidService is returned when a service descriptor breaks the
// one-writer, one-notifier layout.
var ErrInvalidService = errors.New("ble: invalid service descriptor")

// UUID16 is a 16-bit Bluetooth SIG style UUID.
type UUID16 uint16

func (u UUID16) String() string {
	return fmt.Sprintf("0x%04X", uint16(u))
}

// Full returns the 128-bit form of u on the Bluetooth base UUID.
func (u UUID16) Full() string {
	return fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", uint16(u))
}

// Capability is the set of operations a characteristic allows.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapNotify
)

// Has reports whether all bits in o are set.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapRead) {
		parts = append(parts, "read")
	}
	if c.Has(CapWrite) {
		parts = append(parts, "write")
	}
	if c.Has(CapNotify) {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Characteristic describes one characteristic of a Service.
type Characteristic struct {
	UUID UUID16
	Caps Capability

	// ValueHandle is assigned by the Host during RegisterService.
	ValueHandle AttrHandle
}

// Service describes a primary GATT service.
type Service struct {
	UUID            UUID16
	Characteristics []*Characteristic
}

// DefaultService returns a fresh descriptor of the counter service: one
// write characteristic and one read+notify characteristic.
func DefaultService() *Service {
	return &Service{
		UUID: ServiceUUID,
		Characteristics: []*Characteristic{
			{UUID: WriteCharUUID, Caps: CapWrite},
			{UUID: NotifyCharUUID, Caps: CapRead | CapNotify},
		},
	}
}

// Validate checks that s has exactly one write-capable characteristic and
// exactly one read+notify characteristic.
func (s *Service) Validate() error {
	if s == nil || len(s.Characteristics) == 0 {
		return fmt.Errorf("%w: no characteristics", ErrInvalidService)
	}
	var writers, notifiers int
	for i, c := range s.Characteristics {
		if c == nil {
			return fmt.Errorf("%w: characteristic %d is nil", ErrInvalidService, i)
		}
		if c.Caps.Has(CapWrite) {
			writers++
		}
		if c.Caps.Has(CapRead | CapNotify) {
			notifiers++
		}
	}
	if writers != 1 {
		return fmt.Errorf("%w: want 1 write characteristic, got %d", ErrInvalidService, writers)
	}
	if notifiers != 1 {
		return fmt.Errorf("%w: want 1 read+notify characteristic, got %d", ErrInvalidService, notifiers)
	}
	return nil
}

// WriteChar returns the write-capable characteristic, or nil.
func (s *Service) WriteChar() *Characteristic {
	for _, c := range s.Characteristics {
		if c.Caps.Has(CapWrite) {
			return c
		}
	}
	return nil
}

// NotifyChar returns the read+notify characteristic, or nil.
func (s *Service) NotifyChar() *Characteristic {
	for _, c := range s.Characteristics {
		if c.Caps.Has(CapRead | CapNotify) {
			return c
		}
	}
	return nil
}
