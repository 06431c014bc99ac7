//go:build linux || baremetal

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

var errTinyGoNotEnabled = errors.New("ble: tinygo host not initialized")

// TinyGoHost wraps tinygo-org/bluetooth. It runs on Linux through BlueZ
// and on microcontrollers with a BLE radio.
//
// The package does not report CCCD writes, so a connecting central is
// treated as subscribed to every notify characteristic.
//
// Reads are served from the characteristic's stored value, not through
// AccessHandler.ReadAccess. It holds the read payload until the first
// notification replaces it, after which a read returns the latest counter
// bytes. On this backend a read does not return the fixed payload
// regardless of state.
type TinyGoHost struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger

	mu        sync.Mutex
	enabled   bool
	handles   map[AttrHandle]*bluetooth.Characteristic
	notifyOn  AttrHandle
	readOn    AttrHandle
	access    AccessHandler
	adv       *bluetooth.Advertisement
	advActive bool
	onEvent   func(Event)
	conns     map[string]ConnHandle
	nextConn  ConnHandle
}

// NewTinyGoHost creates a host on the default adapter.
func NewTinyGoHost(logger *slog.Logger) *TinyGoHost {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("[BLE] tinygo backend: reads return the last notified value once notifications start")
	return &TinyGoHost{
		adapter: bluetooth.DefaultAdapter,
		log:     logger,
	}
}

// Compile-time check that TinyGoHost implements Host.
var _ Host = (*TinyGoHost)(nil)

func (h *TinyGoHost) Init() error {
	if err := h.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	h.mu.Lock()
	h.enabled = true
	h.handles = make(map[AttrHandle]*bluetooth.Characteristic)
	h.conns = make(map[string]ConnHandle)
	h.nextConn = 0
	h.mu.Unlock()

	h.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		id := device.Address.String()
		if connected {
			h.deviceConnected(id)
		} else {
			h.deviceDisconnected(id)
		}
	})
	return nil
}

func tinygoFlags(c Capability) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if c.Has(CapRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.Has(CapWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if c.Has(CapNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

// RegisterService adds svc to the adapter's GATT database.
func (h *TinyGoHost) RegisterService(svc *Service, access AccessHandler) error {
	h.mu.Lock()
	if !h.enabled {
		h.mu.Unlock()
		return errTinyGoNotEnabled
	}
	h.mu.Unlock()

	handles := make(map[AttrHandle]*bluetooth.Characteristic, len(svc.Characteristics))
	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	var notifyOn, readOn AttrHandle

	next := AttrHandle(2)
	for _, c := range svc.Characteristics {
		c.ValueHandle = next + 1
		next += 2
		handle := c.ValueHandle

		char := new(bluetooth.Characteristic)
		handles[handle] = char
		cfg := bluetooth.CharacteristicConfig{
			Handle: char,
			UUID:   bluetooth.New16BitUUID(uint16(c.UUID)),
			Flags:  tinygoFlags(c.Caps),
		}
		if c.Caps.Has(CapWrite) {
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				if offset != 0 {
					h.log.Warn("[BLE] offset write ignored", "offset", offset)
					return
				}
				if err := access.WriteAccess(h.currentConn(), handle, value); err != nil {
					h.log.Warn("[BLE] write rejected", "handle", handle, "error", err)
				}
			}
		}
		if c.Caps.Has(CapNotify) {
			notifyOn = handle
		}
		if c.Caps.Has(CapRead) {
			readOn = handle
		}
		configs = append(configs, cfg)
	}

	err := h.adapter.AddService(&bluetooth.Service{
		UUID:            bluetooth.New16BitUUID(uint16(svc.UUID)),
		Characteristics: configs,
	})
	if err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}

	h.mu.Lock()
	h.handles = handles
	h.notifyOn = notifyOn
	h.readOn = readOn
	h.access = access
	h.mu.Unlock()
	return nil
}

// Start seeds the readable characteristic with the read payload. The
// adapter is ready once enabled, so onSync fires immediately.
func (h *TinyGoHost) Start(onSync func()) error {
	h.mu.Lock()
	enabled, access, readOn := h.enabled, h.access, h.readOn
	char := h.handles[readOn]
	h.mu.Unlock()
	if !enabled {
		return errTinyGoNotEnabled
	}

	if access != nil && char != nil {
		data, err := access.ReadAccess(0, readOn)
		if err != nil {
			return fmt.Errorf("ble: seed read value: %w", err)
		}
		if _, err := char.Write(data); err != nil {
			return fmt.Errorf("ble: seed read value: %w", err)
		}
	}
	onSync()
	return nil
}

func (h *TinyGoHost) Address() (string, error) {
	addr, err := h.adapter.Address()
	if err != nil {
		return "", fmt.Errorf("ble: adapter address: %w", err)
	}
	return addr.String(), nil
}

func (h *TinyGoHost) AdvertiseStart(params AdvertiseParams, onEvent func(Event)) error {
	h.mu.Lock()
	if !h.enabled {
		h.mu.Unlock()
		return errTinyGoNotEnabled
	}
	h.onEvent = onEvent
	configured := h.adv != nil
	h.mu.Unlock()

	adv := h.adapter.DefaultAdvertisement()
	if !configured {
		err := adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    params.LocalName,
			ServiceUUIDs: []bluetooth.UUID{bluetooth.New16BitUUID(uint16(params.ServiceUUID))},
		})
		if err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertisement: %w", err)
	}

	h.mu.Lock()
	h.adv = adv
	h.advActive = true
	h.mu.Unlock()
	return nil
}

func (h *TinyGoHost) AdvertiseStop() error {
	h.mu.Lock()
	adv, active := h.adv, h.advActive
	h.advActive = false
	h.mu.Unlock()
	if adv == nil || !active {
		return nil
	}
	if err := adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertisement: %w", err)
	}
	return nil
}

// Notify writes data to the characteristic value; the stack notifies
// every subscribed central.
func (h *TinyGoHost) Notify(conn ConnHandle, attr AttrHandle, data []byte) error {
	h.mu.Lock()
	char, ok := h.handles[attr]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: notify on handle %d", ErrUnknownAttribute, attr)
	}
	if _, err := char.Write(data); err != nil {
		return fmt.Errorf("ble: notify conn %d: %w", conn, err)
	}
	return nil
}

// Deinit stops advertising and drops the event callback. tinygo-org/bluetooth
// has no way to remove a service or disable the adapter.
func (h *TinyGoHost) Deinit() error {
	err := h.AdvertiseStop()

	h.mu.Lock()
	h.onEvent = nil
	h.access = nil
	h.enabled = false
	h.handles = nil
	h.mu.Unlock()

	h.adapter.SetConnectHandler(func(bluetooth.Device, bool) {})
	return err
}

func (h *TinyGoHost) deviceConnected(id string) {
	h.mu.Lock()
	h.nextConn++
	conn := h.nextConn
	h.conns[id] = conn
	notifyOn := h.notifyOn
	active := h.advActive
	h.mu.Unlock()

	if active {
		if err := h.AdvertiseStop(); err != nil {
			h.log.Debug("[BLE] stop advertising on connect", "error", err)
		}
	}
	h.emit(Event{Type: EventConnect, Conn: conn})
	if notifyOn != 0 {
		h.emit(Event{Type: EventSubscribe, Conn: conn, Attr: notifyOn, Notify: true})
	}
}

func (h *TinyGoHost) deviceDisconnected(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.emit(Event{Type: EventDisconnect, Conn: conn})
}

func (h *TinyGoHost) currentConn() ConnHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		return c
	}
	return 0
}

func (h *TinyGoHost) emit(ev Event) {
	h.mu.Lock()
	cb := h.onEvent
	h.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
