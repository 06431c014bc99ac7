//go:build linux

package ble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/service"
)

// notifyWatchInterval is how often a held notifier is checked for an
// unsubscribe.
const notifyWatchInterval = 100 * time.Millisecond

var errHCINotEnabled = errors.New("ble: hci host not initialized")

// cmdReadBDAddr is the HCI Read_BD_ADDR command.
type cmdReadBDAddr struct{}

func (cmdReadBDAddr) Marshal(b []byte) {}
func (cmdReadBDAddr) Opcode() int      { return 0x1009 }
func (cmdReadBDAddr) Len() int         { return 0 }

// HCIHost drives the controller directly over a raw HCI socket, bypassing
// bluetoothd. The process needs CAP_NET_ADMIN and the adapter must be down
// in BlueZ.
type HCIHost struct {
	devID int
	log   *slog.Logger

	mu       sync.Mutex
	dev      gatt.Device
	name     string
	svc      *gatt.Service
	onEvent  func(Event)
	conns    map[string]ConnHandle
	nextConn ConnHandle
	notifier gatt.Notifier
	notifyOn AttrHandle
	started  bool
	synced   bool
	stop     chan struct{}

	watchers sync.WaitGroup
}

// stopper is implemented by the Linux gatt device. It closes the HCI
// socket and every central connection.
type stopper interface {
	Stop() error
}

// NewHCIHost creates a host on HCI device devID; -1 picks the first
// LE-capable device.
func NewHCIHost(devID int, logger *slog.Logger) *HCIHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &HCIHost{devID: devID, log: logger}
}

// Compile-time check that HCIHost implements Host.
var _ Host = (*HCIHost)(nil)

func (h *HCIHost) Init() error {
	d, err := gatt.NewDevice(
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(h.devID, true),
	)
	if err != nil {
		return fmt.Errorf("ble: open hci device %d: %w", h.devID, err)
	}

	d.Handle(
		gatt.CentralConnected(h.centralConnected),
		gatt.CentralDisconnected(h.centralDisconnected),
	)

	h.mu.Lock()
	h.dev = d
	h.conns = make(map[string]ConnHandle)
	h.nextConn = 0
	h.notifier = nil
	h.started = false
	h.synced = false
	h.stop = make(chan struct{})
	h.mu.Unlock()
	return nil
}

// RegisterService builds the gatt service. It is added to the device
// database once the controller reports powered on.
func (h *HCIHost) RegisterService(svc *Service, access AccessHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return errHCINotEnabled
	}

	gs := gatt.NewService(gatt.UUID16(uint16(svc.UUID)))
	// Handles follow database order after the GAP and GATT services.
	next := AttrHandle(2)
	for _, c := range svc.Characteristics {
		c.ValueHandle = next + 1
		next += 2
		handle := c.ValueHandle
		gc := gs.AddCharacteristic(gatt.UUID16(uint16(c.UUID)))

		if c.Caps.Has(CapRead) {
			gc.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
				data, err := access.ReadAccess(h.connOf(req.Central), handle)
				if err != nil {
					h.log.Warn("[BLE] read rejected", "handle", handle, "error", err)
					rsp.SetStatus(gatt.StatusUnexpectedError)
					return
				}
				if _, err := rsp.Write(data); err != nil {
					h.log.Warn("[BLE] read response failed", "handle", handle, "error", err)
				}
			})
		}
		if c.Caps.Has(CapWrite) {
			gc.HandleWriteFunc(func(r gatt.Request, data []byte) byte {
				if err := access.WriteAccess(h.connOf(r.Central), handle, data); err != nil {
					h.log.Warn("[BLE] write rejected", "handle", handle, "error", err)
					return gatt.StatusUnexpectedError
				}
				return gatt.StatusSuccess
			})
		}
		if c.Caps.Has(CapNotify) {
			gc.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
				h.subscribed(h.connOf(r.Central), handle, n)
			})
		}
	}

	h.svc = gs
	return nil
}

func (h *HCIHost) Start(onSync func()) error {
	h.mu.Lock()
	d := h.dev
	h.started = d != nil
	h.mu.Unlock()
	if d == nil {
		return errHCINotEnabled
	}

	return d.Init(func(d gatt.Device, s gatt.State) {
		h.log.Debug("[BLE] hci state", "state", s)
		if s != gatt.StatePoweredOn {
			return
		}

		h.mu.Lock()
		name, svc, synced := h.name, h.svc, h.synced
		h.synced = true
		h.mu.Unlock()
		if synced {
			return
		}
		if name == "" {
			name = DefaultDeviceName
		}

		d.AddService(service.NewGapService(name))
		d.AddService(service.NewGattService())
		if svc != nil {
			if err := d.AddService(svc); err != nil {
				h.log.Error("[BLE] add service failed", "error", err)
				return
			}
		}
		onSync()
	})
}

func (h *HCIHost) Address() (string, error) {
	h.mu.Lock()
	d := h.dev
	h.mu.Unlock()
	if d == nil {
		return "", errHCINotEnabled
	}

	rsp := bytes.NewBuffer(nil)
	if err := d.Option(gatt.LnxSendHCIRawCommand(&cmdReadBDAddr{}, rsp)); err != nil {
		return "", fmt.Errorf("ble: read bd_addr: %w", err)
	}
	b := rsp.Bytes()
	if len(b) < 7 {
		return "", fmt.Errorf("ble: read bd_addr: short response (%d bytes)", len(b))
	}
	if b[0] != 0 {
		return "", &HostError{Op: "read bd_addr", Code: int(b[0])}
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[6], b[5], b[4], b[3], b[2], b[1]), nil
}

func (h *HCIHost) AdvertiseStart(params AdvertiseParams, onEvent func(Event)) error {
	h.mu.Lock()
	d := h.dev
	h.onEvent = onEvent
	h.name = params.LocalName
	h.mu.Unlock()
	if d == nil {
		return errHCINotEnabled
	}

	if err := d.AdvertiseNameAndServices(params.LocalName, []gatt.UUID{gatt.UUID16(uint16(params.ServiceUUID))}); err != nil {
		return fmt.Errorf("ble: advertise: %w", err)
	}
	return nil
}

func (h *HCIHost) AdvertiseStop() error {
	h.mu.Lock()
	d := h.dev
	h.mu.Unlock()
	if d == nil {
		return nil
	}
	if err := d.StopAdvertising(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

// Notify writes data through the notifier handed over when the central
// enabled notifications.
func (h *HCIHost) Notify(conn ConnHandle, attr AttrHandle, data []byte) error {
	h.mu.Lock()
	n, on := h.notifier, h.notifyOn
	h.mu.Unlock()
	if n == nil || on != attr {
		return fmt.Errorf("ble: notify conn %d handle %d: no subscription", conn, attr)
	}
	if n.Done() {
		return fmt.Errorf("ble: notify conn %d: subscription closed", conn)
	}
	if len(data) > n.Cap() {
		return fmt.Errorf("ble: notify conn %d: %d bytes exceeds cap %d", conn, len(data), n.Cap())
	}
	if _, err := n.Write(data); err != nil {
		return fmt.Errorf("ble: notify conn %d: %w", conn, err)
	}
	return nil
}

// Deinit stops advertising, clears the database and closes the HCI
// socket, which drops any connected central.
func (h *HCIHost) Deinit() error {
	h.mu.Lock()
	d := h.dev
	started := h.started
	stop := h.stop
	h.dev = nil
	h.svc = nil
	h.notifier = nil
	h.notifyOn = 0
	h.onEvent = nil
	h.started = false
	h.stop = nil
	h.mu.Unlock()
	if d == nil {
		return nil
	}

	var errs []error
	if err := d.StopAdvertising(); err != nil {
		errs = append(errs, fmt.Errorf("ble: stop advertising: %w", err))
	}
	if err := d.RemoveAllServices(); err != nil {
		errs = append(errs, fmt.Errorf("ble: remove services: %w", err))
	}
	if s, ok := d.(stopper); ok {
		// Stop reports through the state callback, which only Init installs.
		if !started {
			if err := d.Init(func(gatt.Device, gatt.State) {}); err != nil {
				errs = append(errs, fmt.Errorf("ble: init before close: %w", err))
			}
		}
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("ble: close hci device: %w", err))
		}
	}

	if stop != nil {
		close(stop)
	}
	h.watchers.Wait()
	return errors.Join(errs...)
}

func (h *HCIHost) centralConnected(c gatt.Central) {
	h.mu.Lock()
	h.nextConn++
	conn := h.nextConn
	h.conns[c.ID()] = conn
	h.mu.Unlock()

	h.log.Debug("[BLE] central connected", "id", c.ID(), "mtu", c.MTU())
	h.emit(Event{Type: EventConnect, Conn: conn})
}

func (h *HCIHost) centralDisconnected(c gatt.Central) {
	h.mu.Lock()
	conn, ok := h.conns[c.ID()]
	delete(h.conns, c.ID())
	h.notifier = nil
	h.notifyOn = 0
	h.mu.Unlock()
	if !ok {
		return
	}
	h.emit(Event{Type: EventDisconnect, Conn: conn})
}

// subscribed holds n for Notify and watches it for the central turning
// notifications off. The watcher exits on Deinit.
func (h *HCIHost) subscribed(conn ConnHandle, attr AttrHandle, n gatt.Notifier) {
	h.mu.Lock()
	h.notifier = n
	h.notifyOn = attr
	stop := h.stop
	h.mu.Unlock()
	h.emit(Event{Type: EventSubscribe, Conn: conn, Attr: attr, Notify: true})

	h.watchers.Add(1)
	go func() {
		defer h.watchers.Done()
		ticker := time.NewTicker(notifyWatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if !n.Done() {
				continue
			}
			h.mu.Lock()
			current := h.notifier == n
			if current {
				h.notifier = nil
				h.notifyOn = 0
			}
			h.mu.Unlock()
			if current {
				h.emit(Event{Type: EventSubscribe, Conn: conn, Attr: attr, Notify: false})
			}
			return
		}
	}()
}

func (h *HCIHost) connOf(c gatt.Central) ConnHandle {
	if c == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[c.ID()]
}

func (h *HCIHost) emit(ev Event) {
	h.mu.Lock()
	cb := h.onEvent
	h.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
