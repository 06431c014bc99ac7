// Package ble implements a single-connection BLE GATT peripheral that
// advertises a counter service, tracks the connected central, and pushes
// an incrementing counter to it as notifications. The radio stack sits
// behind the Host interface so the state machine can run against BlueZ,
// a raw HCI socket, TinyGo, or a test double.
package ble

import "fmt"

// ConnHandle identifies a connection on the host stack.
type ConnHandle uint16

// AttrHandle identifies an attribute in the host's GATT database.
// Zero means unassigned.
type AttrHandle uint16

// EventType is the kind of GAP event delivered by the host.
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventAdvertiseComplete
	EventSubscribe
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventAdvertiseComplete:
		return "advertise-complete"
	case EventSubscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a GAP event. Fields not relevant to Type are zero.
type Event struct {
	Type EventType
	Conn ConnHandle

	Status int // EventConnect: 0 on success
	Reason int // EventDisconnect

	Attr   AttrHandle // EventSubscribe
	Notify bool       // EventSubscribe: notifications now enabled
}

// AccessHandler serves characteristic reads and writes. The host calls it
// on its own task; implementations must not block.
type AccessHandler interface {
	// ReadAccess returns the bytes to send back for a read of attr.
	ReadAccess(conn ConnHandle, attr AttrHandle) ([]byte, error)
	// WriteAccess consumes bytes a client wrote to attr.
	WriteAccess(conn ConnHandle, attr AttrHandle, data []byte) error
}

// AdvertiseParams configures an advertising session.
type AdvertiseParams struct {
	LocalName   string
	ServiceUUID UUID16
	Address     string // own address resolved at sync, may be empty
}

// Host abstracts the BLE host/controller stack.
type Host interface {
	// Init brings up storage and the controller.
	Init() error
	// RegisterService adds svc to the GATT database, assigning a
	// ValueHandle to every characteristic. access serves client reads
	// and writes for the service.
	RegisterService(svc *Service, access AccessHandler) error
	// Start runs the host task. onSync is invoked once the host and
	// controller are synchronized.
	Start(onSync func()) error
	// Address resolves the device's own address.
	Address() (string, error)
	// AdvertiseStart begins advertising. GAP events for the session and
	// any resulting connection are delivered to onEvent.
	AdvertiseStart(params AdvertiseParams, onEvent func(Event)) error
	// AdvertiseStop stops the active advertising session.
	AdvertiseStop() error
	// Notify sends data as a notification of attr on conn.
	Notify(conn ConnHandle, attr AttrHandle, data []byte) error
	// Deinit stops the host task and releases the controller.
	Deinit() error
}

// HostError carries a status code reported by the host stack.
type HostError struct {
	Op   string
	Code int
}

func (e *HostError) Error() string {
	return fmt.Sprintf("ble: host %s failed: status %d", e.Op, e.Code)
}

// HostConfig selects and configures a Host backend.
type HostConfig struct {
	Backend   string // "bluez", "hci" or "tinygo"
	AdapterID string // BlueZ adapter, e.g. "hci0"
	HCIDevice int    // raw HCI device index, -1 for the first available
}
