package ble

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConnState is the connection/subscription status of the peripheral.
// Subscribed implies Connected.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateSubscribed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// connected reports whether s has a live connection.
func (s ConnState) connected() bool {
	return s == StateConnected || s == StateSubscribed
}

// Action is a set of follow-ups the caller must perform after an event.
type Action uint8

const (
	ActionReadvertise Action = 1 << iota
	ActionArm
	ActionDisarm
)

// Has reports whether all bits in o are set.
func (a Action) Has(o Action) bool {
	return a&o == o
}

// Snapshot is a consistent view of the tracker.
type Snapshot struct {
	State         ConnState
	Conn          ConnHandle
	Attr          AttrHandle // subscribed value handle, zero unless Subscribed
	EverConnected bool
}

// Tracker owns the connection and subscription status. It is driven by
// host GAP events and read concurrently by the scheduler and the
// supervisory loop.
type Tracker struct {
	log *slog.Logger

	mu            sync.Mutex
	registered    AttrHandle // notify value handle, zero until registration
	state         ConnState
	conn          ConnHandle
	attr          AttrHandle
	everConnected bool
	observed      bool // connected-ness last seen by ObserveEdge
}

// NewTracker returns a Tracker in the Disconnected state with no
// registered characteristic.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{log: logger}
}

// Register records the notify characteristic's value handle. Until a
// non-zero handle is registered every event is ignored.
func (t *Tracker) Register(attr AttrHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered = attr
}

// Reset returns the tracker to its initial state and forgets the
// registered handle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registered = 0
	t.state = StateDisconnected
	t.conn = 0
	t.attr = 0
	t.everConnected = false
	t.observed = false
}

// Handle applies ev and returns the actions the caller must take.
func (t *Tracker) Handle(ev Event) Action {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.registered == 0 {
		t.log.Debug("[BLE] event before registration ignored", "event", ev.Type)
		return 0
	}

	switch ev.Type {
	case EventConnect:
		if ev.Status != 0 {
			t.log.Warn("[BLE] connect failed", "status", ev.Status)
			return ActionReadvertise
		}
		if t.state != StateDisconnected {
			t.log.Warn("[BLE] connect while already connected ignored", "conn", ev.Conn, "current", t.conn)
			return 0
		}
		t.state = StateConnected
		t.conn = ev.Conn
		t.everConnected = true
		t.log.Info("[BLE] connection established", "conn", ev.Conn)
		return 0

	case EventDisconnect:
		t.log.Info("[BLE] disconnect", "conn", ev.Conn, "reason", ev.Reason)
		t.state = StateDisconnected
		t.conn = 0
		t.attr = 0
		return ActionReadvertise | ActionDisarm

	case EventAdvertiseComplete:
		t.log.Info("[BLE] advertising complete")
		return ActionReadvertise

	case EventSubscribe:
		if ev.Attr != t.registered {
			return 0
		}
		if !t.state.connected() {
			t.log.Debug("[BLE] subscribe without connection ignored", "conn", ev.Conn)
			return 0
		}
		if !ev.Notify {
			if t.state != StateSubscribed {
				return 0
			}
			t.log.Info("[BLE] unsubscribed", "conn", ev.Conn, "attr", ev.Attr)
			t.state = StateConnected
			t.attr = 0
			return ActionDisarm
		}
		t.log.Info("[BLE] subscribed", "conn", ev.Conn, "attr", ev.Attr)
		t.state = StateSubscribed
		t.conn = ev.Conn
		t.attr = ev.Attr
		return ActionArm
	}
	return 0
}

// Snapshot returns the current state under the tracker lock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		State:         t.state,
		Conn:          t.conn,
		Attr:          t.attr,
		EverConnected: t.everConnected,
	}
}

// State returns the current connection state.
func (t *Tracker) State() ConnState {
	return t.Snapshot().State
}

// ObserveEdge compares the current connected-ness with the value seen on
// the previous call and records the new one. changed is true exactly once
// per connect or disconnect transition.
func (t *Tracker) ObserveEdge() (connected, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	connected = t.state.connected()
	changed = connected != t.observed
	t.observed = connected
	return connected, changed
}
