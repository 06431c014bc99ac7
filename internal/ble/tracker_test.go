package ble

import (
	"math/rand"
	"testing"
)

const testNotifyHandle AttrHandle = 5

func newRegisteredTracker() *Tracker {
	logger, _ := newTestLogger()
	tr := NewTracker(logger)
	tr.Register(testNotifyHandle)
	return tr
}

func TestTrackerTransitions(t *testing.T) {
	tests := []struct {
		name       string
		from       []Event // events to reach the starting state
		ev         Event
		wantState  ConnState
		wantAction Action
	}{
		{
			name:      "connect ok",
			ev:        Event{Type: EventConnect, Conn: 1},
			wantState: StateConnected,
		},
		{
			name:       "connect failed stays disconnected",
			ev:         Event{Type: EventConnect, Status: 13},
			wantState:  StateDisconnected,
			wantAction: ActionReadvertise,
		},
		{
			name:       "disconnect from connected",
			from:       []Event{{Type: EventConnect, Conn: 1}},
			ev:         Event{Type: EventDisconnect, Conn: 1, Reason: 0x13},
			wantState:  StateDisconnected,
			wantAction: ActionReadvertise | ActionDisarm,
		},
		{
			name: "disconnect from subscribed",
			from: []Event{
				{Type: EventConnect, Conn: 1},
				{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: true},
			},
			ev:         Event{Type: EventDisconnect, Conn: 1},
			wantState:  StateDisconnected,
			wantAction: ActionReadvertise | ActionDisarm,
		},
		{
			name:       "disconnect while disconnected",
			ev:         Event{Type: EventDisconnect},
			wantState:  StateDisconnected,
			wantAction: ActionReadvertise | ActionDisarm,
		},
		{
			name:       "advertise complete",
			ev:         Event{Type: EventAdvertiseComplete},
			wantState:  StateDisconnected,
			wantAction: ActionReadvertise,
		},
		{
			name:       "subscribe after connect",
			from:       []Event{{Type: EventConnect, Conn: 1}},
			ev:         Event{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: true},
			wantState:  StateSubscribed,
			wantAction: ActionArm,
		},
		{
			name:      "subscribe before connect is a no-op",
			ev:        Event{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: true},
			wantState: StateDisconnected,
		},
		{
			name:      "subscribe to foreign attribute is a no-op",
			from:      []Event{{Type: EventConnect, Conn: 1}},
			ev:        Event{Type: EventSubscribe, Conn: 1, Attr: 99, Notify: true},
			wantState: StateConnected,
		},
		{
			name: "unsubscribe",
			from: []Event{
				{Type: EventConnect, Conn: 1},
				{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: true},
			},
			ev:         Event{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: false},
			wantState:  StateConnected,
			wantAction: ActionDisarm,
		},
		{
			name:      "unsubscribe while only connected",
			from:      []Event{{Type: EventConnect, Conn: 1}},
			ev:        Event{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: false},
			wantState: StateConnected,
		},
		{
			name:      "second connect ignored",
			from:      []Event{{Type: EventConnect, Conn: 1}},
			ev:        Event{Type: EventConnect, Conn: 2},
			wantState: StateConnected,
		},
		{
			name:      "unknown event type",
			ev:        Event{Type: EventType(42)},
			wantState: StateDisconnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newRegisteredTracker()
			for _, ev := range tt.from {
				tr.Handle(ev)
			}
			got := tr.Handle(tt.ev)
			if got != tt.wantAction {
				t.Errorf("Handle(%v) action = %b, want %b", tt.ev.Type, got, tt.wantAction)
			}
			if s := tr.State(); s != tt.wantState {
				t.Errorf("state = %s, want %s", s, tt.wantState)
			}
		})
	}
}

func TestTrackerIgnoresEventsBeforeRegistration(t *testing.T) {
	logger, _ := newTestLogger()
	tr := NewTracker(logger)

	events := []Event{
		{Type: EventConnect, Conn: 1},
		{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: true},
		{Type: EventDisconnect, Conn: 1},
		{Type: EventAdvertiseComplete},
	}
	for _, ev := range events {
		if a := tr.Handle(ev); a != 0 {
			t.Errorf("Handle(%v) before registration = %b, want 0", ev.Type, a)
		}
	}
	if s := tr.State(); s != StateDisconnected {
		t.Errorf("state = %s, want disconnected", s)
	}
}

func TestTrackerSubscribeRecordsHandles(t *testing.T) {
	tr := newRegisteredTracker()
	tr.Handle(Event{Type: EventConnect, Conn: 7})
	tr.Handle(Event{Type: EventSubscribe, Conn: 7, Attr: testNotifyHandle, Notify: true})

	snap := tr.Snapshot()
	if snap.Conn != 7 || snap.Attr != testNotifyHandle {
		t.Errorf("snapshot = %+v, want conn 7 attr %d", snap, testNotifyHandle)
	}

	tr.Handle(Event{Type: EventDisconnect, Conn: 7})
	snap = tr.Snapshot()
	if snap.Attr != 0 || snap.Conn != 0 {
		t.Errorf("after disconnect snapshot = %+v, want cleared handles", snap)
	}
	if !snap.EverConnected {
		t.Error("EverConnected should survive a disconnect")
	}
}

func TestTrackerConnectFailureDoesNotCountAsConnected(t *testing.T) {
	tr := newRegisteredTracker()
	tr.Handle(Event{Type: EventConnect, Status: 2})
	if tr.Snapshot().EverConnected {
		t.Error("failed connect should not set EverConnected")
	}
}

func TestTrackerObserveEdge(t *testing.T) {
	tr := newRegisteredTracker()

	if _, changed := tr.ObserveEdge(); changed {
		t.Error("initial ObserveEdge should not report a change")
	}

	tr.Handle(Event{Type: EventConnect, Conn: 1})
	connected, changed := tr.ObserveEdge()
	if !connected || !changed {
		t.Errorf("after connect ObserveEdge = (%v, %v), want (true, true)", connected, changed)
	}
	if _, changed := tr.ObserveEdge(); changed {
		t.Error("second ObserveEdge while connected should not report a change")
	}

	// Subscribing keeps the connection, so no edge.
	tr.Handle(Event{Type: EventSubscribe, Conn: 1, Attr: testNotifyHandle, Notify: true})
	if _, changed := tr.ObserveEdge(); changed {
		t.Error("subscribe should not produce a connection edge")
	}

	tr.Handle(Event{Type: EventDisconnect, Conn: 1})
	connected, changed = tr.ObserveEdge()
	if connected || !changed {
		t.Errorf("after disconnect ObserveEdge = (%v, %v), want (false, true)", connected, changed)
	}
}

// TestTrackerRandomSequences checks the transition table holds for
// arbitrary event sequences.
func TestTrackerRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	randomEvent := func() Event {
		ev := Event{Type: EventType(rng.Intn(4)), Conn: ConnHandle(rng.Intn(3))}
		switch ev.Type {
		case EventConnect:
			if rng.Intn(3) == 0 {
				ev.Status = 1 + rng.Intn(5)
			}
		case EventSubscribe:
			ev.Attr = testNotifyHandle
			if rng.Intn(4) == 0 {
				ev.Attr = 9
			}
			ev.Notify = rng.Intn(3) != 0
		}
		return ev
	}

	for run := 0; run < 200; run++ {
		tr := newRegisteredTracker()
		for i := 0; i < 50; i++ {
			before := tr.Snapshot()
			ev := randomEvent()
			action := tr.Handle(ev)
			after := tr.Snapshot()

			want := expectedTransition(before.State, ev)
			if after.State != want {
				t.Fatalf("run %d step %d: %s + %+v -> %s, want %s", run, i, before.State, ev, after.State, want)
			}
			if after.State == StateSubscribed && after.Attr != testNotifyHandle {
				t.Fatalf("run %d step %d: subscribed without notify handle: %+v", run, i, after)
			}
			if after.State != StateSubscribed && after.Attr != 0 {
				t.Fatalf("run %d step %d: subscriber handle kept in %s", run, i, after.State)
			}
			if ev.Type == EventDisconnect && !action.Has(ActionReadvertise|ActionDisarm) {
				t.Fatalf("run %d step %d: disconnect action = %b", run, i, action)
			}
		}
	}
}

func expectedTransition(from ConnState, ev Event) ConnState {
	switch ev.Type {
	case EventConnect:
		if ev.Status == 0 && from == StateDisconnected {
			return StateConnected
		}
	case EventDisconnect:
		return StateDisconnected
	case EventSubscribe:
		if ev.Attr != testNotifyHandle || from == StateDisconnected {
			return from
		}
		if ev.Notify {
			return StateSubscribed
		}
		if from == StateSubscribed {
			return StateConnected
		}
	}
	return from
}

func TestTrackerReset(t *testing.T) {
	tr := newRegisteredTracker()
	tr.Handle(Event{Type: EventConnect, Conn: 1})
	tr.Reset()

	snap := tr.Snapshot()
	if snap.State != StateDisconnected || snap.EverConnected {
		t.Errorf("after Reset snapshot = %+v", snap)
	}
	if a := tr.Handle(Event{Type: EventAdvertiseComplete}); a != 0 {
		t.Error("Reset should forget the registered handle")
	}
}
