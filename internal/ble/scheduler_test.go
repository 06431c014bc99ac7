package ble

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/ble-server/internal/ble/protocol"
)

func newTestScheduler(host *mockHost, opts SchedulerOptions) (*Scheduler, *Tracker) {
	tr := newRegisteredTracker()
	if opts.Logger == nil {
		opts.Logger, _ = newTestLogger()
	}
	return NewScheduler(host, tr, opts), tr
}

func subscribe(tr *Tracker, conn ConnHandle) {
	tr.Handle(Event{Type: EventConnect, Conn: conn})
	tr.Handle(Event{Type: EventSubscribe, Conn: conn, Attr: testNotifyHandle, Notify: true})
}

func TestSchedulerIdleTicksCountWithoutSending(t *testing.T) {
	host := newMockHost()
	s, _ := newTestScheduler(host, SchedulerOptions{})

	for i := 0; i < 3; i++ {
		if err := s.Tick(); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}

	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}
	if n := len(host.sent()); n != 0 {
		t.Errorf("sent %d notifications with no subscriber, want 0", n)
	}
}

func TestSchedulerConnectedButNotSubscribedSendsNothing(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{})
	tr.Handle(Event{Type: EventConnect, Conn: 1})

	_ = s.Tick()
	if n := len(host.sent()); n != 0 {
		t.Errorf("sent %d notifications while only connected, want 0", n)
	}
}

func TestSchedulerCadence(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{})
	subscribe(tr, 4)

	const n = 10
	for i := 0; i < n; i++ {
		if err := s.Tick(); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}

	sent := host.sent()
	if len(sent) != n {
		t.Fatalf("sent %d notifications, want %d", len(sent), n)
	}
	var prev uint32
	for i, nt := range sent {
		got, err := protocol.UnmarshalCounter(nt.data)
		if err != nil {
			t.Fatalf("notification %d: %v", i, err)
		}
		if got != prev+1 {
			t.Errorf("notification %d counter = %d, want %d", i, got, prev+1)
		}
		if nt.conn != 4 || nt.attr != testNotifyHandle {
			t.Errorf("notification %d sent to conn %d attr %d", i, nt.conn, nt.attr)
		}
		prev = got
	}
}

func TestSchedulerIdleTicksAdvanceCounterBeforeSubscription(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{})

	_ = s.Tick()
	_ = s.Tick()
	subscribe(tr, 1)
	_ = s.Tick()

	sent := host.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	got, _ := protocol.UnmarshalCounter(sent[0].data)
	if got != 3 {
		t.Errorf("first notified counter = %d, want 3 (idle ticks still count)", got)
	}
}

func TestSchedulerSendErrorIsReturnedNotFatal(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{MaxFailures: 10})
	subscribe(tr, 1)

	host.setNotifyErr(&HostError{Op: "notify", Code: 6})
	err := s.Tick()
	if err == nil {
		t.Fatal("Tick() should return the send error")
	}
	var he *HostError
	if !errors.As(err, &he) || he.Code != 6 {
		t.Errorf("Tick() error = %v, want HostError code 6", err)
	}

	host.setNotifyErr(nil)
	if err := s.Tick(); err != nil {
		t.Fatalf("Tick() after recovery error = %v", err)
	}
	sent := host.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	got, _ := protocol.UnmarshalCounter(sent[0].data)
	if got != 2 {
		t.Errorf("counter after failed tick = %d, want 2", got)
	}
}

func TestSchedulerSuspendsAfterRepeatedFailures(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{MaxFailures: 3})
	subscribe(tr, 1)
	host.setNotifyErr(errors.New("radio busy"))

	for i := 0; i < 3; i++ {
		_ = s.Tick()
	}
	if !s.Suspended() {
		t.Fatal("scheduler should suspend after 3 consecutive failures")
	}

	host.setNotifyErr(nil)
	if err := s.Tick(); err != nil {
		t.Fatalf("suspended Tick() error = %v", err)
	}
	if n := len(host.sent()); n != 0 {
		t.Errorf("suspended scheduler sent %d notifications, want 0", n)
	}
	if s.Count() != 4 {
		t.Errorf("Count() = %d, want 4 (suspended ticks still count)", s.Count())
	}

	s.Arm()
	if err := s.Tick(); err != nil {
		t.Fatalf("Tick() after Arm error = %v", err)
	}
	if n := len(host.sent()); n != 1 {
		t.Errorf("sent %d notifications after Arm, want 1", n)
	}
}

func TestSchedulerTimerFires(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{Period: 5 * time.Millisecond})
	subscribe(tr, 1)

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for len(host.sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	sent := host.sent()
	if len(sent) < 3 {
		t.Fatalf("timer sent %d notifications, want at least 3", len(sent))
	}
	for i, nt := range sent {
		got, _ := protocol.UnmarshalCounter(nt.data)
		if got != uint32(i+1) {
			t.Errorf("notification %d counter = %d, want %d", i, got, i+1)
		}
	}
}

func TestSchedulerTimerKeepsCadenceAfterFailure(t *testing.T) {
	host := newMockHost()
	s, tr := newTestScheduler(host, SchedulerOptions{Period: 5 * time.Millisecond, MaxFailures: 1000})
	subscribe(tr, 1)
	host.setNotifyErr(errors.New("radio busy"))

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for s.Count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if s.Count() < 3 {
		t.Errorf("Count() = %d, timer should keep firing after send failures", s.Count())
	}
}

func TestSchedulerStopPreventsFurtherTicks(t *testing.T) {
	host := newMockHost()
	s, _ := newTestScheduler(host, SchedulerOptions{Period: 2 * time.Millisecond})

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	if s.Running() {
		t.Error("Running() should be false after Stop")
	}

	after := s.Count()
	time.Sleep(20 * time.Millisecond)
	if s.Count() != after {
		t.Errorf("counter moved from %d to %d after Stop", after, s.Count())
	}

	// Stop is idempotent.
	s.Stop()
}

func TestSchedulerReset(t *testing.T) {
	host := newMockHost()
	s, _ := newTestScheduler(host, SchedulerOptions{})
	_ = s.Tick()
	s.Reset()
	if s.Count() != 0 {
		t.Errorf("Count() after Reset = %d, want 0", s.Count())
	}
}

func TestDefaultSchedulerOptions(t *testing.T) {
	opts := DefaultSchedulerOptions()
	if opts.Period != 20*time.Second {
		t.Errorf("Period = %v, want 20s", opts.Period)
	}
	if opts.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", opts.MaxFailures)
	}
}
