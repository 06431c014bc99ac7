package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/ble-server/internal/ble/protocol"
)

// Notifier sends a notification on an established connection.
type Notifier interface {
	Notify(conn ConnHandle, attr AttrHandle, data []byte) error
}

// SchedulerOptions configures the notification scheduler.
type SchedulerOptions struct {
	Period      time.Duration // timer period (default 20s)
	MaxFailures int           // consecutive send failures before sends are suspended (default 5)
	Logger      *slog.Logger
}

// DefaultSchedulerOptions returns the production defaults.
func DefaultSchedulerOptions() SchedulerOptions {
	return SchedulerOptions{
		Period:      20 * time.Second,
		MaxFailures: 5,
	}
}

// Scheduler increments a counter on every timer period and notifies it
// to the subscribed central, if any.
type Scheduler struct {
	notifier Notifier
	tracker  *Tracker
	opts     SchedulerOptions
	log      *slog.Logger

	counter atomic.Uint32

	mu        sync.Mutex
	timer     *time.Timer
	running   bool
	failures  int
	suspended bool
	inflight  sync.WaitGroup
}

// NewScheduler creates a stopped Scheduler that reads subscription state
// from tracker and sends through n.
func NewScheduler(n Notifier, tracker *Tracker, opts SchedulerOptions) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = 20 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		notifier: n,
		tracker:  tracker,
		opts:     opts,
		log:      logger,
	}
}

// Start arms the periodic timer. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.timer = time.AfterFunc(s.opts.Period, s.fire)
}

// Stop disarms the timer and waits for an in-flight tick to finish, so
// no notification is sent after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.timer.Stop()
	s.mu.Unlock()

	s.inflight.Wait()
}

// Running reports whether the timer is armed.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if err := s.Tick(); err != nil {
		s.log.Error("[BLE] notification failed", "error", err)
	}

	// Re-arm regardless of the send result to keep a fixed cadence.
	s.mu.Lock()
	if s.running {
		s.timer.Reset(s.opts.Period)
	}
	s.mu.Unlock()
}

// Tick performs one timer firing: it increments the counter and, when a
// central is subscribed, notifies the new value. A send failure is
// returned; the counter keeps its new value either way.
func (s *Scheduler) Tick() error {
	n := s.counter.Add(1)

	snap := s.tracker.Snapshot()
	if snap.State != StateSubscribed || snap.Attr == 0 {
		return nil
	}

	s.mu.Lock()
	suspended := s.suspended
	s.mu.Unlock()
	if suspended {
		return nil
	}

	err := s.notifier.Notify(snap.Conn, snap.Attr, protocol.MarshalCounter(n))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		if s.failures >= s.opts.MaxFailures && !s.suspended {
			s.suspended = true
			s.log.Warn("[BLE] notifications suspended until next subscription", "failures", s.failures)
		}
		return fmt.Errorf("ble: notify counter %d on conn %d: %w", n, snap.Conn, err)
	}
	s.failures = 0
	return nil
}

// Arm clears any failure suspension. Called on a new subscription.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.suspended = false
}

// Disarm forgets failure state. The subscriber handle itself lives in
// the tracker, which has already cleared it.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.suspended = false
}

// Suspended reports whether sends are suspended after repeated failures.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Count returns the current counter value.
func (s *Scheduler) Count() uint32 {
	return s.counter.Load()
}

// Reset zeroes the counter.
func (s *Scheduler) Reset() {
	s.counter.Store(0)
}
