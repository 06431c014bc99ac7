package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/ble-server/internal/ble/protocol"
)

var (
	ErrNotInitialized     = errors.New("ble: server not initialized")
	ErrAlreadyInitialized = errors.New("ble: server already initialized")
	ErrInactivityTimeout  = errors.New("ble: no central connected before inactivity timeout")
	ErrUnknownAttribute   = errors.New("ble: unknown attribute")
)

// Phase is the lifecycle phase of a Server.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseAdvertising
	PhaseConnected
	PhaseTimedOut
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseAdvertising:
		return "advertising"
	case PhaseConnected:
		return "connected"
	case PhaseTimedOut:
		return "timed-out"
	case PhaseShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// WriteSink receives payloads written to the write characteristic.
// Consume is called on the host task and must not block.
type WriteSink interface {
	Consume(conn uint16, data []byte) error
}

// Options configures a Server.
type Options struct {
	DeviceName        string
	NotifyPeriod      time.Duration // notification timer period
	MaxNotifyFailures int           // consecutive failures before sends are suspended
	InactivityTimeout time.Duration // shut down if no central connects in this window
	PollInterval      time.Duration // supervisory loop cadence
	AdvertiseRetryMax int           // max advertise retry backoff in seconds
	ReadPayload       []byte        // returned for reads of the notify characteristic
	Sink              WriteSink     // optional
	Logger            *slog.Logger
	Now               func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DeviceName:        DefaultDeviceName,
		NotifyPeriod:      20 * time.Second,
		MaxNotifyFailures: 5,
		InactivityTimeout: 100 * time.Second,
		PollInterval:      100 * time.Millisecond,
		AdvertiseRetryMax: 30,
		ReadPayload:       []byte(protocol.ReadPayload),
	}
}

// Server is the lifecycle controller of the peripheral. It owns the
// connection tracker and notification scheduler and is the access
// handler registered with the host.
type Server struct {
	host    Host
	opts    Options
	log     *slog.Logger
	tracker *Tracker
	sched   *Scheduler

	mu          sync.Mutex
	phase       Phase
	svc         *Service
	start       time.Time
	synced      bool
	address     string
	advertising bool
	advAttempt  int
	nextAdv     time.Time
}

// Compile-time check that Server serves characteristic access.
var _ AccessHandler = (*Server)(nil)

// NewServer creates an uninitialized Server on host. Zero option fields
// take their DefaultOptions values.
func NewServer(host Host, opts Options) *Server {
	def := DefaultOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.NotifyPeriod <= 0 {
		opts.NotifyPeriod = def.NotifyPeriod
	}
	if opts.MaxNotifyFailures <= 0 {
		opts.MaxNotifyFailures = def.MaxNotifyFailures
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = def.InactivityTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.AdvertiseRetryMax <= 0 {
		opts.AdvertiseRetryMax = def.AdvertiseRetryMax
	}
	if opts.ReadPayload == nil {
		opts.ReadPayload = def.ReadPayload
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tracker := NewTracker(opts.Logger)
	return &Server{
		host:    host,
		opts:    opts,
		log:     opts.Logger,
		tracker: tracker,
		sched: NewScheduler(host, tracker, SchedulerOptions{
			Period:      opts.NotifyPeriod,
			MaxFailures: opts.MaxNotifyFailures,
			Logger:      opts.Logger,
		}),
	}
}

// Init brings up the host, registers the counter service, starts the
// notification timer and the host task. Registration failures are fatal:
// the host is deinitialized and the error returned.
func (s *Server) Init() error {
	s.mu.Lock()
	if s.phase != PhaseUninitialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.phase = PhaseInitializing
	s.synced = false
	s.advertising = false
	s.advAttempt = 0
	s.nextAdv = time.Time{}
	s.mu.Unlock()

	svc := DefaultService()
	if err := svc.Validate(); err != nil {
		s.setPhase(PhaseUninitialized)
		return err
	}

	if err := s.host.Init(); err != nil {
		s.setPhase(PhaseUninitialized)
		return fmt.Errorf("ble: host init: %w", err)
	}

	if err := s.host.RegisterService(svc, s); err != nil {
		if derr := s.host.Deinit(); derr != nil {
			s.log.Warn("[BLE] host deinit after failed registration", "error", derr)
		}
		s.setPhase(PhaseUninitialized)
		return fmt.Errorf("ble: register service %s: %w", svc.UUID, err)
	}

	notify := svc.NotifyChar()
	if notify.ValueHandle == 0 {
		if derr := s.host.Deinit(); derr != nil {
			s.log.Warn("[BLE] host deinit after failed registration", "error", derr)
		}
		s.setPhase(PhaseUninitialized)
		return fmt.Errorf("ble: register service %s: no value handle assigned to %s", svc.UUID, notify.UUID)
	}

	s.mu.Lock()
	s.svc = svc
	s.start = s.opts.Now()
	s.mu.Unlock()

	s.tracker.Reset()
	s.tracker.Register(notify.ValueHandle)
	s.sched.Reset()
	s.sched.Start()

	if err := s.host.Start(s.onSync); err != nil {
		s.sched.Stop()
		s.tracker.Reset()
		if derr := s.host.Deinit(); derr != nil {
			s.log.Warn("[BLE] host deinit after failed start", "error", derr)
		}
		s.setPhase(PhaseUninitialized)
		return fmt.Errorf("ble: host start: %w", err)
	}

	s.log.Info("[BLE] initialized", "name", s.opts.DeviceName, "service", svc.UUID,
		"write", svc.WriteChar().ValueHandle, "notify", notify.ValueHandle)
	return nil
}

// onSync runs once the host and controller are synchronized.
func (s *Server) onSync() {
	addr, err := s.host.Address()
	if err != nil {
		s.log.Warn("[BLE] could not resolve own address", "error", err)
	}

	s.mu.Lock()
	if s.phase != PhaseInitializing {
		s.mu.Unlock()
		return
	}
	s.synced = true
	s.address = addr
	s.start = s.opts.Now()
	s.phase = PhaseAdvertising
	s.mu.Unlock()

	s.log.Info("[BLE] host synchronized", "address", addr)
	if err := s.Advertise(); err != nil {
		s.log.Error("[BLE] advertise failed", "error", err)
		s.scheduleRetry()
	}
}

// Advertise starts an advertising session. A host failure is returned to
// the caller, who decides whether to retry.
func (s *Server) Advertise() error {
	s.mu.Lock()
	if s.phase == PhaseUninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	params := AdvertiseParams{
		LocalName:   s.opts.DeviceName,
		ServiceUUID: ServiceUUID,
		Address:     s.address,
	}
	s.mu.Unlock()

	s.log.Info("[BLE] advertising", "name", params.LocalName)
	if err := s.host.AdvertiseStart(params, s.handleEvent); err != nil {
		return fmt.Errorf("ble: advertise start: %w", err)
	}

	s.mu.Lock()
	s.advertising = true
	s.advAttempt = 0
	s.nextAdv = time.Time{}
	s.mu.Unlock()
	return nil
}

// StopAdvertising stops the active advertising session. It succeeds
// without calling the host when no session is active.
func (s *Server) StopAdvertising() error {
	s.mu.Lock()
	active := s.advertising
	s.mu.Unlock()
	if !active {
		return nil
	}

	s.log.Info("[BLE] stopping advertising")
	if err := s.host.AdvertiseStop(); err != nil {
		return fmt.Errorf("ble: advertise stop: %w", err)
	}

	s.mu.Lock()
	s.advertising = false
	s.mu.Unlock()
	return nil
}

// Advertising reports whether an advertising session is active.
func (s *Server) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// handleEvent is the GAP event callback passed to the host.
func (s *Server) handleEvent(ev Event) {
	action := s.tracker.Handle(ev)

	s.mu.Lock()
	switch ev.Type {
	case EventConnect:
		// A connection attempt ends the advertising session.
		s.advertising = false
		if ev.Status == 0 && s.phase == PhaseAdvertising {
			s.phase = PhaseConnected
		}
	case EventDisconnect:
		if s.phase == PhaseConnected {
			s.phase = PhaseAdvertising
		}
	case EventAdvertiseComplete:
		s.advertising = false
	}
	phase := s.phase
	s.mu.Unlock()

	if action.Has(ActionDisarm) {
		s.sched.Disarm()
	}
	if action.Has(ActionArm) {
		s.sched.Arm()
	}
	if action.Has(ActionReadvertise) && phase == PhaseAdvertising {
		if err := s.Advertise(); err != nil {
			s.log.Error("[BLE] re-advertise failed", "error", err)
			s.scheduleRetry()
		}
	}
}

// scheduleRetry sets the time of the next advertise attempt made by the
// supervisory loop.
func (s *Server) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delay := backoffDelay(s.advAttempt, s.opts.AdvertiseRetryMax)
	s.advAttempt++
	s.nextAdv = s.opts.Now().Add(delay)
	s.log.Info("[BLE] advertise retry scheduled", "attempt", s.advAttempt, "delay", delay)
}

// backoffDelay returns the retry delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Run is the supervisory loop. It polls the connection state every
// PollInterval, logs connect and disconnect transitions once each,
// retries failed advertising, and enforces the inactivity timeout. It
// returns ErrInactivityTimeout after stopping advertising when no
// central connected in time, or ctx.Err() when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.Phase() == PhaseUninitialized {
		return ErrNotInitialized
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(s.opts.Now()); err != nil {
				return err
			}
		}
	}
}

// poll performs one supervisory check at time now.
func (s *Server) poll(now time.Time) error {
	connected, changed := s.tracker.ObserveEdge()
	if changed {
		if connected {
			s.log.Info("[BLE] connection made")
		} else {
			s.log.Info("[BLE] disconnected")
		}
	}

	snap := s.tracker.Snapshot()

	s.mu.Lock()
	phase := s.phase
	elapsed := now.Sub(s.start)
	retry := s.synced && !s.advertising && !s.nextAdv.IsZero() && !now.Before(s.nextAdv)
	s.mu.Unlock()

	switch phase {
	case PhaseTimedOut, PhaseShuttingDown:
		return ErrInactivityTimeout
	case PhaseUninitialized:
		return ErrNotInitialized
	}

	if !snap.EverConnected && elapsed > s.opts.InactivityTimeout {
		return s.timeout(elapsed)
	}

	if retry && phase == PhaseAdvertising && snap.State == StateDisconnected {
		if err := s.Advertise(); err != nil {
			s.log.Error("[BLE] advertise retry failed", "error", err)
			s.scheduleRetry()
		}
	}
	return nil
}

// timeout stops advertising and enters ShuttingDown. Only the first call
// performs the transition. The connection state is read again under the
// phase lock, so a central that connected after poll's check cancels it.
func (s *Server) timeout(elapsed time.Duration) error {
	s.mu.Lock()
	if s.phase == PhaseTimedOut || s.phase == PhaseShuttingDown {
		s.mu.Unlock()
		return ErrInactivityTimeout
	}
	if s.phase == PhaseConnected || s.tracker.Snapshot().EverConnected {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseTimedOut
	s.mu.Unlock()

	s.log.Warn("[BLE] inactivity timeout, no central connected",
		"elapsed", elapsed.Round(time.Millisecond), "budget", s.opts.InactivityTimeout)
	if err := s.StopAdvertising(); err != nil {
		s.log.Error("[BLE] stop advertising on timeout", "error", err)
	}

	s.setPhase(PhaseShuttingDown)
	s.log.Info("[BLE] shutting down")
	return ErrInactivityTimeout
}

// Deinit stops the notification timer, stops advertising and releases
// the host. It must be called once per successful Init; later calls
// return ErrNotInitialized.
func (s *Server) Deinit() error {
	s.mu.Lock()
	if s.phase == PhaseUninitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.phase = PhaseShuttingDown
	s.mu.Unlock()

	s.log.Info("[BLE] deinitializing")

	// The timer must not fire into a released host.
	s.sched.Stop()

	var errs []error
	if err := s.StopAdvertising(); err != nil {
		errs = append(errs, err)
	}
	if err := s.host.Deinit(); err != nil {
		errs = append(errs, fmt.Errorf("ble: host deinit: %w", err))
	}

	s.tracker.Reset()
	s.mu.Lock()
	s.svc = nil
	s.synced = false
	s.advertising = false
	s.address = ""
	s.phase = PhaseUninitialized
	s.mu.Unlock()

	return errors.Join(errs...)
}

// ReadAccess serves reads of the notify characteristic with the fixed
// read payload, regardless of connection state.
func (s *Server) ReadAccess(conn ConnHandle, attr AttrHandle) ([]byte, error) {
	s.mu.Lock()
	svc := s.svc
	s.mu.Unlock()
	if svc == nil || attr == 0 || attr != svc.NotifyChar().ValueHandle {
		return nil, fmt.Errorf("%w: read of handle %d", ErrUnknownAttribute, attr)
	}
	out := make([]byte, len(s.opts.ReadPayload))
	copy(out, s.opts.ReadPayload)
	return out, nil
}

// WriteAccess hands a copy of a client write to the configured sink.
func (s *Server) WriteAccess(conn ConnHandle, attr AttrHandle, data []byte) error {
	s.mu.Lock()
	svc := s.svc
	s.mu.Unlock()
	if svc == nil || attr == 0 || attr != svc.WriteChar().ValueHandle {
		return fmt.Errorf("%w: write to handle %d", ErrUnknownAttribute, attr)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.log.Debug("[BLE] data from client", "conn", conn, "len", len(cp), "data", protocol.Printable(cp))
	if s.opts.Sink == nil {
		return nil
	}
	if err := s.opts.Sink.Consume(uint16(conn), cp); err != nil {
		return fmt.Errorf("ble: sink: %w", err)
	}
	return nil
}

// Phase returns the current lifecycle phase.
func (s *Server) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// State returns the current connection state.
func (s *Server) State() ConnState {
	return s.tracker.State()
}

// Count returns the notification counter.
func (s *Server) Count() uint32 {
	return s.sched.Count()
}

// Tick fires the notification timer once, outside its schedule.
func (s *Server) Tick() error {
	return s.sched.Tick()
}

func (s *Server) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}
