package ble

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// notification is one Notify call recorded by mockHost.
type notification struct {
	conn ConnHandle
	attr AttrHandle
	data []byte
}

// mockHost simulates the BLE host stack. Sync fires synchronously from
// Start unless deferSync is set.
type mockHost struct {
	mu sync.Mutex

	initErr     error
	registerErr error
	startErr    error
	advStartErr error
	advStopErr  error
	notifyErr   error
	deinitErr   error
	noHandles   bool
	deferSync   bool

	access        AccessHandler
	onSync        func()
	onEvent       func(Event)
	advParams     AdvertiseParams
	initCalls     int
	advStartCalls int
	advStopCalls  int
	deinitCalls   int
	notifications []notification
	order         []string
}

func newMockHost() *mockHost {
	return &mockHost{}
}

func (h *mockHost) record(op string) {
	h.order = append(h.order, op)
}

func (h *mockHost) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("init")
	h.initCalls++
	return h.initErr
}

func (h *mockHost) RegisterService(svc *Service, access AccessHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("register")
	if h.registerErr != nil {
		return h.registerErr
	}
	if !h.noHandles {
		// Mirror a GATT database: service declaration at 1, then a
		// declaration and value handle per characteristic.
		next := AttrHandle(2)
		for _, c := range svc.Characteristics {
			c.ValueHandle = next + 1
			next += 2
		}
	}
	h.access = access
	return nil
}

func (h *mockHost) Start(onSync func()) error {
	h.mu.Lock()
	h.record("start")
	if h.startErr != nil {
		h.mu.Unlock()
		return h.startErr
	}
	h.onSync = onSync
	deferSync := h.deferSync
	h.mu.Unlock()

	if !deferSync {
		onSync()
	}
	return nil
}

func (h *mockHost) Address() (string, error) {
	return "AA:BB:CC:DD:EE:FF", nil
}

func (h *mockHost) AdvertiseStart(params AdvertiseParams, onEvent func(Event)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("adv-start")
	h.advStartCalls++
	if h.advStartErr != nil {
		return h.advStartErr
	}
	h.advParams = params
	h.onEvent = onEvent
	return nil
}

func (h *mockHost) AdvertiseStop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("adv-stop")
	h.advStopCalls++
	return h.advStopErr
}

func (h *mockHost) Notify(conn ConnHandle, attr AttrHandle, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("notify")
	if h.notifyErr != nil {
		return h.notifyErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	h.notifications = append(h.notifications, notification{conn: conn, attr: attr, data: cp})
	return nil
}

func (h *mockHost) Deinit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("deinit")
	h.deinitCalls++
	return h.deinitErr
}

// SimulateEvent delivers ev through the callback of the last advertising
// session.
func (h *mockHost) SimulateEvent(t *testing.T, ev Event) {
	t.Helper()
	h.mu.Lock()
	cb := h.onEvent
	h.mu.Unlock()
	if cb == nil {
		t.Fatal("SimulateEvent: no advertising session registered an event callback")
	}
	cb(ev)
}

// SimulateSync fires the sync callback captured by Start.
func (h *mockHost) SimulateSync(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	cb := h.onSync
	h.mu.Unlock()
	if cb == nil {
		t.Fatal("SimulateSync: Start was not called")
	}
	cb()
}

func (h *mockHost) setNotifyErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifyErr = err
}

func (h *mockHost) setAdvStartErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advStartErr = err
}

func (h *mockHost) sent() []notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]notification, len(h.notifications))
	copy(out, h.notifications)
	return out
}

func (h *mockHost) calls() (advStart, advStop, deinit int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.advStartCalls, h.advStopCalls, h.deinitCalls
}

func (h *mockHost) ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// logRecorder is a slog.Handler that keeps every record message.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, rec.Message)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

// count returns how many records contain substr.
func (r *logRecorder) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func newTestLogger() (*slog.Logger, *logRecorder) {
	rec := &logRecorder{}
	return slog.New(rec), rec
}

// recordingSink captures writes handed to the sink.
type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
}

func (s *recordingSink) Consume(_ uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *recordingSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return nil
	}
	return s.writes[len(s.writes)-1]
}

func TestMockHostImplementsInterface(t *testing.T) {
	var _ Host = (*mockHost)(nil)
}

func TestLogRecorderCounts(t *testing.T) {
	logger, rec := newTestLogger()
	logger.Info("[BLE] connection made")
	logger.Info("[BLE] other")
	if got := rec.count("connection made"); got != 1 {
		t.Errorf("count() = %d, want 1", got)
	}
	if got := rec.count("[BLE]"); got != 2 {
		t.Errorf("count(\"[BLE]\") = %d, want 2", got)
	}
}
