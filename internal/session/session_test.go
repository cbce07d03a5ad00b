package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records sent events. When gate is non-nil every Send waits
// for a value on it (or for Close), simulating a slow client.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []Event
	failErr error
	gate    chan struct{}
	closed  chan struct{}
	once    sync.Once
	closes  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (f *fakeTransport) Send(ev Event) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return errors.New("transport closed")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, ev := range f.sent {
		out[i] = string(ev.Payload)
	}
	return out
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// activeSession returns a session that is Active and keyed to key without
// going through a registry, and with its writer not yet started.
func activeSession(t *testing.T, id, key string, tr Transport, size int) *Session {
	t.Helper()
	s := New(id, tr, Options{OutboxSize: size})
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	s.setKey(key)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ev(key, payload string) Event {
	return Event{Key: key, Payload: []byte(payload)}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Connecting, "connecting"},
		{Active, "active"},
		{Draining, "draining"},
		{Closed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestEnqueue_DropOldestWhenFull(t *testing.T) {
	tr := newFakeTransport()
	s := activeSession(t, "s1", "orders", tr, 3)

	for _, p := range []string{"a", "b", "c"} {
		if got := s.Enqueue(ev("orders", p)); got != Enqueued {
			t.Fatalf("Enqueue(%s) = %v, want Enqueued", p, got)
		}
	}
	if got := s.Enqueue(ev("orders", "d")); got != Dropped {
		t.Fatalf("Enqueue on full outbox = %v, want Dropped", got)
	}
	if got := s.Enqueue(ev("orders", "e")); got != Dropped {
		t.Fatalf("Enqueue on full outbox = %v, want Dropped", got)
	}
	if s.LagCount() != 2 {
		t.Errorf("LagCount = %d, want 2", s.LagCount())
	}
	if s.Queued() != 3 {
		t.Errorf("Queued = %d, want 3", s.Queued())
	}

	s.Start()
	waitFor(t, "delivery", func() bool { return len(tr.payloads()) == 3 })

	got := tr.payloads()
	want := []string{"c", "d", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
	s.Close()
}

func TestEnqueue_RejectsWrongKeyAndInactive(t *testing.T) {
	tr := newFakeTransport()
	s := New("s1", tr, Options{})

	if got := s.Enqueue(ev("orders", "x")); got != Rejected {
		t.Errorf("Enqueue on Connecting session = %v, want Rejected", got)
	}

	if err := s.Activate(); err != nil {
		t.Fatal(err)
	}
	if got := s.Enqueue(ev("orders", "x")); got != Rejected {
		t.Errorf("Enqueue on unkeyed session = %v, want Rejected", got)
	}

	s.setKey("orders")
	if got := s.Enqueue(ev("invoices", "x")); got != Rejected {
		t.Errorf("Enqueue for other key = %v, want Rejected", got)
	}
	if got := s.Enqueue(ev("orders", "x")); got != Enqueued {
		t.Errorf("Enqueue for own key = %v, want Enqueued", got)
	}

	s.Close()
	if got := s.Enqueue(ev("orders", "y")); got != Rejected {
		t.Errorf("Enqueue after Close = %v, want Rejected", got)
	}
}

func TestEnqueue_WildcardAcceptsEveryKey(t *testing.T) {
	s := activeSession(t, "s1", Wildcard, newFakeTransport(), 8)
	defer s.Close()

	for _, key := range []string{"orders", "invoices", Wildcard} {
		if got := s.Enqueue(ev(key, "p")); got != Enqueued {
			t.Errorf("wildcard Enqueue(%s) = %v, want Enqueued", key, got)
		}
	}
}

func TestActivate_OnlyFromConnecting(t *testing.T) {
	s := New("s1", newFakeTransport(), Options{})
	if err := s.Activate(); err != nil {
		t.Fatal(err)
	}
	if err := s.Activate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Activate = %v, want ErrInvalidTransition", err)
	}
	s.Close()
	if err := s.Activate(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Activate after Close = %v, want ErrInvalidTransition", err)
	}
	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestWriter_FailureClosesSession(t *testing.T) {
	tr := newFakeTransport()
	tr.failErr = errors.New("broken pipe")

	var closedWith *Session
	var calls int
	s := New("s1", tr, Options{OnClose: func(s *Session) {
		calls++
		closedWith = s
	}})
	if err := s.Activate(); err != nil {
		t.Fatal(err)
	}
	s.setKey("orders")
	s.Start()
	s.Enqueue(ev("orders", "x"))

	// Wait returns once the writer has finished tearing the session down.
	if !s.Wait(2 * time.Second) {
		t.Fatal("session not closed after write failure")
	}
	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if s.Err() == nil {
		t.Error("Err() should report the write failure")
	}
	if calls != 1 || closedWith != s {
		t.Errorf("OnClose called %d times", calls)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCount())
	}
}

func TestClose_Idempotent(t *testing.T) {
	tr := newFakeTransport()
	var calls int
	s := New("s1", tr, Options{OnClose: func(*Session) { calls++ }})
	_ = s.Activate()
	s.Start()

	s.Close()
	s.Close()
	s.Drain()

	if calls != 1 {
		t.Errorf("OnClose called %d times, want 1", calls)
	}
	if tr.closeCount() != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCount())
	}
	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if !s.Wait(time.Second) {
		t.Error("writer did not exit")
	}
}

func TestClose_UnblocksInFlightSend(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	s := activeSession(t, "s1", "orders", tr, 4)
	s.Start()
	s.Enqueue(ev("orders", "stuck"))

	// Give the writer time to enter Send.
	time.Sleep(20 * time.Millisecond)
	s.Close()

	if !s.Wait(time.Second) {
		t.Fatal("writer still blocked after Close")
	}
}

func TestDrain_FlushesQueueThenCloses(t *testing.T) {
	tr := newFakeTransport()
	s := activeSession(t, "s1", "orders", tr, 8)
	for _, p := range []string{"1", "2", "3"} {
		s.Enqueue(ev("orders", p))
	}
	s.Start()
	s.Drain()

	if got := s.Enqueue(ev("orders", "late")); got != Rejected {
		t.Errorf("Enqueue while draining = %v, want Rejected", got)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("draining session never closed")
	}
	got := tr.payloads()
	if len(got) != 3 || got[0] != "1" || got[2] != "3" {
		t.Errorf("flushed %v, want [1 2 3]", got)
	}
}

func TestDrain_NotStartedClosesImmediately(t *testing.T) {
	s := New("s1", newFakeTransport(), Options{})
	s.Drain()
	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestHandleFrame(t *testing.T) {
	tr := newFakeTransport()
	s := activeSession(t, "s1", "orders", tr, 4)
	s.Start()

	before := s.LastSeen()
	time.Sleep(2 * time.Millisecond)
	s.HandleFrame(FramePong)
	if !s.LastSeen().After(before) {
		t.Error("pong should refresh LastSeen")
	}

	s.HandleFrame(FrameClose)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close frame did not close session")
	}
}

func TestInfo(t *testing.T) {
	s := activeSession(t, "s1", "orders", newFakeTransport(), 1)
	defer s.Close()
	s.Enqueue(ev("orders", "a"))
	s.Enqueue(ev("orders", "b"))

	info := s.Info()
	if info.ID != "s1" || info.Key != "orders" || info.State != Active {
		t.Errorf("Info = %+v", info)
	}
	if info.Lag != 1 || info.Queued != 1 {
		t.Errorf("Info lag/queued = %d/%d, want 1/1", info.Lag, info.Queued)
	}
}
