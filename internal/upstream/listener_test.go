package upstream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgrelay/backend/internal/session"
)

// scriptedSource hands out fakeConns in order. connectErrs fail the first
// len(connectErrs) Connect calls.
type scriptedSource struct {
	mu          sync.Mutex
	connectErrs []error
	conns       []*fakeConn
	connects    atomic.Int64
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Connect(ctx context.Context) (Conn, error) {
	s.connects.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return nil, err
	}
	if len(s.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := s.conns[0]
	s.conns = s.conns[1:]
	return c, nil
}

// fakeConn delivers notes from its channel; closing the channel ends the
// stream with io.EOF, which the listener treats as a dropped connection.
type fakeConn struct {
	notes    chan Notification
	listened []string
	closed   atomic.Bool
}

func newFakeConn(buf int) *fakeConn {
	return &fakeConn{notes: make(chan Notification, buf)}
}

func (c *fakeConn) Listen(_ context.Context, topics []string) error {
	c.listened = topics
	return nil
}

func (c *fakeConn) Next(ctx context.Context) (Notification, error) {
	select {
	case n, ok := <-c.notes:
		if !ok {
			return Notification{}, io.EOF
		}
		return n, nil
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func note(topic, payload string) Notification {
	return Notification{Topic: topic, Payload: []byte(payload)}
}

func recv(t *testing.T, intake <-chan session.Event) session.Event {
	t.Helper()
	select {
	case ev := <-intake:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return session.Event{}
	}
}

func waitState(t *testing.T, l *Listener, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener state = %v, want %v", l.State(), want)
}

func testConfig() Config {
	return Config{
		Topics:           []string{"orders", "invoices"},
		BackoffFloor:     10 * time.Millisecond,
		BackoffCeiling:   80 * time.Millisecond,
		FailureThreshold: 3,
	}
}

func TestListener_NormalizesNotifications(t *testing.T) {
	conn := newFakeConn(4)
	src := &scriptedSource{conns: []*fakeConn{conn}}
	var seq atomic.Uint64
	l := NewListener(src, testConfig(), &seq, zerolog.Nop(), nil)

	intake := make(chan session.Event)
	l.Start(intake)
	defer l.Stop()

	conn.notes <- note("orders", `{"id":1}`)
	conn.notes <- note("invoices", `{"id":2}`)

	first := recv(t, intake)
	second := recv(t, intake)

	if first.Key != "orders" || string(first.Payload) != `{"id":1}` || first.Sequence != 1 {
		t.Errorf("first event = %+v", first)
	}
	if second.Key != "invoices" || second.Sequence != 2 {
		t.Errorf("second event = %+v", second)
	}
	if len(conn.listened) != 2 {
		t.Errorf("listened to %v, want both topics", conn.listened)
	}
	if l.State() != Listening {
		t.Errorf("state = %v, want listening", l.State())
	}
}

func TestListener_ReconnectsAndResetsBackoff(t *testing.T) {
	first := newFakeConn(1)
	second := newFakeConn(1)
	src := &scriptedSource{
		connectErrs: []error{errors.New("refused"), errors.New("refused")},
		conns:       []*fakeConn{first, second},
	}
	cfg := testConfig()
	l := NewListener(src, cfg, nil, zerolog.Nop(), nil)

	intake := make(chan session.Event, 4)
	l.Start(intake)
	defer l.Stop()

	// Two failed connects then success on the first conn.
	first.notes <- note("orders", "a")
	if ev := recv(t, intake); string(ev.Payload) != "a" {
		t.Fatalf("got %q, want a", ev.Payload)
	}
	if got := l.Backoff(); got != cfg.BackoffFloor {
		t.Errorf("backoff after connect = %v, want floor %v", got, cfg.BackoffFloor)
	}
	if st := l.Status(); st.ConsecutiveFailures != 0 || st.Reconnects != 2 {
		t.Errorf("status after connect = %+v", st)
	}

	// Drop the stream; the listener must come back on the second conn.
	close(first.notes)
	second.notes <- note("orders", "b")
	if ev := recv(t, intake); string(ev.Payload) != "b" {
		t.Fatalf("got %q after reconnect, want b", ev.Payload)
	}
	if !first.closed.Load() {
		t.Error("broken connection was not closed")
	}
	waitState(t, l, Listening)
	if got := l.Backoff(); got != cfg.BackoffFloor {
		t.Errorf("backoff after reconnect = %v, want floor %v", got, cfg.BackoffFloor)
	}
	if src.connects.Load() != 4 {
		t.Errorf("connect attempts = %d, want 4", src.connects.Load())
	}
}

func TestListener_BackoffDoublesToCeiling(t *testing.T) {
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = errors.New("down")
	}
	src := &scriptedSource{connectErrs: errs}
	cfg := testConfig()
	l := NewListener(src, cfg, nil, zerolog.Nop(), nil)

	// Drive recordFailure directly to check the sequence without sleeping.
	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, l.recordFailure(errors.New("down")))
	}
	want := []time.Duration{10, 20, 40, 80, 80, 80}
	for i := range want {
		if delays[i] != want[i]*time.Millisecond {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i]*time.Millisecond)
		}
	}
	if st := l.Status(); st.Health != Failed {
		t.Errorf("health after %d failures = %v, want failed", st.ConsecutiveFailures, st.Health)
	}
}

func TestListener_HealthDegradedBeforeThreshold(t *testing.T) {
	l := NewListener(&scriptedSource{}, testConfig(), nil, zerolog.Nop(), nil)
	l.recordFailure(errors.New("blip"))
	if st := l.Status(); st.Health != Degraded || st.State != Disconnected || st.LastError != "blip" {
		t.Errorf("status = %+v", st)
	}
	l.markListening()
	if st := l.Status(); st.Health != Healthy {
		t.Errorf("health after listening = %v, want healthy", st.Health)
	}
}

func TestListener_StopIsPromptAndIdempotent(t *testing.T) {
	conn := newFakeConn(1)
	src := &scriptedSource{conns: []*fakeConn{conn}}
	l := NewListener(src, testConfig(), nil, zerolog.Nop(), nil)

	// Nobody reads intake, so the listener blocks handing this event off.
	intake := make(chan session.Event)
	l.Start(intake)
	waitState(t, l, Listening)
	conn.notes <- note("orders", "stuck")

	done := make(chan struct{})
	go func() {
		l.Stop()
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if l.State() != Disconnected {
		t.Errorf("state after stop = %v, want disconnected", l.State())
	}
	if !conn.closed.Load() {
		t.Error("connection not closed on stop")
	}
}

func TestListener_StopDuringBackoff(t *testing.T) {
	src := &scriptedSource{connectErrs: []error{errors.New("down")}}
	cfg := testConfig()
	cfg.BackoffFloor = time.Hour
	cfg.BackoffCeiling = time.Hour
	l := NewListener(src, cfg, nil, zerolog.Nop(), nil)
	l.Start(make(chan session.Event))

	deadline := time.Now().Add(2 * time.Second)
	for src.connects.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	l.Stop()
	if time.Since(start) > time.Second {
		t.Error("Stop waited out the backoff sleep")
	}
}
