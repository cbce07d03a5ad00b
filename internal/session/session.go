package session

import (
	"sync"
	"sync/atomic"
	"time"
)

const DefaultOutboxSize = 64

// Transport is the client side of a session: something that can carry one
// event at a time and be closed. Send may block; Close must unblock it.
type Transport interface {
	Send(ev Event) error
	Close() error
}

// Frame is an inbound control frame fed back by the transport layer.
type Frame int

const (
	FramePing Frame = iota
	FramePong
	FrameClose
)

// Options configures a Session.
type Options struct {
	OutboxSize int
	// OnClose runs exactly once when the session reaches Closed, after the
	// state change and before the outbox is released. The gateway uses it
	// to take the session out of the registry.
	OnClose func(s *Session)
}

// Session is one connected client. The dispatcher produces into its outbox
// through Enqueue; a dedicated writer goroutine drains the outbox into the
// transport.
type Session struct {
	id          string
	transport   Transport
	onClose     func(*Session)
	connectedAt time.Time

	mu       sync.Mutex // guards state, key, closeErr and serializes producers
	state    State
	key      string
	closeErr error

	outbox chan Event

	lag       atomic.Uint64
	delivered atomic.Uint64
	lastSeen  atomic.Int64

	started    atomic.Bool
	drainCh    chan struct{}
	done       chan struct{}
	writerDone chan struct{}
	drainOnce  sync.Once
	closeOnce  sync.Once
}

// New creates a session in the Connecting state. It is not a delivery
// target until it is activated and subscribed.
func New(id string, t Transport, opts Options) *Session {
	size := opts.OutboxSize
	if size <= 0 {
		size = DefaultOutboxSize
	}
	now := time.Now()
	s := &Session{
		id:          id,
		transport:   t,
		onClose:     opts.OnClose,
		connectedAt: now,
		state:       Connecting,
		outbox:      make(chan Event, size),
		drainCh:     make(chan struct{}),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session reached its terminal state.
func (s *Session) Closed() bool { return s.State() == Closed }

// Err returns the transport error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) LagCount() uint64  { return s.lag.Load() }
func (s *Session) Delivered() uint64 { return s.delivered.Load() }
func (s *Session) Queued() int       { return len(s.outbox) }
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Activate moves a Connecting session to Active.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return ErrInvalidTransition
	}
	s.state = Active
	return nil
}

// Start launches the writer goroutine. Calling it more than once, or on a
// session that is not Active, does nothing.
func (s *Session) Start() {
	if s.State() != Active {
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.writeLoop()
}

// setKey is called by the registry with the session's bucket key, or ""
// when the session leaves the registry.
func (s *Session) setKey(key string) {
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
}

// Enqueue offers ev to the outbox without blocking. When the outbox is
// full the oldest queued event is discarded and the lag counter grows.
// Events for a key the session is no longer subscribed to are rejected,
// which closes the window between a registry snapshot and a re-subscribe.
func (s *Session) Enqueue(ev Event) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active || s.key == "" || !ev.Matches(s.key) {
		return Rejected
	}

	select {
	case s.outbox <- ev:
		return Enqueued
	default:
	}

	// Producers hold s.mu, so after taking one slot the send below has room
	// even if the writer is idle.
	select {
	case <-s.outbox:
	default:
	}
	s.lag.Add(1)
	select {
	case s.outbox <- ev:
	default:
	}
	return Dropped
}

// HandleFrame records inbound control traffic from the client.
func (s *Session) HandleFrame(f Frame) {
	switch f {
	case FramePing, FramePong:
		s.lastSeen.Store(time.Now().UnixNano())
	case FrameClose:
		s.Drain()
	}
}

// Drain stops accepting new events and lets the writer flush what is
// queued before the session closes. A session whose writer never started
// closes immediately.
func (s *Session) Drain() {
	s.mu.Lock()
	switch s.state {
	case Connecting:
		s.mu.Unlock()
		s.Close()
		return
	case Active:
		s.state = Draining
	}
	s.mu.Unlock()

	if !s.started.Load() {
		s.Close()
		return
	}
	s.drainOnce.Do(func() { close(s.drainCh) })
}

// Close forces the session to Closed. It is idempotent and safe to call
// from any goroutine, including while the writer is blocked in Send.
func (s *Session) Close() {
	s.finish(nil)
}

// Wait blocks until the writer goroutine has exited or the timeout passes.
// It reports whether the writer exited.
func (s *Session) Wait(timeout time.Duration) bool {
	if !s.started.Load() {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.writerDone:
		return true
	case <-t.C:
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			return
		case <-s.drainCh:
			s.flush()
			return
		case ev := <-s.outbox:
			if err := s.transport.Send(ev); err != nil {
				s.finish(err)
				return
			}
			s.delivered.Add(1)
		}
	}
}

// flush writes whatever is still queued and then closes the session.
func (s *Session) flush() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.outbox:
			if err := s.transport.Send(ev); err != nil {
				s.finish(err)
				return
			}
			s.delivered.Add(1)
		default:
			s.finish(nil)
			return
		}
	}
}

func (s *Session) finish(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.closeErr = cause
		s.mu.Unlock()

		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
		_ = s.transport.Close()

	release:
		for {
			select {
			case <-s.outbox:
			default:
				break release
			}
		}
	})
}

// Info is a point-in-time view of a session for introspection endpoints.
type Info struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	State       State     `json:"state"`
	Queued      int       `json:"queued"`
	Lag         uint64    `json:"lag"`
	Delivered   uint64    `json:"delivered"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	state, key := s.state, s.key
	s.mu.Unlock()
	return Info{
		ID:          s.id,
		Key:         key,
		State:       state,
		Queued:      len(s.outbox),
		Lag:         s.lag.Load(),
		Delivered:   s.delivered.Load(),
		ConnectedAt: s.connectedAt,
		LastSeen:    s.LastSeen(),
	}
}
