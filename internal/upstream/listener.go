package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgrelay/backend/internal/metrics"
	"github.com/pgrelay/backend/internal/session"
)

const (
	DefaultBackoffFloor     = 500 * time.Millisecond
	DefaultBackoffCeiling   = 30 * time.Second
	DefaultFailureThreshold = 5
)

// State is the listener's connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Listening
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Listening:    "listening",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Health summarizes the upstream for operators.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Failed   Health = "failed"
)

type Config struct {
	Topics           []string
	BackoffFloor     time.Duration
	BackoffCeiling   time.Duration
	FailureThreshold int // consecutive failures before health reports failed
}

// Listener keeps one logical subscription to a Source alive and pushes every
// notification into the dispatcher's intake as a normalized Event. On any
// connection failure it closes the connection, sleeps the current backoff,
// doubles it up to the ceiling, and reconnects. Reaching Listening resets the
// backoff to the floor.
//
// Notifications raised while disconnected are never seen; delivery is at
// most once.
type Listener struct {
	src     Source
	cfg     Config
	seq     *atomic.Uint64
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	backoff     time.Duration
	failures    int
	reconnects  uint64
	lastErr     string
	lastErrAt   time.Time
	connectedAt time.Time
	lastSeq     uint64
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewListener builds a listener. seq is the sequence counter shared with
// every other origin of events; nil gets a private counter.
func NewListener(src Source, cfg Config, seq *atomic.Uint64, log zerolog.Logger, m *metrics.Metrics) *Listener {
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = DefaultBackoffFloor
	}
	if cfg.BackoffCeiling < cfg.BackoffFloor {
		cfg.BackoffCeiling = max(DefaultBackoffCeiling, cfg.BackoffFloor)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	return &Listener{
		src:     src,
		cfg:     cfg,
		seq:     seq,
		log:     log.With().Str("component", "listener").Str("source", src.Name()).Logger(),
		metrics: m,
		backoff: cfg.BackoffFloor,
	}
}

// Start launches the connect-listen-reconnect loop and returns at once.
// Calling Start on a running listener does nothing.
func (l *Listener) Start(intake chan<- session.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, intake, l.done)
}

// Stop asks the loop to exit and waits for it. An event is either fully
// handed to intake or not at all.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context, intake chan<- session.Event, done chan struct{}) {
	defer close(done)
	defer l.setState(Disconnected)

	for {
		err := l.listen(ctx, intake)
		if ctx.Err() != nil {
			return
		}
		delay := l.recordFailure(err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// listen runs one connection until it fails. It always returns a non-nil
// error.
func (l *Listener) listen(ctx context.Context, intake chan<- session.Event) error {
	l.setState(Connecting)
	conn, err := l.src.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := conn.Listen(ctx, l.cfg.Topics); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.markListening()
	l.log.Info().Strs("topics", l.cfg.Topics).Msg("upstream listening")

	for {
		n, err := conn.Next(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		ev := session.Event{
			Key:      n.Topic,
			Payload:  n.Payload,
			Sequence: l.seq.Add(1),
		}
		select {
		case intake <- ev:
			l.mu.Lock()
			l.lastSeq = ev.Sequence
			l.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.metrics.SetUpstreamState(int(s))
}

func (l *Listener) markListening() {
	l.mu.Lock()
	l.state = Listening
	l.backoff = l.cfg.BackoffFloor
	l.failures = 0
	l.connectedAt = time.Now()
	l.mu.Unlock()
	l.metrics.SetUpstreamState(int(Listening))
}

// recordFailure logs err, moves to Disconnected and returns the delay to
// wait before the next attempt. The stored backoff is doubled for the
// attempt after that.
func (l *Listener) recordFailure(err error) time.Duration {
	l.mu.Lock()
	l.state = Disconnected
	l.failures++
	l.reconnects++
	l.lastErr = err.Error()
	l.lastErrAt = time.Now()
	delay := l.backoff
	l.backoff = min(l.backoff*2, l.cfg.BackoffCeiling)
	failures := l.failures
	l.mu.Unlock()

	l.metrics.SetUpstreamState(int(Disconnected))
	l.metrics.Reconnect()

	l.log.Warn().Err(err).
		Int("failures", failures).
		Dur("retry_in", delay).
		Msg("upstream connection lost, reconnecting")
	return delay
}

// Status is a point-in-time view of the listener.
type Status struct {
	Source              string    `json:"source"`
	State               State     `json:"state"`
	Health              Health    `json:"health"`
	Backoff             string    `json:"backoff"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Reconnects          uint64    `json:"reconnects"`
	LastError           string    `json:"lastError,omitempty"`
	LastErrorAt         time.Time `json:"lastErrorAt,omitzero"`
	ConnectedAt         time.Time `json:"connectedAt,omitzero"`
	LastSequence        uint64    `json:"lastSequence"`
	Topics              []string  `json:"topics"`
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Source:              l.src.Name(),
		State:               l.state,
		Health:              l.healthLocked(),
		Backoff:             l.backoff.String(),
		ConsecutiveFailures: l.failures,
		Reconnects:          l.reconnects,
		LastError:           l.lastErr,
		LastErrorAt:         l.lastErrAt,
		ConnectedAt:         l.connectedAt,
		LastSequence:        l.lastSeq,
		Topics:              append([]string(nil), l.cfg.Topics...),
	}
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Backoff returns the delay that will be used after the next failure.
func (l *Listener) Backoff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

// healthLocked classifies the listener. Caller must hold l.mu.
func (l *Listener) healthLocked() Health {
	switch {
	case l.state == Listening:
		return Healthy
	case l.failures >= l.cfg.FailureThreshold:
		return Failed
	default:
		return Degraded
	}
}
