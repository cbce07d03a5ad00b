// Package gateway wires the upstream listener, the dispatcher and the
// session registry together and owns their lifetimes.
package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pgrelay/backend/internal/metrics"
	"github.com/pgrelay/backend/internal/session"
	"github.com/pgrelay/backend/internal/upstream"
)

var (
	ErrGatewayClosed      = errors.New("gateway: closed")
	ErrSessionClosed      = errors.New("gateway: session closed")
	ErrTooManyConnections = errors.New("gateway: too many connections")
)

const DefaultDrainTimeout = 5 * time.Second

type Options struct {
	// Source feeds the listener. A nil Source runs the gateway in
	// publish-only mode.
	Source   upstream.Source
	Listener upstream.Config

	OutboxSize     int
	Shards         int
	IntakeBuffer   int
	MaxLag         uint64
	MaxConnections int // 0 = unlimited
	DrainTimeout   time.Duration
	LagWarnEvery   time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Gateway is the composition root. It is started by New and runs until
// Stop.
type Gateway struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	registry   *session.Registry
	dispatcher *Dispatcher
	listener   *upstream.Listener
	seq        atomic.Uint64

	publishCh chan session.Event
	pubMu     sync.RWMutex // held for reading across each Publish send
	stopping  chan struct{}
	cancel    context.CancelFunc
	dispDone  chan struct{}

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
	stopOnce sync.Once
}

// New builds the gateway and starts its listener and dispatcher.
func New(opts Options) *Gateway {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.IntakeBuffer < 0 {
		opts.IntakeBuffer = 0
	}
	log := opts.Logger.With().Str("component", "gateway").Logger()

	reg := session.NewRegistry(opts.Shards)
	g := &Gateway{
		opts:       opts,
		log:        log,
		metrics:    opts.Metrics,
		registry:   reg,
		dispatcher: NewDispatcher(reg, opts.MaxLag, opts.LagWarnEvery, opts.Logger, opts.Metrics),
		publishCh:  make(chan session.Event, opts.IntakeBuffer),
		stopping:   make(chan struct{}),
		dispDone:   make(chan struct{}),
		sessions:   make(map[string]*session.Session),
	}

	var upstreamCh chan session.Event
	if opts.Source != nil {
		upstreamCh = make(chan session.Event, opts.IntakeBuffer)
		g.listener = upstream.NewListener(opts.Source, opts.Listener, &g.seq, opts.Logger, opts.Metrics)
		g.listener.Start(upstreamCh)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go func() {
		defer close(g.dispDone)
		g.dispatcher.Run(ctx, upstreamCh, g.publishCh)
	}()

	log.Info().Bool("upstream", g.listener != nil).Int("max_connections", opts.MaxConnections).
		Msg("gateway started")
	return g
}

// AcceptConnection creates a session for an upgraded client connection and
// makes it a delivery target for key. The returned session receives the
// client's inbound control frames through HandleFrame.
func (g *Gateway) AcceptConnection(t session.Transport, key string) (*session.Session, error) {
	if key == "" {
		return nil, session.ErrInvalidKey
	}

	s := session.New(uuid.NewString(), t, session.Options{
		OutboxSize: g.opts.OutboxSize,
		OnClose:    g.release,
	})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGatewayClosed
	}
	if limit := g.opts.MaxConnections; limit > 0 && len(g.sessions) >= limit {
		g.mu.Unlock()
		g.metrics.Rejected()
		return nil, ErrTooManyConnections
	}
	g.sessions[s.ID()] = s
	g.mu.Unlock()
	g.metrics.SessionOpened()

	// Stop may have drained the session between the unlock and here.
	if err := s.Activate(); err != nil {
		s.Close()
		return nil, ErrGatewayClosed
	}
	if err := g.registry.Subscribe(key, s); err != nil {
		s.Close()
		return nil, err
	}
	s.Start()
	if s.Closed() {
		return nil, ErrGatewayClosed
	}

	g.log.Debug().Str("session", s.ID()).Str("key", key).Msg("session accepted")
	return s, nil
}

// release runs once per session when it reaches Closed.
func (g *Gateway) release(s *session.Session) {
	g.registry.Unsubscribe(s)

	g.mu.Lock()
	_, ok := g.sessions[s.ID()]
	delete(g.sessions, s.ID())
	g.mu.Unlock()
	if ok {
		g.metrics.SessionClosed()
	}

	ev := g.log.Debug()
	if err := s.Err(); err != nil {
		ev = g.log.Warn().Err(err)
	}
	ev.Str("session", s.ID()).Uint64("lag", s.LagCount()).Uint64("delivered", s.Delivered()).
		Msg("session closed")
}

// Resubscribe moves s to key. Events already queued for the old key are
// still delivered.
func (g *Gateway) Resubscribe(s *session.Session, key string) error {
	if err := g.registry.Subscribe(key, s); err != nil {
		return err
	}
	if s.Closed() {
		return ErrSessionClosed
	}
	return nil
}

// Disconnect drains s and closes it.
func (g *Gateway) Disconnect(s *session.Session) {
	s.Drain()
}

// Publish injects an event into the dispatcher as if the upstream had
// produced it. It blocks only while the intake is full. An event that
// Publish accepted is dispatched even if Stop begins right after.
func (g *Gateway) Publish(ctx context.Context, key string, payload []byte) (uint64, error) {
	if key == "" {
		return 0, session.ErrInvalidKey
	}
	g.pubMu.RLock()
	defer g.pubMu.RUnlock()
	select {
	case <-g.stopping:
		return 0, ErrGatewayClosed
	default:
	}

	ev := session.Event{Key: key, Payload: payload, Sequence: g.seq.Add(1)}
	select {
	case g.publishCh <- ev:
		return ev.Sequence, nil
	case <-g.stopping:
		return 0, ErrGatewayClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SetMaxLag changes the lag eviction threshold at runtime.
func (g *Gateway) SetMaxLag(n uint64) {
	g.dispatcher.SetMaxLag(n)
}

// Stop shuts the gateway down: the listener first, then the dispatcher,
// then every session is drained for up to the drain timeout and closed.
// It returns ctx.Err() if ctx expired before sessions finished draining;
// every session is Closed either way.
func (g *Gateway) Stop(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		live := make([]*session.Session, 0, len(g.sessions))
		for _, s := range g.sessions {
			live = append(live, s)
		}
		g.mu.Unlock()
		close(g.stopping)
		// Publishes mid-send either land in publishCh or give up here.
		g.pubMu.Lock()
		g.pubMu.Unlock()

		if g.listener != nil {
			g.listener.Stop()
		}
		g.cancel()
		<-g.dispDone
		g.flushPublished()

		g.log.Info().Int("sessions", len(live)).Msg("draining sessions")
		for _, s := range live {
			s.Drain()
		}

		deadline := time.Now().Add(g.opts.DrainTimeout)
		for _, s := range live {
			wait := time.Until(deadline)
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
				wait = time.Until(dl)
			}
			if wait <= 0 || !s.Wait(wait) {
				if err == nil && ctx.Err() != nil {
					err = ctx.Err()
				}
			}
			s.Close()
		}
		g.log.Info().Msg("gateway stopped")
	})
	return err
}

// flushPublished dispatches events Publish accepted that were still
// buffered when the dispatcher stopped.
func (g *Gateway) flushPublished() {
	for {
		select {
		case ev := <-g.publishCh:
			g.dispatcher.Dispatch(ev)
		default:
			return
		}
	}
}

// Health reports the upstream health. Publish-only gateways are always
// healthy.
func (g *Gateway) Health() upstream.Health {
	if g.listener == nil {
		return upstream.Healthy
	}
	return g.listener.Status().Health
}

// Stats is the body of the introspection endpoint.
type Stats struct {
	Sessions   int                `json:"sessions"`
	Keys       []session.KeyCount `json:"keys"`
	Dispatched uint64             `json:"dispatched"`
	Unmatched  uint64             `json:"unmatched"`
	MaxLag     uint64             `json:"maxLag"`
	Upstream   *upstream.Status   `json:"upstream,omitempty"`
	Detail     []session.Info     `json:"detail"`
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	detail := make([]session.Info, 0, len(g.sessions))
	for _, s := range g.sessions {
		detail = append(detail, s.Info())
	}
	g.mu.Unlock()
	sort.Slice(detail, func(i, j int) bool { return detail[i].ConnectedAt.Before(detail[j].ConnectedAt) })

	dispatched, unmatched := g.dispatcher.Counters()
	st := Stats{
		Sessions:   len(detail),
		Keys:       g.registry.Keys(),
		Dispatched: dispatched,
		Unmatched:  unmatched,
		MaxLag:     g.dispatcher.MaxLag(),
		Detail:     detail,
	}
	if g.listener != nil {
		us := g.listener.Status()
		st.Upstream = &us
	}
	return st
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Registry exposes the session registry for read-only introspection.
func (g *Gateway) Registry() *session.Registry { return g.registry }
