package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pgrelay/backend/internal/metrics"
	"github.com/pgrelay/backend/internal/session"
)

// Matcher resolves an event key to its delivery targets.
type Matcher interface {
	Match(key string) []*session.Session
}

// Outcome summarizes one Dispatch call.
type Outcome struct {
	Matched  int
	Enqueued int
	Dropped  int
	Rejected int
	Evicted  int
}

// Dispatcher routes each event to the outboxes of every matching session.
// It never blocks on a session: Enqueue is non-blocking, so the cost of one
// dispatch grows with the number of matches and nothing else.
type Dispatcher struct {
	reg     Matcher
	log     zerolog.Logger
	metrics *metrics.Metrics

	maxLag  atomic.Uint64
	lagWarn *rate.Sometimes

	dispatched atomic.Uint64
	unmatched  atomic.Uint64
}

func NewDispatcher(reg Matcher, maxLag uint64, lagWarnEvery time.Duration, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if lagWarnEvery <= 0 {
		lagWarnEvery = 10 * time.Second
	}
	d := &Dispatcher{
		reg:     reg,
		log:     log.With().Str("component", "dispatcher").Logger(),
		metrics: m,
		lagWarn: &rate.Sometimes{First: 1, Interval: lagWarnEvery},
	}
	d.maxLag.Store(maxLag)
	return d
}

// SetMaxLag changes the eviction threshold. Zero disables eviction.
func (d *Dispatcher) SetMaxLag(n uint64) { d.maxLag.Store(n) }

func (d *Dispatcher) MaxLag() uint64 { return d.maxLag.Load() }

// Run consumes both intakes until ctx is done or both are closed.
func (d *Dispatcher) Run(ctx context.Context, upstream, published <-chan session.Event) {
	for upstream != nil || published != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-upstream:
			if !ok {
				upstream = nil
				continue
			}
			d.metrics.Received(session.OriginUpstream.String())
			d.Dispatch(ev)
		case ev, ok := <-published:
			if !ok {
				published = nil
				continue
			}
			d.metrics.Received(session.OriginPublish.String())
			d.Dispatch(ev)
		}
	}
}

// Dispatch delivers ev to every session matching its key. Sessions that
// closed or moved since the registry snapshot reject the event. Unmatched
// events are discarded.
func (d *Dispatcher) Dispatch(ev session.Event) Outcome {
	start := time.Now()
	targets := d.reg.Match(ev.Key)
	out := Outcome{Matched: len(targets)}
	d.dispatched.Add(1)

	if len(targets) == 0 {
		d.unmatched.Add(1)
		d.metrics.Unmatched()
		return out
	}

	maxLag := d.maxLag.Load()
	for _, s := range targets {
		switch s.Enqueue(ev) {
		case session.Enqueued:
			out.Enqueued++
			d.metrics.Enqueued()
		case session.Dropped:
			out.Dropped++
			d.metrics.Dropped()
			lag := s.LagCount()
			if maxLag > 0 && lag >= maxLag {
				out.Evicted++
				d.metrics.Evicted()
				d.log.Warn().Str("session", s.ID()).Str("key", ev.Key).Uint64("lag", lag).
					Msg("session evicted for excessive lag")
				s.Close()
				continue
			}
			d.lagWarn.Do(func() {
				d.log.Warn().Str("session", s.ID()).Str("key", ev.Key).Uint64("lag", lag).
					Msg("session outbox full, dropping oldest")
			})
		default:
			out.Rejected++
		}
	}
	d.metrics.ObserveDispatch(time.Since(start).Seconds())
	return out
}

// Counters returns how many events were dispatched and how many of those
// matched no session.
func (d *Dispatcher) Counters() (dispatched, unmatched uint64) {
	return d.dispatched.Load(), d.unmatched.Load()
}
