package mock

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/pgrelay/backend/internal/upstream"
)

// ErrSimulatedDrop is returned by a connection that has reached its
// configured FailEvery budget.
var ErrSimulatedDrop = errors.New("mock: simulated connection drop")

// ErrSimulatedRefused is returned by Connect for the first FailConnects
// attempts.
var ErrSimulatedRefused = errors.New("mock: simulated connect refused")

// Config shapes the synthetic traffic.
type Config struct {
	// Interval between ticks. Each tick produces zero or more rows per
	// topic depending on Pattern.
	Interval time.Duration

	// Pattern is one of "steady", "burst", or "stall".
	Pattern string

	// FailEvery, when positive, breaks each connection after that many
	// notifications so the reconnect path gets exercised.
	FailEvery int

	// FailConnects makes the first N Connect calls fail.
	FailConnects int

	Seed int64
}

const (
	PatternSteady = "steady"
	PatternBurst  = "burst"
	PatternStall  = "stall"
)

// Generator is an upstream.Source producing fake row-change notifications.
type Generator struct {
	cfg Config

	mu       sync.Mutex
	rng      *rand.Rand
	connects int
	rowID    int64
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Pattern == "" {
		cfg.Pattern = PatternSteady
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Name() string { return "mock" }

func (g *Generator) Connect(ctx context.Context) (upstream.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.connects++
	n := g.connects
	g.mu.Unlock()
	if n <= g.cfg.FailConnects {
		return nil, ErrSimulatedRefused
	}
	return &conn{gen: g}, nil
}

// Connects reports how many times Connect has been called.
func (g *Generator) Connects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

// Row is the JSON payload of every generated notification.
type Row struct {
	ID     int64     `json:"id"`
	Table  string    `json:"table"`
	Op     string    `json:"op"`
	Amount int       `json:"amount"`
	At     time.Time `json:"at"`
}

var ops = []string{"INSERT", "UPDATE", "UPDATE", "DELETE"}

func (g *Generator) row(topic string) []byte {
	g.mu.Lock()
	g.rowID++
	r := Row{
		ID:     g.rowID,
		Table:  topic,
		Op:     ops[g.rng.Intn(len(ops))],
		Amount: 100 + g.rng.Intn(9900),
		At:     time.Now().UTC(),
	}
	g.mu.Unlock()
	b, _ := json.Marshal(r)
	return b
}

// batch decides how many rows a topic gets on this tick.
func (g *Generator) batch(tick int) int {
	switch g.cfg.Pattern {
	case PatternBurst:
		// Three hot ticks out of every eight.
		if tick%8 < 3 {
			g.mu.Lock()
			n := 3 + g.rng.Intn(4)
			g.mu.Unlock()
			return n
		}
		return 1
	case PatternStall:
		// Work for 40 ticks, go quiet for 30.
		if tick%70 >= 40 {
			return 0
		}
		return 1
	default:
		return 1
	}
}

type conn struct {
	gen     *Generator
	topics  []string
	ticker  *time.Ticker
	tick    int
	sent    int
	pending []upstream.Notification
}

func (c *conn) Listen(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return errors.New("mock: no topics")
	}
	c.topics = append([]string(nil), topics...)
	c.ticker = time.NewTicker(c.gen.cfg.Interval)
	return nil
}

func (c *conn) Next(ctx context.Context) (upstream.Notification, error) {
	if c.ticker == nil {
		return upstream.Notification{}, errors.New("mock: not listening")
	}
	if fe := c.gen.cfg.FailEvery; fe > 0 && c.sent >= fe {
		return upstream.Notification{}, ErrSimulatedDrop
	}
	for len(c.pending) == 0 {
		select {
		case <-ctx.Done():
			return upstream.Notification{}, ctx.Err()
		case <-c.ticker.C:
			c.tick++
			for _, topic := range c.topics {
				for range c.gen.batch(c.tick) {
					c.pending = append(c.pending, upstream.Notification{
						Topic:   topic,
						Payload: c.gen.row(topic),
					})
				}
			}
		}
	}
	n := c.pending[0]
	c.pending = c.pending[1:]
	c.sent++
	return n, nil
}

func (c *conn) Close() error {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	return nil
}
