package upstream

import "context"

// Source is an upstream event provider (Postgres LISTEN/NOTIFY, Redis
// pub/sub, a synthetic generator). The listener owns at most one Conn from
// a Source at a time and calls it from a single goroutine.
type Source interface {
	// Name returns a short lowercase identifier, e.g. "postgres".
	Name() string

	// Connect opens a fresh connection. It must honour ctx cancellation.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one live connection to the upstream.
type Conn interface {
	// Listen issues the subscribe command for every topic. It returns once
	// the upstream has acknowledged the subscription.
	Listen(ctx context.Context, topics []string) error

	// Next blocks until the next notification arrives. Any error means the
	// connection is no longer usable.
	Next(ctx context.Context) (Notification, error)

	Close() error
}

// Notification is a raw upstream message before normalization.
type Notification struct {
	Topic   string
	Payload []byte
}
