package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresSource listens for NOTIFY messages. Every configured topic is a
// Postgres channel name; a trigger such as
//
//	PERFORM pg_notify('orders', row_to_json(NEW)::text);
//
// turns table writes into events.
type PostgresSource struct {
	dsn            string
	connectTimeout time.Duration
}

func NewPostgresSource(dsn string, connectTimeout time.Duration) *PostgresSource {
	return &PostgresSource{dsn: dsn, connectTimeout: connectTimeout}
}

func (s *PostgresSource) Name() string { return "postgres" }

func (s *PostgresSource) Connect(ctx context.Context) (Conn, error) {
	cfg, err := pgx.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if s.connectTimeout > 0 {
		cfg.ConnectTimeout = s.connectTimeout
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: conn}, nil
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) Listen(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		// Channel names are identifiers, not parameters.
		if _, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
			return fmt.Errorf("listen %q: %w", topic, err)
		}
	}
	return nil
}

func (c *pgConn) Next(ctx context.Context) (Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Topic: n.Channel, Payload: []byte(n.Payload)}, nil
}

func (c *pgConn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}
