package upstream

import (
	"context"
	"testing"
	"time"
)

func TestIsPattern(t *testing.T) {
	tests := []struct {
		topic string
		want  bool
	}{
		{"orders", false},
		{"audit.*", true},
		{"tenant-?", true},
		{"shard[0-3]", true},
		{"orders.v2", false},
	}
	for _, tt := range tests {
		if got := isPattern(tt.topic); got != tt.want {
			t.Errorf("isPattern(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestNewRedisSourceRejectsBadURL(t *testing.T) {
	if _, err := NewRedisSource("http://localhost:6379"); err == nil {
		t.Error("expected an error for a non-redis scheme")
	}
	src, err := NewRedisSource("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("NewRedisSource: %v", err)
	}
	if src.Name() != "redis" || src.opts.DB != 2 {
		t.Errorf("source = %s db %d", src.Name(), src.opts.DB)
	}
}

// Nothing listens on port 1, so both sources fail fast without a server.
func TestConnectFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisSrc, err := NewRedisSource("redis://127.0.0.1:1/0")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		src  Source
	}{
		{"postgres unreachable", NewPostgresSource("postgres://127.0.0.1:1/postgres", time.Second)},
		{"postgres bad dsn", NewPostgresSource("not a dsn", time.Second)},
		{"redis unreachable", redisSrc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := tt.src.Connect(ctx)
			if err == nil {
				conn.Close()
				t.Fatal("expected a connect error")
			}
		})
	}
}

func TestRedisNextBeforeListen(t *testing.T) {
	c := &redisConn{}
	if _, err := c.Next(context.Background()); err == nil {
		t.Error("Next without Listen should fail")
	}

	c.pending = []Notification{{Topic: "orders", Payload: []byte("1")}}
	n, err := c.Next(context.Background())
	if err != nil || n.Topic != "orders" {
		t.Errorf("pending notification = %+v, %v", n, err)
	}
}
