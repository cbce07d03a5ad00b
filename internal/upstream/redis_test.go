package upstream

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgrelay/backend/internal/session"
)

// respServer speaks just enough RESP2 for a go-redis client to connect,
// subscribe and receive messages. It never publishes on its own.
type respServer struct {
	ln net.Listener

	mu   sync.Mutex
	subs []net.Conn
}

func newRESPServer(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &respServer{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *respServer) url() string { return "redis://" + s.ln.Addr().String() + "/0" }

func (s *respServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *respServer) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		var reply strings.Builder
		switch strings.ToUpper(args[0]) {
		case "PING":
			reply.WriteString("+PONG\r\n")
		case "SUBSCRIBE", "PSUBSCRIBE":
			kind := strings.ToLower(args[0])
			for i, ch := range args[1:] {
				fmt.Fprintf(&reply, "*3\r\n%s%s:%d\r\n", bulk(kind), bulk(ch), i+1)
			}
			if kind == "subscribe" {
				s.mu.Lock()
				s.subs = append(s.subs, c)
				s.mu.Unlock()
			}
		default:
			fmt.Fprintf(&reply, "-ERR unknown command '%s'\r\n", args[0])
		}
		s.mu.Lock()
		_, err = io.WriteString(c, reply.String())
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// publish sends a message to every subscribed connection and reports how
// many there were.
func (s *respServer) publish(channel, payload string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := "*3\r\n" + bulk("message") + bulk(channel) + bulk(payload)
	n := 0
	for _, c := range s.subs {
		if _, err := io.WriteString(c, frame); err == nil {
			n++
		}
	}
	return n
}

func bulk(s string) string { return "$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n" }

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected line %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil || n < 1 {
		return nil, fmt.Errorf("bad array header %q", line)
	}
	args := make([]string, n)
	for i := range args {
		head, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(head, "$")))
		if err != nil {
			return nil, fmt.Errorf("bad bulk header %q", head)
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}

func TestRedisListenerDeliversAndStops(t *testing.T) {
	srv := newRESPServer(t)
	src, err := NewRedisSource(srv.url())
	if err != nil {
		t.Fatal(err)
	}
	l := NewListener(src, Config{Topics: []string{"orders", "audit.*"}}, nil, zerolog.Nop(), nil)
	intake := make(chan session.Event, 1)
	l.Start(intake)
	waitState(t, l, Listening)

	if n := srv.publish("orders", "\xff\x01"); n != 1 {
		t.Fatalf("published to %d subscribers, want 1", n)
	}
	ev := recv(t, intake)
	if ev.Key != "orders" || string(ev.Payload) != "\xff\x01" || ev.Sequence != 1 {
		t.Errorf("event = %+v", ev)
	}

	// The subscription is now idle; Stop must not wait for another message.
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return on a quiet subscription")
	}
	if l.State() != Disconnected {
		t.Errorf("state after stop = %v, want disconnected", l.State())
	}
}

func TestRedisListenerStopsWhileAwaitingAcks(t *testing.T) {
	// Accepts connections but answers nothing after the handshake, so
	// Listen blocks waiting for subscription acknowledgements.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	subscribing := make(chan struct{}, 1)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					args, err := readCommand(r)
					if err != nil {
						return
					}
					switch strings.ToUpper(args[0]) {
					case "PING":
						io.WriteString(c, "+PONG\r\n")
					case "SUBSCRIBE":
						select {
						case subscribing <- struct{}{}:
						default:
						}
					default:
						io.WriteString(c, "-ERR unknown command\r\n")
					}
				}
			}()
		}
	}()

	src, err := NewRedisSource("redis://" + ln.Addr().String() + "/0")
	if err != nil {
		t.Fatal(err)
	}
	l := NewListener(src, Config{Topics: []string{"orders"}}, nil, zerolog.Nop(), nil)
	l.Start(make(chan session.Event))
	select {
	case <-subscribing:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never subscribed")
	}

	start := time.Now()
	l.Stop()
	if time.Since(start) > time.Second {
		t.Errorf("Stop took %v while awaiting acknowledgements", time.Since(start))
	}
}
