package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pgrelay/backend/internal/gateway"
	"github.com/pgrelay/backend/internal/procstats"
	"github.com/pgrelay/backend/internal/session"
	"github.com/pgrelay/backend/internal/upstream"
)

const tokenHeader = "X-Relay-Token"

type PublishOptions struct {
	Enabled         bool
	RatePerSecond   float64 // 0 = unlimited
	Burst           int
	MaxPayloadBytes int64
}

type Options struct {
	AuthToken      string
	AllowedOrigins []string

	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64

	Publish PublishOptions

	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// Sampler adds process stats to /api/health when set.
	Sampler *procstats.Sampler

	Logger zerolog.Logger
}

type Server struct {
	gw             *gateway.Gateway
	opts           Options
	log            zerolog.Logger
	upgrader       websocket.Upgrader
	limiter        *rate.Limiter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(gw *gateway.Gateway, opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	switch {
	case opts.PingInterval <= 0:
		opts.PongTimeout = 0
	case opts.PongTimeout <= opts.PingInterval:
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.Publish.MaxPayloadBytes <= 0 {
		opts.Publish.MaxPayloadBytes = 1 << 20
	}

	s := &Server{
		gw:             gw,
		opts:           opts,
		log:            opts.Logger.With().Str("component", "ws").Logger(),
		limiter:        rate.NewLimiter(limitFor(opts.Publish.RatePerSecond), max(opts.Publish.Burst, 1)),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// SetPublishLimit changes the publish rate limit in place.
func (s *Server) SetPublishLimit(perSecond float64, burst int) {
	s.limiter.SetLimit(limitFor(perSecond))
	s.limiter.SetBurst(max(burst, 1))
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{key}", s.handleWS)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.opts.Publish.Enabled {
		mux.HandleFunc("POST /api/publish/{key}", s.handlePublish)
	}
	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the full HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	key := r.PathValue("key")
	if key == "" {
		http.Error(w, "missing subscription key", http.StatusBadRequest)
		return
	}
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}
	if s.opts.ReadLimit > 0 {
		wsConn.SetReadLimit(s.opts.ReadLimit)
	}

	c := newConn(wsConn, format, s.opts.WriteTimeout)
	sess, err := s.gw.AcceptConnection(c, key)
	if err != nil {
		code := websocket.CloseInternalServerErr
		switch {
		case errors.Is(err, gateway.ErrTooManyConnections):
			code = websocket.CloseTryAgainLater
		case errors.Is(err, gateway.ErrGatewayClosed):
			code = websocket.CloseGoingAway
		}
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Str("key", key).Msg("ws client rejected")
		_ = c.closeWith(code, err.Error())
		return
	}

	s.log.Info().Str("session", sess.ID()).Str("key", key).Str("format", string(format)).
		Str("remote", r.RemoteAddr).Msg("ws client connected")

	go s.pingLoop(c, sess)
	go s.readLoop(c, sess)
}

// readLoop feeds inbound frames to the session until the client goes away
// or misses its heartbeat.
func (s *Server) readLoop(c *conn, sess *session.Session) {
	wc := c.ws
	extend := func() {
		if s.opts.PongTimeout > 0 {
			_ = wc.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		}
	}
	extend()
	wc.SetPongHandler(func(string) error {
		sess.HandleFrame(session.FramePong)
		extend()
		return nil
	})
	wc.SetPingHandler(func(data string) error {
		sess.HandleFrame(session.FramePing)
		extend()
		err := wc.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		kind, data, err := wc.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				sess.HandleFrame(session.FrameClose)
			} else {
				sess.Close()
			}
			s.log.Info().Str("session", sess.ID()).Err(err).Msg("ws client disconnected")
			return
		}
		extend()
		if kind == websocket.TextMessage {
			s.handleControl(c, sess, data)
		}
	}
}

func (s *Server) handleControl(c *conn, sess *session.Session, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MsgSubscribe {
		s.reply(c, ControlMessage{Type: MsgError, Error: "expected {\"type\":\"subscribe\",\"key\":...}"})
		return
	}
	if err := s.gw.Resubscribe(sess, msg.Key); err != nil {
		s.reply(c, ControlMessage{Type: MsgError, Key: msg.Key, Error: err.Error()})
		return
	}
	s.log.Debug().Str("session", sess.ID()).Str("key", msg.Key).Msg("ws client resubscribed")
	s.reply(c, ControlMessage{Type: MsgSubscribed, Key: msg.Key})
}

// reply sends a control message. Raw streams carry payloads only, so
// replies are limited to envelope clients.
func (s *Server) reply(c *conn, msg ControlMessage) {
	if c.format != FormatEnvelope {
		return
	}
	_ = c.writeJSON(msg)
}

func (s *Server) pingLoop(c *conn, sess *session.Session) {
	if s.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				sess.Close()
				return
			}
		}
	}
}

type publishResponse struct {
	Key string `json:"key"`
	Seq uint64 `json:"seq"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", retryAfter(s.limiter))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	key := r.PathValue("key")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.Publish.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	seq, err := s.gw.Publish(ctx, key, body)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, gateway.ErrGatewayClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(publishResponse{Key: key, Seq: seq})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gw.Stats())
}

type healthResponse struct {
	Status   upstream.Health     `json:"status"`
	Sessions int                 `json:"sessions"`
	Process  *procstats.Snapshot `json:"process,omitempty"`
}

// handleHealth is unauthenticated so load balancers can probe it. It
// answers 503 once the upstream is considered failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: s.gw.Health(), Sessions: s.gw.Sessions()}
	if s.opts.Sampler != nil {
		snap := s.opts.Sampler.Sample(r.Context())
		resp.Process = &snap
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == upstream.Failed {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.opts.AuthToken {
		return true
	}

	if r.Header.Get(tokenHeader) == s.opts.AuthToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.opts.AuthToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin] || s.allowedHosts[parsed.Host]
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// retryAfter is how long, in whole seconds, a rejected publisher should
// wait before the limiter has a token again.
func retryAfter(l *rate.Limiter) string {
	r := l.Reserve()
	defer r.Cancel()
	return strconv.Itoa(int(r.Delay().Seconds()) + 1)
}
