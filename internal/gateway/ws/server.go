// Package ws serves the gateway over WebSocket. Each connection carries one
// session for its lifetime; messages on a connection are dispatched
// concurrently and their responses written as they complete.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/identity"
)

// Subprotocol is offered to clients that negotiate one.
const Subprotocol = "mcp"

const (
	defaultReadLimit     = 1 << 20
	defaultMaxInFlight   = 16
	defaultPingInterval  = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	sandboxHeader        = "X-Ngome-Sandbox"
	tokenQueryParam      = "token"
	sandboxQueryParam    = "sandbox"
	closeReasonShutdown  = "server shutting down"
	closeReasonCompleted = "connection closed"
)

// Config configures the WebSocket server.
type Config struct {
	ReadLimit    int64         // Maximum message size in bytes.
	MaxInFlight  int           // Concurrent requests per connection.
	PingInterval time.Duration // Keepalive period. Negative disables pings.
}

// Metrics counts open connections. *observability.MetricsCollector
// implements it.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened() {}
func (nopMetrics) ConnectionClosed() {}

// Server upgrades HTTP requests and feeds their messages to a dispatcher.
type Server struct {
	dispatcher *gateway.Dispatcher
	cfg        Config
	metrics    Metrics
	logger     *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a WebSocket server. metrics may be nil.
func NewServer(d *gateway.Dispatcher, cfg Config, metrics Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Server{
		dispatcher: d,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		conns:      make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every open connection. In-flight requests on them are
// cancelled.
func (s *Server) Shutdown(_ context.Context) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, closeReasonShutdown)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// The credential is verified per message by the dispatcher, so a bad
	// token still gets a connection that answers with -32001.
	credential := identity.BearerToken(r.Header.Get("Authorization"))
	if credential == "" {
		credential = r.URL.Query().Get(tokenQueryParam)
	}
	sandbox := r.Header.Get(sandboxHeader)
	if sandbox == "" {
		sandbox = r.URL.Query().Get(sandboxQueryParam)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.handleConnection(r.Context(), conn, gateway.NewSession(credential, sandbox))
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, session *gateway.Session) {
	s.track(conn)
	s.metrics.ConnectionOpened()

	// Closing the connection cancels every request still running on it.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.untrack(conn)
		s.metrics.ConnectionClosed()
		_ = conn.Close(websocket.StatusNormalClosure, closeReasonCompleted)
	}()

	if s.cfg.PingInterval > 0 {
		go s.pingLoop(ctx, conn)
	}

	slots := make(chan struct{}, s.cfg.MaxInFlight)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Debug("websocket client disconnected")
			default:
				if ctx.Err() == nil {
					s.logger.Warn("websocket connection error", slog.String("error", err.Error()))
				}
			}
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "text messages only")
			return
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			out := s.dispatcher.Handle(ctx, session, data)
			if out == nil {
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, defaultWriteTimeout)
			defer cancelWrite()
			if err := conn.Write(writeCtx, websocket.MessageText, out); err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				_ = conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) track(c *websocket.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
