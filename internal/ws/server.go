// Package ws is the websocket transport. It upgrades client connections,
// translates socket frames into gateway calls, and streams completions
// back as they arrive. Session semantics live behind the gateway; this
// package only speaks the wire protocol.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/observability"
	pkgerrors "github.com/parleyhq/parley/pkg/errors"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultReadLimit        = 64 * 1024
)

// Config tunes the websocket transport.
type Config struct {
	// HandshakeTimeout bounds the upgrade handshake.
	HandshakeTimeout time.Duration

	// PongWait is how long a connection may stay silent before the read
	// loop gives up on it. Pongs and data frames both reset the clock.
	PongWait time.Duration

	// PingInterval is how often the server pings idle connections. Must be
	// shorter than PongWait or healthy connections get reaped.
	PingInterval time.Duration

	// ReadLimit caps a single inbound frame in bytes.
	ReadLimit int64

	// CheckOrigin overrides the upgrader's origin policy. Nil allows all
	// origins; browser clients connect from arbitrary hosts during
	// development and the deployment fronts this with its own auth.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Server accepts websocket clients and relays their conversations through
// the gateway. Each connection runs its read loop on the handler goroutine
// and writes through a dedicated writer, so a stalled client never blocks
// anyone else.
type Server struct {
	gw       *gateway.Gateway
	logger   *observability.Logger
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer builds the transport over gw. Zero-valued Config fields fall
// back to production defaults.
func NewServer(gw *gateway.Gateway, cfg Config, logger *observability.Logger) *Server {
	cfg = cfg.withDefaults()
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		gw:     gw,
		logger: logger,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      checkOrigin,
		},
		conns: make(map[*connection]struct{}),
	}
}

// Handler returns the HTTP handler that upgrades requests to websocket
// connections. Mount it on the route of your choice.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		http.Error(w, "client_id query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own HTTP error response.
		s.logger.Warn("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	conn := newConnection(ws)
	if !s.register(conn) {
		s.sendError(s.logger, conn, pkgerrors.NewInternalError(errors.New("server is shutting down")))
		conn.finish()
		return
	}
	defer s.unregister(conn)

	ctx := r.Context()
	logger := s.logger.WithRequestID(ctx).WithFields("client_id", clientID)

	sess, resumed, err := s.gw.HandleConnect(ctx, clientID)
	if err != nil {
		s.sendError(logger, conn, err)
		conn.finish()
		return
	}
	if err := conn.writeFrame(connectedFrame(sess.ID, resumed, sess.History)); err != nil {
		logger.Debug("client left before the connected frame", "error", err)
		s.gw.HandleDisconnect(ctx, clientID)
		conn.finish()
		return
	}
	logger.Info("client connected", "resumed", resumed, "history_len", len(sess.History))

	s.readLoop(ctx, logger, conn, clientID)

	s.gw.HandleDisconnect(ctx, clientID)
	conn.finish()
	logger.Info("client disconnected")
}

// register adds the connection to the live set. It refuses once Shutdown
// has begun so the WaitGroup can only shrink from that point.
func (s *Server) register(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	metrics.ConnectionsActive.Inc()
	return true
}

func (s *Server) unregister(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	metrics.ConnectionsActive.Dec()
	s.wg.Done()
}

// readLoop consumes client frames until the connection dies or the server
// interrupts it. A malformed frame earns an error payload, not a hangup;
// dropping the connection over a typo would throw away the session's grace
// window for nothing.
func (s *Server) readLoop(ctx context.Context, logger *observability.Logger, conn *connection, clientID string) {
	conn.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go s.pingLoop(conn, pingStop)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("read loop ended", "error", err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(logger, conn, pkgerrors.NewValidationError("frame must be a JSON object"))
			continue
		}

		switch frame.Type {
		case frameTypeMessage:
			s.handleMessage(ctx, logger, conn, clientID, frame)
		default:
			s.sendError(logger, conn, pkgerrors.NewValidationError(
				fmt.Sprintf("unknown frame type %q", frame.Type)))
		}
	}
}

// pingLoop keeps the connection's read deadline honest. WriteControl is
// safe to call alongside the writer goroutine.
func (s *Server) pingLoop(conn *connection, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, logger *observability.Logger, conn *connection, clientID string, frame clientFrame) {
	if frame.Stream {
		s.handleStream(ctx, logger, conn, clientID, frame.Content)
		return
	}

	completion, err := s.gw.HandleMessage(ctx, clientID, frame.Content)
	if err != nil {
		s.sendError(logger, conn, err)
		return
	}
	if err := conn.writeFrame(replyFrame(completion)); err != nil {
		logger.Debug("reply frame dropped", "error", err)
	}
}

// handleStream relays provider chunks as they arrive and commits the
// assembled reply to the session once the stream completes. A stream that
// dies midway commits nothing: the client retries the whole turn.
func (s *Server) handleStream(ctx context.Context, logger *observability.Logger, conn *connection, clientID, content string) {
	stream, finish, err := s.gw.HandleMessageStream(ctx, clientID, content)
	if err != nil {
		s.sendError(logger, conn, err)
		return
	}
	defer func() { _ = stream.Close() }()

	var full strings.Builder
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.sendError(logger, conn, err)
			return
		}

		full.WriteString(chunk.Content)
		if err := conn.writeFrame(chunkFrame(chunk)); err != nil {
			logger.Debug("stream abandoned mid-flight", "error", err)
			return
		}
	}
	finish(ctx, full.String())
}

// sendError converts err to its single wire payload and emits it. Write
// failures here mean the connection is already gone, so they only rate a
// debug line.
func (s *Server) sendError(logger *observability.Logger, conn *connection, err error) {
	payload := pkgerrors.ToPayload(err)
	metrics.ClientErrors.WithLabelValues(string(payload.Code)).Inc()
	logger.Debug("sending error to client", "code", payload.Code, "error", err)
	if werr := conn.writeFrame(errorFrame(payload)); werr != nil {
		logger.Debug("error frame dropped", "error", werr)
	}
}

// Shutdown interrupts every open connection and waits for their handlers
// to drain, honoring ctx as the deadline. New connections are refused from
// the first call onward.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.interrupt()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
