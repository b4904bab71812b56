package master

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/transport"
)

const authDeadline = 10 * time.Second

// Handler dispatches authenticated request frames to the action router.
type Handler interface {
	Handle(ctx context.Context, peer *Peer, f protocol.Frame) (any, *protocol.Error)
}

// Server accepts peer and mobile connections on /ws. Every client must
// send an auth frame first: terminals present the shared secret, mobile
// devices connect as guests and log in through the action router.
type Server struct {
	log      *zap.Logger
	cfg      config.Config
	ident    identity.Terminal
	registry *Registry
	handler  Handler
	clk      clock.Clock

	upgrader websocket.Upgrader
	srv      *http.Server

	// connections upgraded but not yet authenticated
	preAuth atomic.Int64
}

func NewServer(log *zap.Logger, cfg config.Config, ident identity.Terminal, registry *Registry, handler Handler, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Server{
		log:      log.Named("peerlink.master"),
		cfg:      cfg,
		ident:    ident,
		registry: registry,
		handler:  handler,
		clk:      clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine serving /ws, /health and /metrics.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"terminal_id": s.ident.ID,
			"connections": s.registry.Count(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.handleWS)
	return r
}

// Start begins listening on the configured network port.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.NetworkServerPort),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on port %d: %w", s.cfg.NetworkServerPort, err)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("peer server listening", zap.Int("port", s.cfg.NetworkServerPort))
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	for _, p := range s.registry.List() {
		p.Conn().Close(nil)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// preAuthBudget bounds how many sockets may sit unauthenticated at once.
// It is separate from the peer limit so a flood of half-open connections
// cannot starve authenticated terminals.
func (s *Server) preAuthBudget() int64 {
	b := int64(s.cfg.MaxPeerConnections / 2)
	if b < 1 {
		b = 1
	}
	return b
}

func (s *Server) handleWS(c *gin.Context) {
	if s.registry.Count() >= s.cfg.MaxPeerConnections {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection limit reached"})
		return
	}
	if s.preAuth.Load() >= s.preAuthBudget() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections awaiting auth"})
		return
	}
	s.preAuth.Add(1)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.preAuth.Add(-1)
		s.log.Warn("upgrade failed", zap.String("remote", c.ClientIP()), zap.Error(err))
		return
	}
	s.serve(ws)
}

func (s *Server) serve(ws *websocket.Conn) {
	var peer atomic.Pointer[Peer]

	// Releases this socket's pre-auth slot exactly once, on the auth
	// outcome or on close, whichever comes first.
	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			s.preAuth.Add(-1)
		}
	}

	var conn *transport.Conn
	conn = transport.NewConn(ws, transport.Options{
		Log:       s.log,
		Clock:     s.clk,
		Heartbeat: s.cfg.HeartbeatPeriod,
		OnAuth: func(c *transport.Conn, f protocol.Frame) {
			// The slot guards sockets that never send auth; once the
			// frame is in, the outcome is an admit or a close either way.
			release()
			s.authenticate(c, f, &peer)
		},
		OnRequest: func(ctx context.Context, f protocol.Frame) (any, *protocol.Error) {
			p := peer.Load()
			if p == nil {
				// A request before auth is a protocol violation; reject
				// and drop the connection.
				perr := protocol.NewError(protocol.CodeUnauthenticated, "authenticate first")
				_ = conn.SendSync(protocol.NewErrorResponse(f.ID, perr))
				conn.Close(perr)
				return nil, perr
			}
			return s.handler.Handle(ctx, p, f)
		},
		OnClose: func(err error) {
			release()
			if p := peer.Load(); p != nil {
				s.registry.Remove(p)
				s.log.Info("peer disconnected",
					zap.String("terminal_id", p.TerminalID),
					zap.Error(err))
			}
		},
	})

	// The auth frame must arrive promptly.
	go func() {
		select {
		case <-time.After(authDeadline):
			if peer.Load() == nil {
				conn.Close(protocol.NewError(protocol.CodeUnauthenticated, "auth deadline exceeded"))
			}
		case <-conn.Done():
		}
	}()
}

func (s *Server) authenticate(conn *transport.Conn, f protocol.Frame, slot *atomic.Pointer[Peer]) {
	var payload protocol.AuthPayload
	if err := unmarshalAuth(f, &payload); err != nil {
		perr := protocol.NewError(protocol.CodeInvalidPayload, "malformed auth frame")
		_ = conn.SendSync(protocol.NewErrorResponse(f.ID, perr))
		conn.Close(perr)
		return
	}

	p, perr := s.admit(conn, payload)
	if perr != nil {
		_ = conn.SendSync(protocol.NewErrorResponse(f.ID, perr))
		conn.Close(perr)
		return
	}
	slot.Store(p)

	ok := true
	result := protocol.AuthResult{
		TerminalID: s.ident.ID,
		ServerTime: s.clk.Now().Unix(),
	}
	resp, err := protocol.NewResponse(f.ID, result)
	if err != nil {
		conn.Close(protocol.WrapError(protocol.CodeInternal, "encode auth response", err))
		return
	}
	resp.Type = protocol.TypeAuthResponse
	resp.OK = &ok
	if err := conn.Send(resp); err != nil {
		conn.Close(err)
		return
	}

	s.log.Info("peer authenticated",
		zap.String("terminal_id", p.TerminalID),
		zap.String("role", p.Role),
		zap.String("name", p.Name))
}

// admit validates the auth payload and registers the connection.
func (s *Server) admit(conn *transport.Conn, payload protocol.AuthPayload) (*Peer, *protocol.Error) {
	terminalID := payload.TerminalID
	var role string

	switch {
	case payload.Secret != "":
		if s.cfg.MasterSecret == "" || payload.Secret != s.cfg.MasterSecret {
			return nil, protocol.NewError(protocol.CodeUnauthenticated, "invalid shared secret")
		}
		if terminalID == "" {
			return nil, protocol.NewError(protocol.CodeValidationError, "terminal_id is required")
		}
		if payload.Role == "" {
			role = config.RoleSatellite
		} else {
			var ok bool
			role, ok = protocol.InternalRole(payload.Role)
			if !ok {
				return nil, protocol.Errorf(protocol.CodeValidationError, "unknown role %q", payload.Role)
			}
		}
	default:
		// No secret: a mobile device connecting as guest. It gets a
		// connection-scoped id and must log in before doing anything else.
		role = protocol.RoleMobile
		if terminalID == "" {
			terminalID = "mobile-" + conn.RemoteAddr()
		}
	}

	p := &Peer{
		TerminalID:  terminalID,
		Role:        role,
		Name:        payload.Name,
		Version:     payload.Version,
		ConnectedAt: s.clk.Now(),
		conn:        conn,
	}
	if err := s.registry.Add(p); err != nil {
		if perr, ok := err.(*protocol.Error); ok {
			return nil, perr
		}
		return nil, protocol.WrapError(protocol.CodeInternal, "register peer", err)
	}
	return p, nil
}

func unmarshalAuth(f protocol.Frame, payload *protocol.AuthPayload) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, payload)
}
