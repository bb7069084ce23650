package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/keyrelay/internal/config"
	"github.com/cory-johannsen/keyrelay/internal/session"
)

// SessionServer runs one relay session over a connection until it ends.
type SessionServer interface {
	Serve(ctx context.Context, conn session.FrameConn) error
}

// StatsSource reports registry occupancy.
type StatsSource interface {
	Stats() (groups, members int)
}

// Gateway upgrades HTTP requests and hands each connection to a SessionServer.
// Hijacked connections outlive http.Server.Shutdown, so the Gateway tracks
// them itself.
type Gateway struct {
	cfg      config.WebSocketConfig
	sessions SessionServer
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewGateway creates a Gateway.
//
// Precondition: sessions and logger must be non-nil.
func NewGateway(cfg config.WebSocketConfig, sessions SessionServer, logger *zap.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(g.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and serves the session on the calling goroutine.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ws.Close()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	if err := g.sessions.Serve(g.ctx, NewConn(ws, g.cfg)); err != nil {
		g.logger.Debug("websocket session ended with error",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
	}
}

// Stop cancels every open session and waits for them to finish.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
}

// Server is the HTTP listener carrying the WebSocket endpoint plus /health and /stats.
type Server struct {
	cfg     config.WebSocketConfig
	gateway *Gateway
	http    *http.Server
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer wires gateway and stats into an HTTP server.
//
// Precondition: gateway, stats and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, gateway *Gateway, stats StatsSource, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, gateway)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(stats))

	return &Server{
		cfg:     cfg,
		gateway: gateway,
		logger:  logger,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start listens on cfg.Addr() and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", lis.Addr().String()),
		zap.String("path", s.cfg.Path),
	)

	if err := s.http.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the listener, then ends every open session.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.gateway.Stop()
	s.logger.Info("websocket server stopped")
}

// Addr returns the bound address, or empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func statsHandler(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		groups, members := stats.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"groups": groups, "members": members})
	}
}
