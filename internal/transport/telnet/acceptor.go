package telnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/keyrelay/internal/config"
	"github.com/cory-johannsen/keyrelay/internal/session"
)

// SessionServer runs one relay session over a connection until it ends.
type SessionServer interface {
	Serve(ctx context.Context, conn session.FrameConn) error
}

// Acceptor listens for TCP connections and hands each one to a SessionServer.
type Acceptor struct {
	cfg      config.TelnetConfig
	sessions SessionServer
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// NewAcceptor creates an Acceptor.
//
// Precondition: cfg must be validated; sessions and logger must be non-nil.
// Postcondition: Returns an Acceptor ready for ListenAndServe.
func NewAcceptor(cfg config.TelnetConfig, sessions SessionServer, logger *zap.Logger) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ListenAndServe accepts connections until Stop is called.
//
// Postcondition: Returns nil after Stop; the listener is closed.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	lis, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return lis.Close()
	}
	a.listener = lis
	a.mu.Unlock()

	a.logger.Info("line acceptor listening",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("negotiate", a.cfg.Negotiate),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := lis.Accept()
		if err != nil {
			if a.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.logger.Error("accepting connection", zap.Error(err))
			continue
		}

		a.mu.Lock()
		if a.stopped {
			a.mu.Unlock()
			_ = raw.Close()
			return nil
		}
		a.wg.Add(1)
		a.mu.Unlock()
		go a.handleConn(raw)
	}
}

func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	addr := raw.RemoteAddr().String()

	conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout)
	if a.cfg.Negotiate {
		if err := conn.Negotiate(); err != nil {
			a.logger.Warn("telnet negotiation failed",
				zap.String("remote_addr", addr),
				zap.Error(err),
			)
			_ = conn.Close()
			return
		}
	}

	if err := a.sessions.Serve(a.ctx, conn); err != nil {
		a.logger.Debug("line session ended with error",
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
	}
}

// Stop closes the listener, ends every open session and waits for them.
// Calling Stop more than once is a no-op.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	lis := a.listener
	a.mu.Unlock()

	a.cancel()
	if lis != nil {
		_ = lis.Close()
	}
	a.wg.Wait()

	a.logger.Info("line acceptor stopped")
}

// Addr returns the bound address, or empty string before ListenAndServe.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}
