package session

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/keyrelay/internal/config"
	"github.com/cory-johannsen/keyrelay/internal/dispatch"
	"github.com/cory-johannsen/keyrelay/internal/group"
	"github.com/cory-johannsen/keyrelay/internal/protocol"
)

// FrameConn is a decoded text-frame transport. ReadFrame returns io.EOF when
// the peer closes normally. Close must unblock a pending ReadFrame.
type FrameConn interface {
	ReadFrame() (string, error)
	WriteFrame(msg string) error
	Close() error
	RemoteAddr() string
}

// Relay builds sessions for accepted connections and routes their frames.
// One Relay, and therefore one dispatcher, serves every connection.
type Relay struct {
	registry   *group.Registry
	dispatcher *dispatch.Dispatcher[*Session]
	queueSize  int
	logger     *zap.Logger
}

// NewRelay creates a Relay backed by registry.
//
// Precondition: registry and logger must be non-nil.
// Postcondition: Returns a Relay whose dispatcher holds the four relay commands.
func NewRelay(registry *group.Registry, cfg config.RelayConfig, logger *zap.Logger) *Relay {
	d := dispatch.MustNew(Routes()...)
	logger.Debug("relay dispatcher built",
		zap.Strings("commands", d.Commands()),
		zap.Int("send_queue", cfg.SendQueue),
	)
	return &Relay{
		registry:   registry,
		dispatcher: d,
		queueSize:  cfg.SendQueue,
		logger:     logger,
	}
}

// Registry returns the registry the relay broadcasts through.
func (r *Relay) Registry() *group.Registry { return r.registry }

// NewSession creates an unbound session with an open outbox.
func (r *Relay) NewSession(remoteAddr string) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		remoteAddr: remoteAddr,
		out:        NewOutbox(r.queueSize),
		registry:   r.registry,
		logger:     r.logger.With(zap.String("session_id", id)),
	}
}

// HandleFrame decodes raw and dispatches it on behalf of s. Frames without a
// separator and unknown commands are discarded.
//
// Postcondition: Returns true if a handler ran.
func (r *Relay) HandleFrame(s *Session, raw string) bool {
	f, ok := protocol.Decode(raw)
	if !ok {
		s.logger.Debug("malformed frame discarded", zap.Int("length", len(raw)))
		return false
	}
	if !r.dispatcher.Dispatch(s, f.Command, f.Payload) {
		s.logger.Debug("unknown command discarded", zap.String("command", f.Command))
		return false
	}
	return true
}

// Close drops s from the registry and closes its outbox. Idempotent.
func (r *Relay) Close(s *Session) {
	r.registry.Drop(s)
	s.out.Close()
}

// Serve runs a session over conn until the peer disconnects, a write fails, or
// ctx is cancelled. The session is always dropped from the registry before
// Serve returns.
//
// Postcondition: conn is closed. Returns nil on a normal close or cancellation.
func (r *Relay) Serve(ctx context.Context, conn FrameConn) error {
	start := time.Now()
	s := r.NewSession(conn.RemoteAddr())
	s.logger.Info("session started", zap.String("remote_addr", s.remoteAddr))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error {
		defer cancel()
		for {
			raw, err := conn.ReadFrame()
			if err != nil {
				return err
			}
			r.HandleFrame(s, raw)
		}
	})
	g.Go(func() error {
		return r.writeLoop(gctx, s, conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	err := g.Wait()
	r.Close(s)

	s.logger.Info("session ended",
		zap.String("remote_addr", s.remoteAddr),
		zap.Uint64("dropped_frames", s.out.Dropped()),
		zap.Duration("duration", time.Since(start)),
	)

	if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Relay) writeLoop(ctx context.Context, s *Session, conn FrameConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.out.Frames():
			if !ok {
				return nil
			}
			if err := conn.WriteFrame(msg); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return err
			}
		}
	}
}
