package session

import (
	"go.uber.org/zap"

	"github.com/cory-johannsen/keyrelay/internal/dispatch"
	"github.com/cory-johannsen/keyrelay/internal/group"
	"github.com/cory-johannsen/keyrelay/internal/protocol"
)

// Session is one connected client. It satisfies group.Member.
type Session struct {
	id         string
	remoteAddr string
	out        *Outbox
	registry   *group.Registry
	logger     *zap.Logger
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client address reported by the transport.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Send queues msg for the writer. It never blocks.
func (s *Session) Send(msg string) error { return s.out.Push(msg) }

// IsOpen reports whether the session still accepts outbound frames.
func (s *Session) IsOpen() bool { return !s.out.IsClosed() }

// Outbox exposes the session's outbound queue to the transport writer.
func (s *Session) Outbox() *Outbox { return s.out }

func (s *Session) setID(groupID string) {
	if err := s.registry.Join(s, groupID); err != nil {
		s.logger.Debug("setId rejected", zap.Error(err))
	}
}

func (s *Session) removeID(groupID string) {
	s.registry.Leave(s, groupID)
}

func (s *Session) press(key string) {
	s.registry.Broadcast(s, protocol.CommandPress, key)
}

func (s *Session) release(key string) {
	s.registry.Broadcast(s, protocol.CommandRelease, key)
}

// Routes is the command table every session shares.
func Routes() []dispatch.Route[*Session] {
	return []dispatch.Route[*Session]{
		{Command: protocol.CommandSetID, Handle: (*Session).setID},
		{Command: protocol.CommandRemoveID, Handle: (*Session).removeID},
		{Command: protocol.CommandPress, Handle: (*Session).press},
		{Command: protocol.CommandRelease, Handle: (*Session).release},
	}
}
