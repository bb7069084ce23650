// Package group tracks which connections are bound to which group id and fans
// events out to the other members of a group.
package group

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/keyrelay/internal/protocol"
)

// ErrEmptyGroupID is returned by Join for an empty group id.
var ErrEmptyGroupID = errors.New("group id must not be empty")

// Member is a registry participant. Send must not block; IsOpen is the
// liveness flag consulted before each delivery.
type Member interface {
	ID() string
	Send(msg string) error
	IsOpen() bool
}

// Registry is a bidirectional mapping between group ids and members.
// All methods are safe for concurrent use.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	groups  map[string][]Member // group id → members in join order
	binding map[string]string   // member id → group id
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		groups:  make(map[string][]Member),
		binding: make(map[string]string),
	}
}

// Join binds m to groupID, leaving any group m is currently bound to, and
// acknowledges with idIsSet|groupID to m alone.
//
// Precondition: groupID must be non-empty.
// Postcondition: m is bound to exactly groupID and appears once in its member list.
func (r *Registry) Join(m Member, groupID string) error {
	if groupID == "" {
		return ErrEmptyGroupID
	}

	r.mu.Lock()
	prev, bound := r.binding[m.ID()]
	if bound {
		r.removeLocked(prev, m.ID())
	}
	r.groups[groupID] = append(r.groups[groupID], m)
	r.binding[m.ID()] = groupID
	size := len(r.groups[groupID])
	r.mu.Unlock()

	if bound && prev != groupID {
		r.logger.Debug("member rebound",
			zap.String("session_id", m.ID()),
			zap.String("from", prev),
			zap.String("group", groupID),
		)
	}
	r.logger.Info("member joined",
		zap.String("session_id", m.ID()),
		zap.String("group", groupID),
		zap.Int("members", size),
	)

	r.ack(m, protocol.AckIDSet, groupID)
	return nil
}

// Leave removes m from groupID and acknowledges with idIsRemoved|groupID,
// whether or not m was a member. The binding is cleared only when it points
// at groupID.
func (r *Registry) Leave(m Member, groupID string) {
	r.mu.Lock()
	removed := r.removeLocked(groupID, m.ID())
	// A leave for any other id keeps the current binding; it must stay in
	// step with the member list it points at.
	if r.binding[m.ID()] == groupID {
		delete(r.binding, m.ID())
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info("member left",
			zap.String("session_id", m.ID()),
			zap.String("group", groupID),
		)
	} else {
		r.logger.Debug("leave for group without membership",
			zap.String("session_id", m.ID()),
			zap.String("group", groupID),
		)
	}

	r.ack(m, protocol.AckIDRemoved, groupID)
}

// Broadcast delivers command|payload to every open member of sender's group
// except sender, in join order. An unbound sender is a no-op.
//
// Postcondition: Returns the number of members the message was handed to.
func (r *Registry) Broadcast(sender Member, command, payload string) int {
	r.mu.RLock()
	groupID, bound := r.binding[sender.ID()]
	var members []Member
	if bound {
		members = make([]Member, len(r.groups[groupID]))
		copy(members, r.groups[groupID])
	}
	r.mu.RUnlock()

	if !bound {
		r.logger.Debug("broadcast from unbound member dropped",
			zap.String("session_id", sender.ID()),
			zap.String("command", command),
		)
		return 0
	}

	msg := protocol.Encode(command, payload)
	delivered, skipped := 0, 0
	for _, m := range members {
		if m.ID() == sender.ID() {
			continue
		}
		if !m.IsOpen() {
			skipped++
			continue
		}
		if err := m.Send(msg); err != nil {
			skipped++
			continue
		}
		delivered++
	}

	r.logger.Debug("broadcast",
		zap.String("session_id", sender.ID()),
		zap.String("group", groupID),
		zap.String("command", command),
		zap.Int("recipients", delivered),
		zap.Int("skipped", skipped),
	)
	return delivered
}

// Drop removes m from whatever group it is bound to. Calling it again is a no-op.
func (r *Registry) Drop(m Member) {
	r.mu.Lock()
	groupID, bound := r.binding[m.ID()]
	if bound {
		r.removeLocked(groupID, m.ID())
		delete(r.binding, m.ID())
	}
	r.mu.Unlock()

	if bound {
		r.logger.Info("member dropped",
			zap.String("session_id", m.ID()),
			zap.String("group", groupID),
		)
	}
}

// GroupOf returns the group id m is bound to.
func (r *Registry) GroupOf(m Member) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.binding[m.ID()]
	return id, ok
}

// Members returns the ids of groupID's members in join order.
func (r *Registry) Members(groupID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.groups[groupID]))
	for _, m := range r.groups[groupID] {
		ids = append(ids, m.ID())
	}
	return ids
}

// Stats returns the number of known groups, including empty ones, and the
// number of bound members.
func (r *Registry) Stats() (groups, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups), len(r.binding)
}

// removeLocked deletes the member with id from groupID's list, preserving order.
// Groups are never deleted, only emptied.
//
// Precondition: r.mu must be held for writing.
func (r *Registry) removeLocked(groupID, id string) bool {
	list, ok := r.groups[groupID]
	if !ok {
		return false
	}
	for i, m := range list {
		if m.ID() == id {
			r.groups[groupID] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) ack(m Member, ack, groupID string) {
	if err := m.Send(protocol.Encode(ack, groupID)); err != nil {
		r.logger.Debug("ack not delivered",
			zap.String("session_id", m.ID()),
			zap.String("ack", ack),
			zap.Error(err),
		)
	}
}
