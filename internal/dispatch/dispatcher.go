// Package dispatch routes decoded frames to handlers through a prefix trie keyed
// on the characters of the command name.
package dispatch

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateHandler is returned when a command is registered twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// HandlerFunc handles one payload on behalf of the target c.
type HandlerFunc[C any] func(c C, payload string)

// Route binds a command name to its handler.
type Route[C any] struct {
	Command string
	Handle  HandlerFunc[C]
}

type node[C any] struct {
	next map[rune]*node[C]
	// end is the end-marker; non-nil only when a command terminates here.
	end *Route[C]
}

func newNode[C any]() *node[C] {
	return &node[C]{next: make(map[rune]*node[C])}
}

// Dispatcher is a command trie. It is built once and treated as read-only
// afterwards, so Dispatch is safe for concurrent use once registration is done.
// Register is not safe to call concurrently with Dispatch.
type Dispatcher[C any] struct {
	root  *node[C]
	count int
}

// New builds a Dispatcher populated with routes.
//
// Precondition: No two routes may share a command name; every Handle must be non-nil.
// Postcondition: Returns a Dispatcher or an error wrapping ErrDuplicateHandler on collisions.
func New[C any](routes ...Route[C]) (*Dispatcher[C], error) {
	d := &Dispatcher[C]{root: newNode[C]()}
	for _, r := range routes {
		if err := d.Register(r.Command, r.Handle); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MustNew is New for static route tables. A collision is a programming error.
func MustNew[C any](routes ...Route[C]) *Dispatcher[C] {
	d, err := New(routes...)
	if err != nil {
		panic(fmt.Sprintf("building dispatcher: %v", err))
	}
	return d
}

// Register inserts command into the trie and attaches handler to its end-marker.
//
// Precondition: handler must be non-nil.
// Postcondition: Returns an error wrapping ErrDuplicateHandler if command already has a handler.
func (d *Dispatcher[C]) Register(command string, handler HandlerFunc[C]) error {
	if handler == nil {
		return fmt.Errorf("registering %q: nil handler", command)
	}

	n := d.root
	for _, ch := range command {
		child, ok := n.next[ch]
		if !ok {
			child = newNode[C]()
			n.next[ch] = child
		}
		n = child
	}

	if n.end != nil {
		return fmt.Errorf("command %q: %w", command, ErrDuplicateHandler)
	}
	n.end = &Route[C]{Command: command, Handle: handler}
	d.count++
	return nil
}

// Dispatch walks the trie along command and invokes the handler found at its
// end-marker with payload. An empty command checks the root's end-marker.
//
// Postcondition: Returns true if a handler ran, false if the command is unknown.
func (d *Dispatcher[C]) Dispatch(c C, command, payload string) bool {
	r, ok := d.lookup(command)
	if !ok {
		return false
	}
	r.Handle(c, payload)
	return true
}

func (d *Dispatcher[C]) lookup(command string) (*Route[C], bool) {
	n := d.root
	for _, ch := range command {
		n = n.next[ch]
		if n == nil {
			return nil, false
		}
	}
	if n.end == nil {
		return nil, false
	}
	return n.end, true
}

// Len returns the number of registered commands.
func (d *Dispatcher[C]) Len() int {
	return d.count
}

// Commands returns the registered command names in sorted order.
func (d *Dispatcher[C]) Commands() []string {
	out := make([]string, 0, d.count)
	var walk func(n *node[C])
	walk = func(n *node[C]) {
		if n.end != nil {
			out = append(out, n.end.Command)
		}
		for _, child := range n.next {
			walk(child)
		}
	}
	walk(d.root)
	sort.Strings(out)
	return out
}
