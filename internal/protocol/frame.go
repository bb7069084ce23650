// Package protocol defines the text wire format exchanged between relay clients
// and the server: a command name and a payload joined by a single separator.
package protocol

import "strings"

// Separator splits the command from the payload in a text frame.
const Separator = "|"

// Client to server commands.
const (
	CommandSetID    = "setId"
	CommandRemoveID = "removeId"
	CommandPress    = "press"
	CommandRelease  = "release"
)

// Server to client acknowledgements.
const (
	AckIDSet     = "idIsSet"
	AckIDRemoved = "idIsRemoved"
)

// Frame holds the decoded command and payload of a text frame.
type Frame struct {
	// Command selects the handler.
	Command string
	// Payload is everything after the first separator, verbatim.
	Payload string
}

// String re-encodes the frame.
func (f Frame) String() string {
	return Encode(f.Command, f.Payload)
}

// Decode splits a raw text frame at the first separator.
//
// Postcondition: Returns (frame, true) when the separator is present, or
// (Frame{}, false) for a frame without one. Further separators stay in Payload.
func Decode(raw string) (Frame, bool) {
	cmd, payload, ok := strings.Cut(raw, Separator)
	if !ok {
		return Frame{}, false
	}
	return Frame{Command: cmd, Payload: payload}, true
}

// Encode joins command and payload into a text frame.
func Encode(command, payload string) string {
	return command + Separator + payload
}
