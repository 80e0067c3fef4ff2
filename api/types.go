// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import "strconv"

// PeerID identifies the remote end of a connection. It is an opaque token
// handed out by the naming collaborator; drivers only compare it.
type PeerID int64

func (p PeerID) String() string { return "peer-" + strconv.FormatInt(int64(p), 10) }

// ConnState enumerates the lifecycle of a driver connection.
type ConnState int

const (
	Unconnected ConnState = iota
	Connected
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Properties is the bag exchanged over a handshake side channel.
type Properties map[string]string

// Common state errors.
var (
	// ErrAlreadyConnected reports a second setup for the same peer.
	ErrAlreadyConnected = NewError(ErrCodeState, "connection already established")
	// ErrMessageInProgress reports InitSend while the previous message is live.
	ErrMessageInProgress = NewError(ErrCodeState, "message already in progress")
	// ErrNoMessage reports a write or finish outside InitSend/Finish.
	ErrNoMessage = NewError(ErrCodeState, "no message in progress")
	// ErrNotConnected reports I/O on a driver without connection.
	ErrNotConnected = NewError(ErrCodeState, "not connected")
	// ErrConnClosed reports I/O after close.
	ErrConnClosed = NewError(ErrCodeState, "connection closed")
)
