package harbor

import "errors"

var (
	// ErrNotConnected is returned when a realtime operation is attempted
	// without an established push channel.
	ErrNotConnected = errors.New("harbor: realtime channel not connected")

	// ErrConversationMismatch is returned by MessageStore.Append when the
	// message belongs to a conversation other than the materialized one.
	// Only the reconciler may append, and only after membership filtering,
	// so hitting this is a caller bug.
	ErrConversationMismatch = errors.New("harbor: message belongs to a different conversation")

	// ErrSessionClosed is returned by session entry points after Close.
	ErrSessionClosed = errors.New("harbor: session closed")

	// ErrNoActiveConversation is returned when an operation requires a
	// selected conversation and none is.
	ErrNoActiveConversation = errors.New("harbor: no active conversation")
)
