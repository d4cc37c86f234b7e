package protoo

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed resolves every request still pending when its
	// session closes, and rejects sends on a non-open session.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout resolves a request whose response did not arrive
	// within its deadline.
	ErrRequestTimeout = errors.New("request timed out")
)

// ResponseError is a structured error response received from the peer.
type ResponseError struct {
	Code   int
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("peer error %d: %s", e.Code, e.Reason)
}

// ProtocolError marks a frame that cannot be interpreted as any of the three
// envelope shapes. The offending connection is closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}
