package tunnel

import (
	"errors"
	"fmt"
)

// Sentinel and typed errors for the handshake and join phases. The
// reconnect driver uses Retryable to decide whether a failed session is
// worth another attempt.
var (
	// ErrAuth is returned when the relay rejects the WebSocket handshake
	// with 401 or 403.
	ErrAuth = errors.New("authentication rejected: the token is invalid or expired")

	// ErrJoinTimeout is returned when no matching join reply arrives
	// within the join timeout. Distinct from a rejected join: the server
	// never answered.
	ErrJoinTimeout = errors.New("timed out waiting for channel join reply")

	// ErrStreamEnded is returned when the socket closes or the stream is
	// exhausted mid-session.
	ErrStreamEnded = errors.New("websocket stream ended")
)

// NotFoundError is returned when the relay answers the handshake with 404:
// the endpoint slug does not exist.
type NotFoundError struct {
	Slug string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("endpoint not found: %q", e.Slug)
}

// HandshakeStatusError is returned for any other non-success HTTP status
// during the WebSocket handshake.
type HandshakeStatusError struct {
	Code int
}

func (e *HandshakeStatusError) Error() string {
	return fmt.Sprintf("connection failed with HTTP status %d", e.Code)
}

// JoinRejectedError is returned when the join reply answers with a
// non-ok status. The server answered no; retrying will not help.
type JoinRejectedError struct {
	Reason string
}

func (e *JoinRejectedError) Error() string {
	return fmt.Sprintf("channel join rejected: %s", e.Reason)
}

// Retryable reports whether the driver should attempt another session
// after err. Authentication failures, unknown endpoints, and rejected
// joins are terminal: the server gave a definitive answer. Everything
// else (refused connections, timeouts, mid-session transport errors) is
// worth retrying.
func Retryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	var rejected *JoinRejectedError
	return !errors.As(err, &rejected)
}
