package lavakit

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNodesAvailable is returned by selection when no registered
	// node is in a usable state.
	ErrNoNodesAvailable = errors.New("no nodes available")

	// ErrDuplicateNode is returned when registering a label twice.
	ErrDuplicateNode = errors.New("node label already registered")

	// ErrNodeAlreadyConnected is returned by Connect on a node whose
	// session is already up.
	ErrNodeAlreadyConnected = errors.New("node already connected")

	// ErrPlayerNotConnected is returned by player operations when the
	// player is not bound to a node or has been destroyed.
	ErrPlayerNotConnected = errors.New("player not bound to a node")

	// ErrPoolClosed is returned when registering nodes on a pool after
	// Close.
	ErrPoolClosed = errors.New("pool is closed")
)

// HTTPError is a non-2xx REST response from a node. 4xx means the
// request itself was wrong and retrying is pointless; only 5xx is
// worth retrying, at the caller's discretion.
type HTTPError struct {
	Label  string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("node %s: http %d: %s", e.Label, e.Status, e.Body)
}

// Temporary reports whether the failure is server-side and safe to
// retry.
func (e *HTTPError) Temporary() bool { return e.Status >= 500 }

// ConnectionError is a failed WebSocket handshake or authentication.
// AuthFailed distinguishes a rejected credential from network trouble.
type ConnectionError struct {
	Label      string
	AuthFailed bool
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.AuthFailed {
		return fmt.Sprintf("node %s: authentication rejected: %v", e.Label, e.Err)
	}
	return fmt.Sprintf("node %s: connect: %v", e.Label, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TrackLoadError is a loadtracks result of type "error".
type TrackLoadError struct {
	Message  string
	Severity string
	Cause    string
}

func (e *TrackLoadError) Error() string {
	return fmt.Sprintf("track load failed: %s (%s)", e.Message, e.Severity)
}
