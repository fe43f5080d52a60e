// Package session implements the per-conversation client session
// controller: it owns the polling baseline and the realtime websocket
// channel, arbitrates between them, and presents one deduplicated,
// canonically ordered message stream.
package session

// Status is the externally visible transport state of a session.
type Status uint8

const (
	// StatusConnecting: polling is live and the first realtime connect
	// attempt has not resolved yet.
	StatusConnecting Status = iota
	// StatusRealtime: the realtime channel is open and is the inbound
	// source of truth; polling is suspended.
	StatusRealtime
	// StatusPolling: polling is the sole inbound path (realtime down,
	// backing off, or abandoned).
	StatusPolling
	// StatusClosed: the session is terminated. No transitions out.
	StatusClosed
)

// String returns the wire/UI name for the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusRealtime:
		return "realtime"
	case StatusPolling:
		return "polling"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}
