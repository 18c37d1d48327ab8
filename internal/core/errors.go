package core

import "errors"

// Failure taxonomy shared by the relay and the mesh client. Errors are
// always scoped to one peer link or one local resource; none of these
// abort the links to other participants.
var (
	// ErrRoomNotJoinable: the caller lacks membership of the room.
	ErrRoomNotJoinable = errors.New("room not joinable")

	// ErrCapacityExceeded: the voice session is full. Not retried.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrAlreadyMember is informational; join treats it as success.
	ErrAlreadyMember = errors.New("already a session member")

	// ErrPermissionDenied: capture device access refused. Fatal to the
	// audio pipeline only; the session may continue listen-only.
	ErrPermissionDenied = errors.New("capture permission denied")

	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrNegotiationFailed: SDP/ICE exchange did not converge for one
	// peer. Retried once via full link recreation.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrRelayUnavailable: signaling channel down; outgoing envelopes
	// are queued up to a bounded buffer.
	ErrRelayUnavailable = errors.New("signaling relay unavailable")

	ErrBackpressure = errors.New("backpressure")
)
