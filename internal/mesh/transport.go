package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/soundline/voicemesh/internal/domain"
)

// TransportState is the link-level view of the underlying peer transport.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// PeerTransport is the capability interface over one peer-to-peer media
// connection. The production implementation binds pion/webrtc; tests use
// fakes. Callbacks fire on transport goroutines and must hand off to the
// session loop, never mutate session state directly.
type PeerTransport interface {
	Start(ctx context.Context) error

	CreateOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	AddLocalTrack(track webrtc.TrackLocal) error
	// ReplaceTrack swaps the outbound track without renegotiation.
	// Implementations lacking sender-level replacement return an error
	// and the orchestrator falls back to a new offer.
	ReplaceTrack(track webrtc.TrackLocal) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(TransportState))
	OnTrack(func(*webrtc.TrackRemote))

	Stats() domain.LinkStats
	Close()
}

// TransportFactory builds a fresh transport for one remote peer.
type TransportFactory func(remote domain.UserID) (PeerTransport, error)
