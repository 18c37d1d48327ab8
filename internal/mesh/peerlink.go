package mesh

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/soundline/voicemesh/internal/domain"
)

// LinkState is the negotiation state of one peer link. States move
// forward through new→offering|answering→negotiating→connected, sideways
// into disconnected/failed, and terminally into closed; a link never
// reverts from connected to offering.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOffering
	LinkAnswering
	LinkNegotiating
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

var linkTransitions = map[LinkState][]LinkState{
	LinkNew:          {LinkOffering, LinkAnswering, LinkFailed, LinkClosed},
	LinkOffering:     {LinkAnswering, LinkNegotiating, LinkConnected, LinkFailed, LinkClosed},
	LinkAnswering:    {LinkNegotiating, LinkConnected, LinkDisconnected, LinkFailed, LinkClosed},
	LinkNegotiating:  {LinkConnected, LinkDisconnected, LinkFailed, LinkClosed},
	LinkConnected:    {LinkDisconnected, LinkFailed, LinkClosed},
	LinkDisconnected: {LinkConnected, LinkFailed, LinkClosed},
	LinkFailed:       {LinkClosed},
	LinkClosed:       {},
}

// PeerLink is the per-remote state machine. It is owned by the session
// loop; nothing here is safe for concurrent use.
type PeerLink struct {
	remote    domain.UserID
	state     LinkState
	transport PeerTransport

	// Candidates received before the remote description exists are
	// buffered here and flushed in receipt order after it is applied.
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool

	// initiator: we sent the first offer (we were the newer joiner).
	// The initiating side owns the retry after a negotiation failure.
	initiator bool
	retried   bool

	negotiationTimer *time.Timer
	graceTimer       *time.Timer

	stats       domain.LinkStats
	lastQuality domain.ConnectionQuality
}

func newPeerLink(remote domain.UserID, transport PeerTransport) *PeerLink {
	return &PeerLink{
		remote:    remote,
		state:     LinkNew,
		transport: transport,
	}
}

func (l *PeerLink) Remote() domain.UserID { return l.remote }
func (l *PeerLink) State() LinkState      { return l.state }

// transition applies a guarded state change; illegal transitions are
// rejected, not silently accepted.
func (l *PeerLink) transition(to LinkState) error {
	for _, allowed := range linkTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("peer link %s: illegal transition %s -> %s", l.remote, l.state, to)
}

// bufferOrApply adds a candidate immediately when the remote description
// is known, otherwise queues it.
func (l *PeerLink) bufferOrApply(c webrtc.ICECandidateInit) error {
	if !l.remoteDescSet {
		l.pendingCandidates = append(l.pendingCandidates, c)
		return nil
	}
	return l.transport.AddICECandidate(c)
}

// flushCandidates applies buffered candidates in receipt order. Called
// right after the remote description is set.
func (l *PeerLink) flushCandidates() error {
	l.remoteDescSet = true
	for _, c := range l.pendingCandidates {
		if err := l.transport.AddICECandidate(c); err != nil {
			return err
		}
	}
	l.pendingCandidates = nil
	return nil
}

func (l *PeerLink) stopTimers() {
	if l.negotiationTimer != nil {
		l.negotiationTimer.Stop()
		l.negotiationTimer = nil
	}
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}

// close releases the transport and discards buffered candidates. Safe to
// call on an already-closed link.
func (l *PeerLink) close() {
	if l.state == LinkClosed {
		return
	}
	l.stopTimers()
	l.pendingCandidates = nil
	l.state = LinkClosed
	if l.transport != nil {
		l.transport.Close()
	}
}
