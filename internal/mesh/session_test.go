package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeFactory struct {
	mu      sync.Mutex
	created map[domain.UserID][]*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[domain.UserID][]*fakeTransport)}
}

func (f *fakeFactory) New(uid domain.UserID) (PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := newFakeTransport(uid)
	f.created[uid] = append(f.created[uid], tr)
	return tr, nil
}

func (f *fakeFactory) latest(uid domain.UserID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[uid]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) count(uid domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[uid])
}

func startTestSession(t *testing.T, mutate func(*Options)) (*Session, *fakeRelay, *fakeFactory) {
	t.Helper()
	relay := newFakeRelay()
	factory := newFakeFactory()
	opts := Options{
		Self:         &domain.Participant{UserID: "self", DisplayName: "me"},
		Relay:        relay,
		NewTransport: factory.New,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := NewSession(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, relay, factory
}

func deliverJoined(t *testing.T, relay *fakeRelay, peers ...domain.UserID) {
	t.Helper()
	summaries := make([]protocol.ParticipantSummary, 0, len(peers))
	for _, uid := range peers {
		summaries = append(summaries, protocol.ParticipantSummary{UserID: uid, DisplayName: string(uid)})
	}
	relay.deliver(t, protocol.EvJoined, "", protocol.JoinedPayload{
		RoomID:       "room-1",
		Participants: summaries,
	})
}

func deliverSignal(t *testing.T, relay *fakeRelay, from domain.UserID, p protocol.SignalPayload) {
	t.Helper()
	relay.deliver(t, protocol.EvSignal, from, p)
}

func linkInState(s *Session, uid domain.UserID, want LinkState) func() bool {
	return func() bool {
		st, ok := s.LinkSnapshot(uid)
		return ok && st == want
	}
}

func TestJoinedRosterInitiatesOfferPerPeer(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay, "peer-a", "peer-b")

	require.Eventually(t, func() bool { return s.LinkCount() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(relay.sentOfType(protocol.EvSignal)) == 2
	}, waitFor, tick)

	targets := map[domain.UserID]bool{}
	for _, f := range relay.sentOfType(protocol.EvSignal) {
		var p protocol.SignalPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, protocol.SignalOffer, p.Kind)
		require.NotNil(t, p.Offer)
		targets[p.To] = true
	}
	assert.True(t, targets["peer-a"])
	assert.True(t, targets["peer-b"])

	assert.Equal(t, 1, factory.count("peer-a"))
	assert.True(t, linkInState(s, "peer-a", LinkOffering)())
	assert.Equal(t, 2, s.Roster().RemoteCount())
}

func TestUserJoinedWaitsForInboundOffer(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay)
	relay.deliver(t, protocol.EvUserJoined, "", protocol.UserJoinedPayload{
		UserID:      "peer-a",
		DisplayName: "alice",
	})

	require.Eventually(t, func() bool { return s.Roster().RemoteCount() == 1 }, waitFor, tick)

	// The existing member never offers; only the roster gains an entry.
	assert.Equal(t, 0, s.LinkCount())
	assert.Equal(t, 0, factory.count("peer-a"))
	assert.Empty(t, relay.sentOfType(protocol.EvSignal))
}

func TestAnswerFlushesBufferedCandidates(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)

	// Candidates from the answerer may land before the answer; they must
	// be held and applied in receipt order once it does.
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:      protocol.SignalCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate-1"},
	})
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:      protocol.SignalCandidate,
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate-2"},
	})

	tr := factory.latest("peer-a")
	require.NotNil(t, tr)
	assert.Empty(t, tr.addedCandidates())

	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:   protocol.SignalAnswer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	})
	require.Eventually(t, linkInState(s, "peer-a", LinkNegotiating), waitFor, tick)

	got := tr.addedCandidates()
	require.Len(t, got, 2)
	assert.Equal(t, "candidate-1", got[0].Candidate)
	assert.Equal(t, "candidate-2", got[1].Candidate)
	assert.Equal(t, 1, tr.appliedAnswers())

	tr.fire(TransportConnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkConnected), waitFor, tick)
	p, ok := s.Roster().Get("peer-a")
	require.True(t, ok)
	assert.True(t, p.IsConnected)
}

func TestGlareInboundOfferWins(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	first := factory.latest("peer-a")

	// Both sides offered at once. Ours is abandoned; we answer theirs on
	// a fresh transport.
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:  protocol.SignalOffer,
		Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "their-offer"},
	})
	require.Eventually(t, linkInState(s, "peer-a", LinkAnswering), waitFor, tick)

	assert.True(t, first.isClosed())
	require.Equal(t, 2, factory.count("peer-a"))
	assert.Equal(t, 1, factory.latest("peer-a").appliedOffers())

	var answers int
	for _, f := range relay.sentOfType(protocol.EvSignal) {
		var p protocol.SignalPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		if p.Kind == protocol.SignalAnswer {
			answers++
			assert.Equal(t, domain.UserID("peer-a"), p.To)
		}
	}
	assert.Equal(t, 1, answers)
}

func TestRenegotiationOfferKeepsConnection(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:   protocol.SignalAnswer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	})
	tr := factory.latest("peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkNegotiating), waitFor, tick)
	tr.fire(TransportConnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkConnected), waitFor, tick)

	// A mid-call offer (remote device switch) is answered in place.
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:  protocol.SignalOffer,
		Offer: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "renegotiation"},
	})
	require.Eventually(t, func() bool { return tr.appliedOffers() == 1 }, waitFor, tick)

	assert.True(t, linkInState(s, "peer-a", LinkConnected)())
	assert.Equal(t, 1, factory.count("peer-a"))
}

func TestStaleAnswerIsIgnored(t *testing.T) {
	s, relay, _ := startTestSession(t, nil)

	deliverJoined(t, relay)
	deliverSignal(t, relay, "peer-x", protocol.SignalPayload{
		Kind:   protocol.SignalAnswer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "late"},
	})

	// Drain with an ordinary event to prove the loop survived.
	relay.deliver(t, protocol.EvUserJoined, "", protocol.UserJoinedPayload{UserID: "peer-a"})
	require.Eventually(t, func() bool { return s.Roster().RemoteCount() == 1 }, waitFor, tick)
	assert.Equal(t, 0, s.LinkCount())
}

func TestUserLeftClosesLinkAndRoster(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	tr := factory.latest("peer-a")

	relay.deliver(t, protocol.EvUserLeft, "", protocol.UserLeftPayload{UserID: "peer-a"})
	require.Eventually(t, func() bool { return s.LinkCount() == 0 }, waitFor, tick)

	assert.True(t, tr.isClosed())
	assert.Equal(t, 0, s.Roster().RemoteCount())
}

func TestDisconnectGraceRetryThenFail(t *testing.T) {
	s, relay, factory := startTestSession(t, func(o *Options) {
		o.DisconnectGrace = 25 * time.Millisecond
	})

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:   protocol.SignalAnswer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	})
	first := factory.latest("peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkNegotiating), waitFor, tick)
	first.fire(TransportConnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkConnected), waitFor, tick)

	// Transport drops and never recovers: after the grace window the
	// initiator rebuilds the link once and re-offers.
	first.fire(TransportDisconnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkDisconnected), waitFor, tick)
	p, _ := s.Roster().Get("peer-a")
	assert.False(t, p.IsConnected)

	require.Eventually(t, func() bool { return factory.count("peer-a") == 2 }, waitFor, tick)
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	assert.True(t, first.isClosed())

	// The retry fails too; no second retry, the link is done.
	second := factory.latest("peer-a")
	second.fire(TransportFailed)
	require.Eventually(t, linkInState(s, "peer-a", LinkFailed), waitFor, tick)
	assert.Equal(t, 2, factory.count("peer-a"))
}

func TestDisconnectRecoveryInsideGrace(t *testing.T) {
	s, relay, factory := startTestSession(t, func(o *Options) {
		o.DisconnectGrace = 5 * time.Second
	})

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:   protocol.SignalAnswer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	})
	tr := factory.latest("peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkNegotiating), waitFor, tick)
	tr.fire(TransportConnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkConnected), waitFor, tick)

	tr.fire(TransportDisconnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkDisconnected), waitFor, tick)
	tr.fire(TransportConnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkConnected), waitFor, tick)

	// Same transport throughout; no rebuild happened.
	assert.Equal(t, 1, factory.count("peer-a"))
	p, _ := s.Roster().Get("peer-a")
	assert.True(t, p.IsConnected)
}

func TestNegotiationTimeoutFailsLink(t *testing.T) {
	s, relay, factory := startTestSession(t, func(o *Options) {
		o.NegotiationTimeout = 25 * time.Millisecond
	})

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)

	// No answer ever arrives. The initiator retries once, the retry also
	// times out, and the link ends up failed.
	require.Eventually(t, func() bool { return factory.count("peer-a") == 2 }, waitFor, tick)
	require.Eventually(t, linkInState(s, "peer-a", LinkFailed), waitFor, tick)
}

func TestReplaceTrackFallsBackToRenegotiation(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	deliverSignal(t, relay, "peer-a", protocol.SignalPayload{
		Kind:   protocol.SignalAnswer,
		Answer: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	})
	tr := factory.latest("peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkNegotiating), waitFor, tick)
	tr.fire(TransportConnected)
	require.Eventually(t, linkInState(s, "peer-a", LinkConnected), waitFor, tick)
	offersBefore := tr.offerCount()

	tr.mu.Lock()
	tr.failReplace = true
	tr.mu.Unlock()

	s.ReplaceLocalTrack(nil)
	require.Eventually(t, func() bool { return tr.offerCount() == offersBefore+1 }, waitFor, tick)
	assert.True(t, linkInState(s, "peer-a", LinkConnected)())
}

// After a relay outage the server has synthesized our leave and peers
// dropped their links; the session must start over with a fresh join.
func TestRelayReconnectRejoins(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	s.Join("room-1")
	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	stale := factory.latest("peer-a")

	relay.inbound <- protocol.Envelope{Type: EvRelayReconnected}
	require.Eventually(t, func() bool { return s.LinkCount() == 0 }, waitFor, tick)

	assert.True(t, stale.isClosed())
	assert.Equal(t, 0, s.Roster().RemoteCount())
	require.Eventually(t, func() bool {
		return len(relay.sentOfType(protocol.EvJoin)) == 2
	}, waitFor, tick)

	// The relay answers the re-join and the mesh rebuilds.
	deliverJoined(t, relay, "peer-a")
	require.Eventually(t, linkInState(s, "peer-a", LinkOffering), waitFor, tick)
	assert.Equal(t, 2, factory.count("peer-a"))
}

func TestReconnectBeforeAnyJoinIsNoOp(t *testing.T) {
	s, relay, _ := startTestSession(t, nil)

	relay.inbound <- protocol.Envelope{Type: EvRelayReconnected}

	// Drain with an ordinary event to prove the loop processed it.
	relay.deliver(t, protocol.EvUserJoined, "", protocol.UserJoinedPayload{UserID: "peer-a"})
	require.Eventually(t, func() bool { return s.Roster().RemoteCount() == 1 }, waitFor, tick)
	assert.Empty(t, relay.sentOfType(protocol.EvJoin))
}

// A late failure callback for an already-closed link must not flip it
// to failed or spin up a retry transport.
func TestFailLinkClosedStaysClosed(t *testing.T) {
	created := 0
	s := NewSession(Options{
		Self:  &domain.Participant{UserID: "self"},
		Relay: newFakeRelay(),
		NewTransport: func(domain.UserID) (PeerTransport, error) {
			created++
			return nil, errors.New("transport unavailable")
		},
	})

	link := newPeerLink("peer-a", newFakeTransport("peer-a"))
	link.initiator = true
	s.links["peer-a"] = link
	link.close()

	s.failLink(link)

	assert.Equal(t, LinkClosed, link.state)
	assert.Equal(t, 0, created)
}

func TestLeaveTearsDownEverything(t *testing.T) {
	s, relay, factory := startTestSession(t, nil)

	s.Join("room-1")
	deliverJoined(t, relay, "peer-a", "peer-b")
	require.Eventually(t, func() bool { return s.LinkCount() == 2 }, waitFor, tick)

	s.Leave()
	require.Eventually(t, func() bool { return s.LinkCount() == 0 }, waitFor, tick)

	assert.Equal(t, 0, s.Roster().RemoteCount())
	assert.True(t, factory.latest("peer-a").isClosed())
	assert.True(t, factory.latest("peer-b").isClosed())
	require.NotEmpty(t, relay.sentOfType(protocol.EvLeave))
}
