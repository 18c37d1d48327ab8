package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

// fakeTransport records calls and lets tests drive state changes.
type fakeTransport struct {
	mu     sync.Mutex
	remote domain.UserID

	offers     int
	answers    []webrtc.SessionDescription
	applied    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	replaced   []webrtc.TrackLocal
	closed     bool

	failOffer   bool
	failReplace bool

	stateCB func(TransportState)
	iceCB   func(webrtc.ICECandidateInit)
	trackCB func(*webrtc.TrackRemote)

	stats domain.LinkStats
}

func newFakeTransport(remote domain.UserID) *fakeTransport {
	return &fakeTransport{remote: remote}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) CreateOffer() (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer {
		return nil, errOfferFailed
	}
	f.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + string(f.remote)}, nil
}

func (f *fakeTransport) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, offer)
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + string(f.remote)}, nil
}

func (f *fakeTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AddLocalTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeTransport) ReplaceTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReplace {
		return errReplaceUnsupported
	}
	f.replaced = append(f.replaced, track)
	return nil
}

func (f *fakeTransport) OnICECandidate(cb func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iceCB = cb
}

func (f *fakeTransport) OnStateChange(cb func(TransportState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCB = cb
}

func (f *fakeTransport) OnTrack(cb func(*webrtc.TrackRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackCB = cb
}

func (f *fakeTransport) Stats() domain.LinkStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// fire simulates a transport state change the way pion does, from a
// goroutine that is not the session loop.
func (f *fakeTransport) fire(st TransportState) {
	f.mu.Lock()
	cb := f.stateCB
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

func (f *fakeTransport) addedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *fakeTransport) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

func (f *fakeTransport) appliedOffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeTransport) appliedAnswers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var (
	errOfferFailed        = errors.New("create offer failed")
	errReplaceUnsupported = errors.New("track replacement unsupported")
)

// sentFrame is one outbound envelope captured by fakeRelay.
type sentFrame struct {
	Ev      protocol.EventType
	Payload []byte
}

// fakeRelay captures outbound sends and lets tests inject inbound
// envelopes as if the relay had delivered them.
type fakeRelay struct {
	mu      sync.Mutex
	frames  []sentFrame
	inbound chan protocol.Envelope
	once    sync.Once
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{inbound: make(chan protocol.Envelope, 64)}
}

func (r *fakeRelay) Send(ev protocol.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, sentFrame{Ev: ev, Payload: raw})
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) Inbound() <-chan protocol.Envelope { return r.inbound }

func (r *fakeRelay) Close() {
	r.once.Do(func() { close(r.inbound) })
}

// deliver injects an inbound envelope with a marshalled payload.
func (r *fakeRelay) deliver(t *testing.T, ev protocol.EventType, from domain.UserID, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", ev, err)
	}
	r.inbound <- protocol.Envelope{Type: ev, From: from, Payload: raw}
}

func (r *fakeRelay) sent() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *fakeRelay) sentOfType(ev protocol.EventType) []sentFrame {
	var out []sentFrame
	for _, f := range r.sent() {
		if f.Ev == ev {
			out = append(out, f)
		}
	}
	return out
}
