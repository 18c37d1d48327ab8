package mesh

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

const (
	defaultNegotiationTimeout = 20 * time.Second
	defaultDisconnectGrace    = 10 * time.Second
	statsInterval             = 5 * time.Second
)

type Options struct {
	Self         *domain.Participant
	Relay        RelayConn
	NewTransport TransportFactory

	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration

	// OnRemoteTrack surfaces a remote audio track to the playback layer.
	OnRemoteTrack func(domain.UserID, *webrtc.TrackRemote)
}

// Session is the client-side voice session core. All state (links,
// roster writes, negotiation) is mutated only on the Run goroutine;
// transport callbacks and timers post closures into the task channel.
type Session struct {
	opts   Options
	roster *Roster

	roomID domain.RoomID
	joined bool

	links      map[domain.UserID]*PeerLink
	localTrack webrtc.TrackLocal

	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(opts Options) *Session {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = defaultNegotiationTimeout
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	return &Session{
		opts:   opts,
		roster: NewRoster(opts.Self),
		links:  make(map[domain.UserID]*PeerLink),
		tasks:  make(chan func(), 128),
		done:   make(chan struct{}),
	}
}

func (s *Session) Roster() *Roster { return s.roster }

// Run drives the event loop until ctx is cancelled. It owns every link.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)
	defer s.teardown()

	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case env, ok := <-s.opts.Relay.Inbound():
			if !ok {
				log.Info().Str("module", "mesh.session").Msg("relay inbound closed")
				return
			}
			s.handleEnvelope(env)
		case fn := <-s.tasks:
			fn()
		case <-stats.C:
			s.sampleStats()
		}
	}
}

// Stop ends the session; Run returns after teardown.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// post hands a closure to the Run goroutine.
func (s *Session) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.done:
	}
}

// ---- public API (safe from any goroutine) ----

func (s *Session) Join(roomID domain.RoomID) {
	s.post(func() {
		s.roomID = roomID
		if err := s.opts.Relay.Send(protocol.EvJoin, protocol.JoinPayload{RoomID: roomID}); err != nil {
			log.Error().Err(err).Str("module", "mesh.session").Str("room", string(roomID)).Msg("join send failed")
		}
	})
}

// Leave tears down every link and tells the relay. It returns once the
// loop has processed the teardown, so callers can stop the session right
// after without losing the leave.
func (s *Session) Leave() {
	done := make(chan struct{})
	s.post(func() {
		defer close(done)
		if !s.joined && s.roomID == "" {
			return
		}
		_ = s.opts.Relay.Send(protocol.EvLeave, protocol.LeavePayload{RoomID: s.roomID})
		s.teardownLinks()
		s.roster.Clear()
		s.joined = false
		s.roomID = ""
		log.Info().Str("module", "mesh.session").Msg("left voice session")
	})
	select {
	case <-done:
	case <-s.done:
	}
}

func (s *Session) SetMuted(muted bool) {
	s.post(func() {
		s.roster.SetSelfMuted(muted)
		ev := protocol.EvMute
		if !muted {
			ev = protocol.EvUnmute
		}
		_ = s.opts.Relay.Send(ev, protocol.MutePayload{RoomID: s.roomID, IsMuted: muted})
	})
}

// SetDeafened silences playback only; the microphone and outbound track
// stay up so undeafen is instant. Peers get a deafened indicator.
func (s *Session) SetDeafened(deafened bool) {
	s.post(func() {
		s.roster.SetSelfDeafened(deafened)
		ev := protocol.EvDeafen
		if !deafened {
			ev = protocol.EvUndeafen
		}
		_ = s.opts.Relay.Send(ev, protocol.DeafenPayload{RoomID: s.roomID, IsDeafened: deafened})
	})
}

// PublishSpeaking is called by the audio pipeline on speaking edges and
// level updates.
func (s *Session) PublishSpeaking(speaking bool, level float64) {
	s.post(func() {
		s.roster.SetSelfSpeaking(speaking, level)
		if !s.joined {
			return
		}
		_ = s.opts.Relay.Send(protocol.EvSpeaking, protocol.SpeakingPayload{
			RoomID:     s.roomID,
			IsSpeaking: speaking,
			AudioLevel: level,
		})
	})
}

// ReplaceLocalTrack swaps the outbound track on every link after a
// device switch. Links whose transport cannot replace in place get a
// renegotiation offer instead; connected links stay connected.
func (s *Session) ReplaceLocalTrack(track webrtc.TrackLocal) {
	s.post(func() {
		s.localTrack = track
		for uid, link := range s.links {
			if link.state == LinkClosed || link.state == LinkFailed {
				continue
			}
			if err := link.transport.ReplaceTrack(track); err == nil {
				continue
			}
			log.Info().Str("module", "mesh.session").Str("peer", string(uid)).Msg("track replace unsupported, renegotiating")
			s.renegotiate(link)
		}
	})
}

// SetLocalTrack sets the initial outbound track before any links exist.
func (s *Session) SetLocalTrack(track webrtc.TrackLocal) {
	s.post(func() { s.localTrack = track })
}

// LinkSnapshot reports the state of one link; used by UI and tests.
func (s *Session) LinkSnapshot(uid domain.UserID) (LinkState, bool) {
	type resp struct {
		state LinkState
		ok    bool
	}
	ch := make(chan resp, 1)
	s.post(func() {
		l, ok := s.links[uid]
		if !ok {
			ch <- resp{}
			return
		}
		ch <- resp{l.state, true}
	})
	select {
	case r := <-ch:
		return r.state, r.ok
	case <-s.done:
		return LinkClosed, false
	}
}

func (s *Session) LinkCount() int {
	ch := make(chan int, 1)
	s.post(func() { ch <- len(s.links) })
	select {
	case n := <-ch:
		return n
	case <-s.done:
		return 0
	}
}

// ---- envelope handling (Run goroutine only) ----

func (s *Session) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.EvJoined:
		s.handleJoined(env)
	case protocol.EvUserJoined:
		s.handleUserJoined(env)
	case protocol.EvUserLeft:
		s.handleUserLeft(env)
	case protocol.EvSignal:
		s.handlePeerSignal(env)
	case protocol.EvUserMuted:
		var p protocol.UserMutedPayload
		if env.Bind(&p) == nil {
			s.roster.SetRemoteMuted(p.UserID, p.IsMuted)
		}
	case protocol.EvUserDeafened:
		var p protocol.UserDeafenedPayload
		if env.Bind(&p) == nil {
			s.roster.SetRemoteDeafened(p.UserID, p.IsDeafened)
		}
	case protocol.EvUserSpeaking:
		var p protocol.UserSpeakingPayload
		if env.Bind(&p) == nil {
			s.roster.SetRemoteSpeaking(p.UserID, p.IsSpeaking, p.AudioLevel)
		}
	case protocol.EvQuality:
		var p protocol.QualityPayload
		if env.Bind(&p) == nil {
			uid := p.UserID
			if uid == "" {
				uid = env.From
			}
			s.roster.SetRemoteQuality(uid, p.Quality)
		}
	case EvRelayReconnected:
		s.handleRelayReconnected()
	case protocol.EvLeft:
		// Our own leave confirmation; teardown already ran.
	case protocol.EvError:
		var p protocol.ErrorPayload
		if env.Bind(&p) == nil {
			log.Error().Str("module", "mesh.session").Str("code", p.Code).Str("message", p.Message).Msg("relay error")
		}
	default:
		log.Warn().Str("module", "mesh.session").Str("type", string(env.Type)).Msg("unknown envelope")
	}
}

func (s *Session) handleJoined(env protocol.Envelope) {
	var p protocol.JoinedPayload
	if err := env.Bind(&p); err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Msg("bad joined payload")
		return
	}
	s.joined = true
	s.roomID = p.RoomID
	log.Info().Str("module", "mesh.session").Str("room", string(p.RoomID)).Int("roster", len(p.Participants)).Msg("joined voice session")

	// New joiner offers first: we initiate a link to every existing
	// member; they never offer to us.
	for _, summary := range p.Participants {
		s.roster.UpsertRemote(summary)
		s.initiateLink(summary.UserID)
	}
}

// handleRelayReconnected starts the session over after a relay outage.
// The relay synthesized a leave when the connection dropped, so the
// peers have already torn their links down; keeping ours would strand
// half-open transports. Re-joining brings a fresh roster and, per the
// joiner-offers rule, fresh offers from us.
func (s *Session) handleRelayReconnected() {
	if s.roomID == "" {
		return
	}
	log.Info().Str("module", "mesh.session").Str("room", string(s.roomID)).Msg("relay reconnected, re-joining")
	s.teardownLinks()
	s.roster.Clear()
	s.joined = false
	if err := s.opts.Relay.Send(protocol.EvJoin, protocol.JoinPayload{RoomID: s.roomID}); err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Str("room", string(s.roomID)).Msg("re-join send failed")
	}
}

func (s *Session) handleUserJoined(env protocol.Envelope) {
	var p protocol.UserJoinedPayload
	if err := env.Bind(&p); err != nil {
		return
	}
	if p.UserID == s.roster.SelfID() {
		return
	}
	s.roster.UpsertRemote(protocol.ParticipantSummary{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		IsMuted:     p.IsMuted,
		IsDeafened:  p.IsDeafened,
	})
	// The new joiner will send us the offer; we only wait.
	log.Info().Str("module", "mesh.session").Str("peer", string(p.UserID)).Msg("participant joined, awaiting offer")
}

func (s *Session) handleUserLeft(env protocol.Envelope) {
	var p protocol.UserLeftPayload
	if err := env.Bind(&p); err != nil {
		return
	}
	s.closeLink(p.UserID)
	s.roster.Remove(p.UserID)
	log.Info().Str("module", "mesh.session").Str("peer", string(p.UserID)).Msg("participant left")
}

func (s *Session) handlePeerSignal(env protocol.Envelope) {
	var p protocol.SignalPayload
	if err := env.Bind(&p); err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Msg("bad signal payload")
		return
	}
	from := p.From
	if from == "" {
		from = env.From
	}
	if from == "" || from == s.roster.SelfID() {
		return
	}

	switch p.Kind {
	case protocol.SignalOffer:
		if p.Offer != nil {
			s.handleOffer(from, *p.Offer)
		}
	case protocol.SignalAnswer:
		if p.Answer != nil {
			s.handleAnswer(from, *p.Answer)
		}
	case protocol.SignalCandidate:
		if p.Candidate != nil {
			s.handleCandidate(from, *p.Candidate)
		}
	}
}

// ---- link orchestration (Run goroutine only) ----

// initiateLink creates a link to uid and sends the initial offer.
// Idempotent: an existing link is reused, never duplicated.
func (s *Session) initiateLink(uid domain.UserID) *PeerLink {
	if link, ok := s.links[uid]; ok {
		return link
	}
	link, err := s.createLink(uid, true)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(uid)).Msg("link creation failed")
		return nil
	}
	s.sendOffer(link)
	return link
}

func (s *Session) createLink(uid domain.UserID, initiator bool) (*PeerLink, error) {
	transport, err := s.opts.NewTransport(uid)
	if err != nil {
		return nil, err
	}
	link := newPeerLink(uid, transport)
	link.initiator = initiator
	s.wireTransport(link)

	if s.localTrack != nil {
		if err := transport.AddLocalTrack(s.localTrack); err != nil {
			log.Warn().Err(err).Str("module", "mesh.session").Str("peer", string(uid)).Msg("add local track failed, continuing listen-only")
		}
	}
	if err := transport.Start(s.ctx); err != nil {
		transport.Close()
		return nil, err
	}
	s.links[uid] = link
	return link, nil
}

func (s *Session) wireTransport(link *PeerLink) {
	uid := link.remote
	link.transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.post(func() {
			if l, ok := s.links[uid]; !ok || l != link || l.state == LinkClosed {
				return
			}
			_ = s.opts.Relay.Send(protocol.EvSignal, protocol.SignalPayload{
				To:        uid,
				Kind:      protocol.SignalCandidate,
				Candidate: &c,
			})
		})
	})
	link.transport.OnStateChange(func(st TransportState) {
		s.post(func() { s.handleTransportState(link, st) })
	})
	if s.opts.OnRemoteTrack != nil {
		link.transport.OnTrack(func(track *webrtc.TrackRemote) {
			s.opts.OnRemoteTrack(uid, track)
		})
	}
}

func (s *Session) sendOffer(link *PeerLink) {
	if err := link.transition(LinkOffering); err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Msg("offer transition")
		return
	}
	offer, err := link.transport.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(link.remote)).Msg("create offer")
		s.failLink(link)
		return
	}
	_ = s.opts.Relay.Send(protocol.EvSignal, protocol.SignalPayload{
		To:    link.remote,
		Kind:  protocol.SignalOffer,
		Offer: offer,
	})
	s.armNegotiationTimer(link)
}

func (s *Session) handleOffer(from domain.UserID, offer webrtc.SessionDescription) {
	link, ok := s.links[from]
	if ok {
		switch link.state {
		case LinkOffering:
			// Glare: both sides offered at once. The inbound offer wins;
			// abandon ours and answer theirs on a fresh transport.
			log.Info().Str("module", "mesh.session").Str("peer", string(from)).Msg("offer glare, restarting as answerer")
			s.dropLink(link)
			link = nil
		case LinkConnected:
			// Renegotiation (e.g. remote device switch): answer on the
			// existing transport, connected state is untouched.
			answer, err := link.transport.ApplyOfferAndCreateAnswer(offer)
			if err != nil {
				log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(from)).Msg("renegotiation answer")
				return
			}
			if err := link.flushCandidates(); err != nil {
				log.Warn().Err(err).Str("module", "mesh.session").Msg("candidate flush")
			}
			s.sendAnswer(link, answer)
			return
		case LinkClosed, LinkFailed:
			s.dropLink(link)
			link = nil
		default:
			// A stale duplicate offer mid-negotiation is ignored.
			log.Warn().Str("module", "mesh.session").Str("peer", string(from)).Str("state", link.state.String()).Msg("offer in unexpected state, ignored")
			return
		}
	}

	if link == nil || !ok {
		created, err := s.createLink(from, false)
		if err != nil {
			log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(from)).Msg("answerer link creation failed")
			return
		}
		link = created
	}

	if err := link.transition(LinkAnswering); err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Msg("answer transition")
		return
	}
	answer, err := link.transport.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(from)).Msg("apply offer")
		s.failLink(link)
		return
	}
	if err := link.flushCandidates(); err != nil {
		log.Warn().Err(err).Str("module", "mesh.session").Msg("candidate flush")
	}
	s.sendAnswer(link, answer)
	s.armNegotiationTimer(link)
}

func (s *Session) sendAnswer(link *PeerLink, answer *webrtc.SessionDescription) {
	_ = s.opts.Relay.Send(protocol.EvSignal, protocol.SignalPayload{
		To:     link.remote,
		Kind:   protocol.SignalAnswer,
		Answer: answer,
	})
}

func (s *Session) handleAnswer(from domain.UserID, answer webrtc.SessionDescription) {
	link, ok := s.links[from]
	if !ok || link.state == LinkClosed {
		// Stale answer after teardown: a no-op, not an error.
		return
	}
	switch link.state {
	case LinkOffering:
		if err := link.transport.ApplyAnswer(answer); err != nil {
			log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(from)).Msg("apply answer")
			s.failLink(link)
			return
		}
		if err := link.transition(LinkNegotiating); err != nil {
			log.Error().Err(err).Str("module", "mesh.session").Msg("negotiating transition")
			return
		}
		if err := link.flushCandidates(); err != nil {
			log.Warn().Err(err).Str("module", "mesh.session").Msg("candidate flush")
		}
	case LinkConnected:
		// Renegotiation answer.
		if err := link.transport.ApplyAnswer(answer); err != nil {
			log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(from)).Msg("renegotiation apply answer")
		}
	default:
		log.Warn().Str("module", "mesh.session").Str("peer", string(from)).Str("state", link.state.String()).Msg("answer in unexpected state, ignored")
	}
}

func (s *Session) handleCandidate(from domain.UserID, c webrtc.ICECandidateInit) {
	link, ok := s.links[from]
	if !ok || link.state == LinkClosed {
		return
	}
	if err := link.bufferOrApply(c); err != nil {
		log.Warn().Err(err).Str("module", "mesh.session").Str("peer", string(from)).Msg("add candidate")
	}
}

func (s *Session) handleTransportState(link *PeerLink, st TransportState) {
	if cur, ok := s.links[link.remote]; !ok || cur != link || link.state == LinkClosed {
		return
	}
	switch st {
	case TransportConnected:
		switch link.state {
		case LinkOffering, LinkAnswering, LinkNegotiating:
			if err := link.transition(LinkConnected); err != nil {
				return
			}
			link.stopTimers()
			link.retried = false
			s.roster.SetRemoteConnected(link.remote, true)
			log.Info().Str("module", "mesh.session").Str("peer", string(link.remote)).Msg("peer link connected")
		case LinkDisconnected:
			// Transport recovered inside the grace window.
			if err := link.transition(LinkConnected); err != nil {
				return
			}
			link.stopTimers()
			s.roster.SetRemoteConnected(link.remote, true)
			log.Info().Str("module", "mesh.session").Str("peer", string(link.remote)).Msg("peer link recovered")
		}
	case TransportDisconnected:
		if link.state != LinkConnected {
			return
		}
		if err := link.transition(LinkDisconnected); err != nil {
			return
		}
		s.roster.SetRemoteConnected(link.remote, false)
		grace := s.opts.DisconnectGrace
		link.graceTimer = time.AfterFunc(grace, func() {
			s.post(func() {
				if cur, ok := s.links[link.remote]; ok && cur == link && link.state == LinkDisconnected {
					log.Warn().Str("module", "mesh.session").Str("peer", string(link.remote)).Dur("grace", grace).Msg("grace window elapsed")
					s.failLink(link)
				}
			})
		})
	case TransportFailed:
		if link.state != LinkClosed && link.state != LinkFailed {
			s.failLink(link)
		}
	case TransportClosed:
		// Either we closed it or the peer is gone; closeLink is a no-op
		// when the link is already removed.
	}
}

// failLink implements retry-once-then-fail: the initiating side rebuilds
// the link from scratch one time before declaring the peer failed.
func (s *Session) failLink(link *PeerLink) {
	uid := link.remote
	if link.state == LinkClosed {
		// Closed is terminal; a late timer or transport callback for a
		// torn-down link must not resurrect it as failed.
		return
	}
	if !link.retried && link.initiator {
		log.Warn().Str("module", "mesh.session").Str("peer", string(uid)).Msg("negotiation failed, retrying once")
		s.dropLink(link)
		fresh, err := s.createLink(uid, true)
		if err == nil {
			fresh.retried = true
			s.sendOffer(fresh)
			return
		}
		// The old link is already closed; only the roster needs to know.
		log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(uid)).Msg("retry link creation failed")
		s.roster.SetRemoteConnected(uid, false)
		return
	}

	link.stopTimers()
	if link.state != LinkFailed {
		if err := link.transition(LinkFailed); err != nil {
			log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(uid)).Msg("failed transition")
			return
		}
	}
	s.roster.SetRemoteConnected(uid, false)
	log.Error().Str("module", "mesh.session").Str("peer", string(uid)).Msg("peer link failed")
}

func (s *Session) armNegotiationTimer(link *PeerLink) {
	timeout := s.opts.NegotiationTimeout
	link.negotiationTimer = time.AfterFunc(timeout, func() {
		s.post(func() {
			cur, ok := s.links[link.remote]
			if !ok || cur != link {
				return
			}
			switch link.state {
			case LinkNew, LinkOffering, LinkAnswering, LinkNegotiating:
				log.Warn().Str("module", "mesh.session").Str("peer", string(link.remote)).Dur("timeout", timeout).Msg("negotiation timed out")
				s.failLink(link)
			}
		})
	})
}

// renegotiate sends a fresh offer on an existing transport, used when a
// track swap needs SDP changes. Connected state is untouched.
func (s *Session) renegotiate(link *PeerLink) {
	offer, err := link.transport.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Str("peer", string(link.remote)).Msg("renegotiation offer")
		return
	}
	_ = s.opts.Relay.Send(protocol.EvSignal, protocol.SignalPayload{
		To:    link.remote,
		Kind:  protocol.SignalOffer,
		Offer: offer,
	})
}

// dropLink closes and removes a link without roster changes.
func (s *Session) dropLink(link *PeerLink) {
	link.close()
	if cur, ok := s.links[link.remote]; ok && cur == link {
		delete(s.links, link.remote)
	}
}

func (s *Session) closeLink(uid domain.UserID) {
	if link, ok := s.links[uid]; ok {
		link.close()
		delete(s.links, uid)
	}
}

func (s *Session) teardownLinks() {
	for uid, link := range s.links {
		link.close()
		delete(s.links, uid)
	}
}

func (s *Session) teardown() {
	s.teardownLinks()
}

func (s *Session) sampleStats() {
	if !s.joined {
		return
	}
	worst := domain.QualityExcellent
	rank := map[domain.ConnectionQuality]int{
		domain.QualityExcellent: 0,
		domain.QualityGood:      1,
		domain.QualityFair:      2,
		domain.QualityPoor:      3,
	}
	sampled := false
	for _, link := range s.links {
		if link.state != LinkConnected {
			continue
		}
		link.stats = link.transport.Stats()
		q := domain.QualityOf(link.stats)
		link.lastQuality = q
		if rank[q] > rank[worst] {
			worst = q
		}
		sampled = true
	}
	if !sampled {
		return
	}
	_ = s.opts.Relay.Send(protocol.EvQuality, protocol.QualityPayload{Quality: worst})
}
