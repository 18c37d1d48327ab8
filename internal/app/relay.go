package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

var (
	ErrRateLimited  = errors.New("join rate limited")
	ErrNoConnection = errors.New("no signal connection bound")
)

// Relay is the server-side pass-through: it admits connections to voice
// sessions and forwards signaling envelopes between members. Delivery is
// at most once; ordering holds per directed (from,to) pair because each
// sender's handlers run on its single read goroutine and each receiver
// drains one FIFO send channel.
type Relay struct {
	Registry     *Registry
	Sessions     core.SessionRegistry
	Policy       JoinPolicy
	Backpressure BackpressurePolicy
	Limiter      *JoinRateLimiter
}

// Join admits sid into roomID's voice session and returns the roster of
// the other members. A repeated join by the same user returns the same
// roster and is not an error.
func (r *Relay) Join(sid core.SessionID, roomID domain.RoomID) ([]protocol.ParticipantSummary, error) {
	user := r.Registry.GetOrCreateUser(sid)

	if current, _, ok := r.Registry.RoomOf(sid); ok {
		if current == roomID {
			sess := r.Sessions.GetOrCreate(roomID)
			log.Info().Str("module", "app.relay").Str("sid", string(sid)).Str("room", string(roomID)).Msg("repeated join, returning roster")
			return rosterWithout(sess, user.ID), nil
		}
		// Joining a different room implies leaving the old one first.
		r.Leave(sid)
	}

	if r.Limiter != nil && !r.Limiter.Allow(user.ID) {
		return nil, ErrRateLimited
	}
	if r.Policy != nil && !r.Policy.CanJoin(user, roomID) {
		return nil, core.ErrRoomNotJoinable
	}

	member, ok := r.Registry.GetSession(sid)
	if !ok {
		return nil, ErrNoConnection
	}

	sess := r.Sessions.GetOrCreate(roomID)
	// AddMember hands back the pre-insert roster under the session's
	// lock, so concurrent first joiners serialize: exactly one of them
	// sees an empty room and the other sees one member to offer to.
	roster, err := sess.AddMember(sid, member)
	if err != nil {
		r.Sessions.DropIfEmpty(roomID)
		return nil, err
	}
	r.Registry.UpdateRoom(sid, roomID)

	// Snapshot the joiner's flags under the session lock; a stale
	// connection for the same user may still be mutating them.
	var meta domain.Participant
	sess.UpdateMember(sid, func(m *domain.Participant) { meta = *m })
	frame, err := protocol.EncodeFrom(protocol.EvUserJoined, user.ID, protocol.UserJoinedPayload{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		IsMuted:     meta.IsMuted,
		IsDeafened:  meta.IsDeafened,
	})
	if err == nil {
		r.broadcast(sid, sess, core.Frame(frame))
	}

	log.Info().Str("module", "app.relay").Str("sid", string(sid)).Str("room", string(roomID)).Int("roster", len(roster)).Msg("joined voice session")
	return roster, nil
}

// Leave removes sid from its current session and tells the remaining
// members, so nobody is left holding a dangling peer link.
func (r *Relay) Leave(sid core.SessionID) {
	roomID, member, ok := r.Registry.RoomOf(sid)
	if !ok {
		return
	}
	sess, ok := r.Sessions.Get(roomID)
	if !ok {
		r.Registry.RemoveRoom(sid)
		return
	}

	uid := member.Meta().UserID
	sess.RemoveMember(sid)
	r.Registry.RemoveRoom(sid)

	frame, err := protocol.EncodeFrom(protocol.EvUserLeft, uid, protocol.UserLeftPayload{UserID: uid})
	if err == nil {
		r.broadcast(sid, sess, core.Frame(frame))
	}

	r.Sessions.DropIfEmpty(roomID)
	log.Info().Str("module", "app.relay").Str("sid", string(sid)).Str("room", string(roomID)).Msg("left voice session")
}

// OnDisconnect synthesizes a leave for an abruptly dropped connection.
func (r *Relay) OnDisconnect(sid core.SessionID) {
	r.Leave(sid)
	r.Registry.Unbind(sid)
}

// BroadcastFrom fans a frame out to every other member of sid's session.
func (r *Relay) BroadcastFrom(sid core.SessionID, frame core.Frame) {
	roomID, _, ok := r.Registry.RoomOf(sid)
	if !ok {
		return
	}
	sess, ok := r.Sessions.Get(roomID)
	if !ok {
		return
	}
	r.broadcast(sid, sess, frame)
}

// UnicastFrom forwards a frame to one member of sid's session.
func (r *Relay) UnicastFrom(sid core.SessionID, to domain.UserID, frame core.Frame) error {
	roomID, _, ok := r.Registry.RoomOf(sid)
	if !ok {
		return ErrNoConnection
	}
	sess, ok := r.Sessions.Get(roomID)
	if !ok {
		return ErrNoConnection
	}
	return sess.Unicast(to, frame)
}

// UpdateMemberMeta mutates sid's participant state under its session's
// lock. Handlers must go through here rather than writing Meta() fields
// directly; roster readers hold the same lock.
func (r *Relay) UpdateMemberMeta(sid core.SessionID, fn func(*domain.Participant)) error {
	roomID, _, ok := r.Registry.RoomOf(sid)
	if !ok {
		return ErrNoConnection
	}
	sess, ok := r.Sessions.Get(roomID)
	if !ok {
		return ErrNoConnection
	}
	if !sess.UpdateMember(sid, fn) {
		return ErrNoConnection
	}
	return nil
}

func (r *Relay) broadcast(from core.SessionID, sess core.SessionService, frame core.Frame) {
	res := sess.Broadcast(from, frame)
	if r.Backpressure == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch r.Backpressure.OnBackPressure(sess, slow) {
		case KickMember:
			uid := slow.Meta().UserID
			r.Leave(core.SessionID(uid))
			log.Warn().Str("module", "app.relay").Str("user", string(uid)).Msg("kicked slow member")
		case MarkSlow, DropFrame, NoAction:
		}
	}
}

func rosterWithout(sess core.SessionService, uid domain.UserID) []protocol.ParticipantSummary {
	full := sess.Roster()
	out := make([]protocol.ParticipantSummary, 0, len(full))
	for _, p := range full {
		if p.UserID == uid {
			continue
		}
		out = append(out, p)
	}
	return out
}
