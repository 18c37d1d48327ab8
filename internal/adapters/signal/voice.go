package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/app"
	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

func (ctl *Controller) handleJoin(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, protocol.CodeBadPayload, "bad join payload")
		return
	}
	if p.RoomID == "" {
		ctl.sendError(conn, protocol.CodeBadPayload, "missing roomId")
		return
	}

	roster, err := ctl.Relay.Join(sid, p.RoomID)
	switch {
	case errors.Is(err, core.ErrCapacityExceeded):
		ctl.sendError(conn, protocol.CodeCapacityExceeded, "session is full")
		return
	case errors.Is(err, core.ErrRoomNotJoinable):
		ctl.sendError(conn, protocol.CodeRoomNotJoinable, "not a room member")
		return
	case errors.Is(err, app.ErrRateLimited):
		ctl.sendError(conn, protocol.CodeRateLimited, "too many join attempts")
		return
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join failed")
		ctl.sendError(conn, protocol.CodeBadPayload, err.Error())
		return
	}

	ctl.sendEnvelope(conn, protocol.EvJoined, protocol.JoinedPayload{
		RoomID:       p.RoomID,
		Participants: roster,
	})
}

func (ctl *Controller) handleLeave(sid core.SessionID, conn *WsSignalConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Relay.Leave(sid)
	ctl.sendEnvelope(conn, protocol.EvLeft, struct{}{})
}

// handlePeerSignal forwards offer/answer/candidate envelopes to exactly
// one other session member, stamped with the sender id.
func (ctl *Controller) handlePeerSignal(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.SignalPayload
	if err := env.Bind(&p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad signal payload")
		ctl.sendError(conn, protocol.CodeBadPayload, "bad signal payload")
		return
	}
	if p.To == "" {
		ctl.sendError(conn, protocol.CodeBadPayload, "missing signal target")
		return
	}

	from := ctl.Relay.Registry.GetOrCreateUser(sid).ID
	to := p.To
	p.From = from
	p.To = ""

	frame, err := protocol.EncodeFrom(protocol.EvSignal, from, p)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode forwarded signal")
		return
	}
	if err := ctl.Relay.UnicastFrom(sid, to, core.Frame(frame)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("to", string(to)).Str("kind", string(p.Kind)).Msg("signal forward failed")
		ctl.sendError(conn, protocol.CodeUnknownPeer, "peer not in session")
	}
}

func (ctl *Controller) handleMute(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.MutePayload
	if err := env.Bind(&p); err != nil {
		ctl.sendError(conn, protocol.CodeBadPayload, "bad mute payload")
		return
	}

	uid := ctl.Relay.Registry.GetOrCreateUser(sid).ID
	err := ctl.Relay.UpdateMemberMeta(sid, func(m *domain.Participant) { m.IsMuted = p.IsMuted })
	if err != nil {
		ctl.sendError(conn, protocol.CodeNotInSession, "not in a voice session")
		return
	}

	frame, err := protocol.EncodeFrom(protocol.EvUserMuted, uid, protocol.UserMutedPayload{
		UserID:  uid,
		IsMuted: p.IsMuted,
	})
	if err != nil {
		return
	}
	ctl.Relay.BroadcastFrom(sid, core.Frame(frame))
}

func (ctl *Controller) handleDeafen(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.DeafenPayload
	if err := env.Bind(&p); err != nil {
		ctl.sendError(conn, protocol.CodeBadPayload, "bad deafen payload")
		return
	}

	uid := ctl.Relay.Registry.GetOrCreateUser(sid).ID
	err := ctl.Relay.UpdateMemberMeta(sid, func(m *domain.Participant) { m.IsDeafened = p.IsDeafened })
	if err != nil {
		ctl.sendError(conn, protocol.CodeNotInSession, "not in a voice session")
		return
	}

	frame, err := protocol.EncodeFrom(protocol.EvUserDeafened, uid, protocol.UserDeafenedPayload{
		UserID:     uid,
		IsDeafened: p.IsDeafened,
	})
	if err != nil {
		return
	}
	ctl.Relay.BroadcastFrom(sid, core.Frame(frame))
}

func (ctl *Controller) handleSpeaking(sid core.SessionID, env protocol.Envelope) {
	var p protocol.SpeakingPayload
	if err := env.Bind(&p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad speaking payload")
		return
	}

	uid := ctl.Relay.Registry.GetOrCreateUser(sid).ID
	if err := ctl.Relay.UpdateMemberMeta(sid, func(m *domain.Participant) {
		m.IsSpeaking = p.IsSpeaking
		m.AudioLevel = p.AudioLevel
	}); err != nil {
		return
	}

	frame, err := protocol.EncodeFrom(protocol.EvUserSpeaking, uid, protocol.UserSpeakingPayload{
		UserID:     uid,
		IsSpeaking: p.IsSpeaking,
		AudioLevel: p.AudioLevel,
	})
	if err != nil {
		return
	}
	ctl.Relay.BroadcastFrom(sid, core.Frame(frame))
}

func (ctl *Controller) handleQuality(sid core.SessionID, env protocol.Envelope) {
	var p protocol.QualityPayload
	if err := env.Bind(&p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad quality payload")
		return
	}

	uid := ctl.Relay.Registry.GetOrCreateUser(sid).ID
	p.UserID = uid

	frame, err := protocol.EncodeFrom(protocol.EvQuality, uid, p)
	if err != nil {
		return
	}
	ctl.Relay.BroadcastFrom(sid, core.Frame(frame))
}
