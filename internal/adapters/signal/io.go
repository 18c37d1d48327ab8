package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Relay.OnDisconnect(sid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.dispatch(sid, c, data)
		}
	}
}

func (ctl *Controller) dispatch(sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
		ctl.sendError(c, protocol.CodeBadPayload, err.Error())
		return
	}

	switch env.Type {
	case protocol.EvJoin:
		ctl.handleJoin(sid, c, env)
	case protocol.EvLeave:
		ctl.handleLeave(sid, c)
	case protocol.EvSignal:
		ctl.handlePeerSignal(sid, c, env)
	case protocol.EvMute, protocol.EvUnmute:
		ctl.handleMute(sid, c, env)
	case protocol.EvDeafen, protocol.EvUndeafen:
		ctl.handleDeafen(sid, c, env)
	case protocol.EvSpeaking:
		ctl.handleSpeaking(sid, env)
	case protocol.EvQuality:
		ctl.handleQuality(sid, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

func (ctl *Controller) sendEnvelope(c *WsSignalConn, ev protocol.EventType, payload any) {
	b, err := protocol.Encode(ev, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode envelope")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *WsSignalConn, code, message string) {
	ctl.sendEnvelope(c, protocol.EvError, protocol.ErrorPayload{Code: code, Message: message})
}
