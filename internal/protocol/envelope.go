// Package protocol defines the signaling wire format: a closed set of
// voice:* events carried in one envelope shape. Both the relay server and
// the mesh client speak this format, so shapes here must stay stable.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/soundline/voicemesh/internal/domain"
)

type EventType string

const (
	// Client → relay.
	EvJoin     EventType = "voice:join"
	EvLeave    EventType = "voice:leave"
	EvSignal   EventType = "voice:signal"
	EvMute     EventType = "voice:mute"
	EvUnmute   EventType = "voice:unmute"
	EvDeafen   EventType = "voice:deafen"
	EvUndeafen EventType = "voice:undeafen"
	EvSpeaking EventType = "voice:speaking"
	EvQuality  EventType = "voice:connection_quality"

	// Relay → client.
	EvJoined       EventType = "voice:joined"
	EvLeft         EventType = "voice:left"
	EvUserJoined   EventType = "voice:user_joined"
	EvUserLeft     EventType = "voice:user_left"
	EvUserMuted    EventType = "voice:user_muted"
	EvUserDeafened EventType = "voice:user_deafened"
	EvUserSpeaking EventType = "voice:user_speaking"
	EvError        EventType = "voice:error"
)

// Envelope is the wire unit. To is empty for room-scoped broadcast.
// Payload shape depends on Type.
type Envelope struct {
	Type      EventType       `json:"type"`
	From      domain.UserID   `json:"from,omitempty"`
	To        domain.UserID   `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode builds an envelope frame with the current timestamp.
func Encode(ev EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev, err)
	}
	env := Envelope{
		Type:      ev,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	return json.Marshal(env)
}

// EncodeFrom is Encode with the sender id stamped on the envelope.
func EncodeFrom(ev EventType, from domain.UserID, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev, err)
	}
	env := Envelope{
		Type:      ev,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Bind unmarshals the envelope payload into a typed payload struct.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("bind %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("bind %s payload: %w", e.Type, err)
	}
	return nil
}
