package protocol

import (
	"github.com/pion/webrtc/v4"

	"github.com/soundline/voicemesh/internal/domain"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

type JoinPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

// ParticipantSummary is the roster entry returned on join.
type ParticipantSummary struct {
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
	IsMuted     bool          `json:"isMuted"`
	IsDeafened  bool          `json:"isDeafened"`
}

type JoinedPayload struct {
	RoomID       domain.RoomID        `json:"roomId"`
	Participants []ParticipantSummary `json:"participants"`
}

type LeavePayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

// SignalPayload carries SDP and ICE exchange between exactly two peers.
// Exactly one of Offer, Answer, Candidate is set, matching Kind.
type SignalPayload struct {
	To        domain.UserID              `json:"to,omitempty"`
	From      domain.UserID              `json:"from,omitempty"`
	Kind      SignalKind                 `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type MutePayload struct {
	RoomID  domain.RoomID `json:"roomId"`
	IsMuted bool          `json:"isMuted"`
}

type DeafenPayload struct {
	RoomID     domain.RoomID `json:"roomId"`
	IsDeafened bool          `json:"isDeafened"`
}

type SpeakingPayload struct {
	RoomID     domain.RoomID `json:"roomId"`
	IsSpeaking bool          `json:"isSpeaking"`
	AudioLevel float64       `json:"audioLevel"`
}

type UserJoinedPayload struct {
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
	IsMuted     bool          `json:"isMuted"`
	IsDeafened  bool          `json:"isDeafened"`
}

type UserLeftPayload struct {
	UserID domain.UserID `json:"userId"`
}

type UserMutedPayload struct {
	UserID  domain.UserID `json:"userId"`
	IsMuted bool          `json:"isMuted"`
}

type UserDeafenedPayload struct {
	UserID     domain.UserID `json:"userId"`
	IsDeafened bool          `json:"isDeafened"`
}

type UserSpeakingPayload struct {
	UserID     domain.UserID `json:"userId"`
	IsSpeaking bool          `json:"isSpeaking"`
	AudioLevel float64       `json:"audioLevel"`
}

type QualityPayload struct {
	UserID  domain.UserID            `json:"userId"`
	Quality domain.ConnectionQuality `json:"quality"`
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeRoomNotJoinable  = "room_not_joinable"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeBadPayload       = "bad_payload"
	CodeNotInSession     = "not_in_session"
	CodeUnknownPeer      = "unknown_peer"
	CodeRateLimited      = "rate_limited"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
