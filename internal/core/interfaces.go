package core

import (
	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

// Frame is a raw wire payload (an encoded signaling envelope).
type Frame []byte

type SessionID string

// SignalConnection abstracts the messaging transport of one connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds a participant and its transport endpoint.
// This is what a voice session stores and fans out to.
type MemberSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SentTo  int
	Dropped []MemberSession
}

// SessionService is the core-facing API of one room's voice session.
// It owns the membership set but never touches transport resources.
// All mutations for a room go through this single object, so two
// concurrent joins cannot both believe they are first.
type SessionService interface {
	Room() *domain.Room
	MemberCount() int
	Roster() []protocol.ParticipantSummary

	// AddMember admits a session and returns the roster as it stood
	// before the insert, read and inserted under one lock: two
	// concurrent first joiners cannot both see an empty roster, which
	// would leave neither side offering. Re-adding the same user is not
	// an error; the existing membership is kept (reconnect-safe).
	AddMember(sid SessionID, ms MemberSession) ([]protocol.ParticipantSummary, error)
	RemoveMember(sid SessionID)
	MemberByUser(uid domain.UserID) (MemberSession, bool)

	// UpdateMember mutates the member's participant state under the
	// same lock Roster readers take. Reports whether sid is a member.
	UpdateMember(sid SessionID, fn func(*domain.Participant)) bool

	Broadcast(from SessionID, data Frame) PublishResult
	Unicast(to domain.UserID, data Frame) error
}

type SessionInfo struct {
	RoomID      domain.RoomID `json:"roomId"`
	MemberCount int           `json:"memberCount"`
}

// SessionRegistry creates and destroys per-room voice sessions.
type SessionRegistry interface {
	GetOrCreate(id domain.RoomID) SessionService
	Get(id domain.RoomID) (SessionService, bool)
	List() []SessionInfo
	// DropIfEmpty destroys the session when its roster is empty.
	DropIfEmpty(id domain.RoomID)
}
