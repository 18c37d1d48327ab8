package app

import (
	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
)

// JoinPolicy is the room membership authority. The relay asks it before
// admitting a connection to a room's voice session.
type JoinPolicy interface {
	CanJoin(user *domain.User, room domain.RoomID) bool
}

// AllowAll admits everyone; deployments plug their own authority here.
type AllowAll struct{}

func (AllowAll) CanJoin(*domain.User, domain.RoomID) bool { return true }

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// BackpressurePolicy decides what to do with members whose signal
// connections cannot keep up with fan-out.
type BackpressurePolicy interface {
	OnBackPressure(sess core.SessionService, member core.MemberSession) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.SessionService, core.MemberSession) BackpressureAction {
	return KickMember
}
