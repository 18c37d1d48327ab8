package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
)

type connEntry struct {
	RoomID  domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry binds authenticated connections to users and, once joined, to
// a room's voice session. It replaces any ambient "am I connected" flags
// with one owned state object injected into handlers.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.SessionID]*connEntry
	users map[core.SessionID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[core.SessionID]*connEntry),
		users: make(map[core.SessionID]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) *domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[sid]; ok {
		return u
	}
	u := &domain.User{ID: domain.UserID(sid), DisplayName: "guest"}
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created new user")
	return u
}

func (r *Registry) UpdateDisplayName(sid core.SessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[sid]
	if !ok {
		return domain.ErrDisplayNameEmpty
	}
	if err := u.SetDisplayName(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("name", name).Msg("updated display name")
	return nil
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sid] = &connEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[sid]
	if !ok || entry.RoomID == "" {
		return "", nil, false
	}
	return entry.RoomID, entry.Session, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[sid]
	if !ok {
		return false
	}
	entry.RoomID = room
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[sid]; ok {
		entry.RoomID = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.conns[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
