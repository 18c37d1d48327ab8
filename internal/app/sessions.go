package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
)

// SessionManager implements core.SessionRegistry: one voice session per
// room, created on first join and destroyed when the roster empties.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[domain.RoomID]core.SessionService
	capacity int
}

func NewSessionManager(capacity int) *SessionManager {
	return &SessionManager{
		sessions: make(map[domain.RoomID]core.SessionService),
		capacity: capacity,
	}
}

func (m *SessionManager) GetOrCreate(id domain.RoomID) core.SessionService {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok = m.sessions[id]; ok {
		return sess
	}
	sess = core.NewSessionService(&domain.Room{ID: id}, m.capacity)
	m.sessions[id] = sess
	log.Info().Str("module", "app.sessions").Str("room", string(id)).Msg("voice session created")
	return sess
}

func (m *SessionManager) Get(id domain.RoomID) (core.SessionService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *SessionManager) List() []core.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, core.SessionInfo{RoomID: id, MemberCount: s.MemberCount()})
	}
	return out
}

func (m *SessionManager) DropIfEmpty(id domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok && sess.MemberCount() == 0 {
		delete(m.sessions, id)
		log.Info().Str("module", "app.sessions").Str("room", string(id)).Msg("voice session destroyed")
	}
}
