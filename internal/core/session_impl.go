package core

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

// sessionImpl is a threadsafe in-memory voice session.
// It never closes adapter-owned resources.
type sessionImpl struct {
	room      *domain.Room
	createdAt time.Time
	capacity  int

	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byUser map[domain.UserID]SessionID
}

func NewSessionService(room *domain.Room, capacity int) SessionService {
	return &sessionImpl{
		room:      room,
		createdAt: time.Now(),
		capacity:  capacity,
		bySID:     make(map[SessionID]MemberSession),
		byUser:    make(map[domain.UserID]SessionID),
	}
}

func (s *sessionImpl) Room() *domain.Room { return s.room }

func (s *sessionImpl) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySID)
}

func (s *sessionImpl) AddMember(sid SessionID, ms MemberSession) ([]protocol.ParticipantSummary, error) {
	u := ms.Meta().UserID
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.rosterLocked(u)
	if prev, ok := s.byUser[u]; ok {
		// Same user rejoining (reconnect): rebind the transport, keep
		// the membership. Not an error.
		delete(s.bySID, prev)
		s.bySID[sid] = ms
		s.byUser[u] = sid
		log.Info().Str("module", "core.session").Str("sid", string(sid)).Str("user", string(u)).Msg("member rebound")
		return prior, nil
	}
	if s.capacity > 0 && len(s.byUser) >= s.capacity {
		return nil, ErrCapacityExceeded
	}
	s.bySID[sid] = ms
	s.byUser[u] = sid
	log.Info().Str("module", "core.session").Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
	return prior, nil
}

func (s *sessionImpl) UpdateMember(sid SessionID, fn func(*domain.Participant)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.bySID[sid]
	if !ok {
		return false
	}
	fn(ms.Meta())
	return true
}

func (s *sessionImpl) RemoveMember(sid SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.bySID[sid]; ok {
		delete(s.byUser, ms.Meta().UserID)
	}
	delete(s.bySID, sid)
	log.Info().Str("module", "core.session").Str("sid", string(sid)).Msg("member removed")
}

func (s *sessionImpl) MemberByUser(uid domain.UserID) (MemberSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sid, ok := s.byUser[uid]
	if !ok {
		return nil, false
	}
	ms, ok := s.bySID[sid]
	return ms, ok
}

func (s *sessionImpl) Broadcast(from SessionID, data Frame) PublishResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range s.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.session").Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

var errNoSuchMember = errors.New("no such member")

func (s *sessionImpl) Unicast(to domain.UserID, data Frame) error {
	ms, ok := s.MemberByUser(to)
	if !ok {
		return errNoSuchMember
	}
	return ms.Signal().TrySend(data)
}

func (s *sessionImpl) Roster() []protocol.ParticipantSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosterLocked("")
}

// rosterLocked builds roster summaries, skipping the given user id.
// Callers hold s.mu.
func (s *sessionImpl) rosterLocked(skip domain.UserID) []protocol.ParticipantSummary {
	out := make([]protocol.ParticipantSummary, 0, len(s.bySID))
	for _, ms := range s.bySID {
		p := ms.Meta()
		if skip != "" && p.UserID == skip {
			continue
		}
		out = append(out, protocol.ParticipantSummary{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			IsMuted:     p.IsMuted,
			IsDeafened:  p.IsDeafened,
		})
	}
	return out
}
