package mesh

import (
	"sync"

	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

// Roster is the local participant table: self plus an eventually
// consistent mirror of every other session member. Local actions are
// applied optimistically before being broadcast; remote envelopes update
// only the named participant and never self, so stale remote data cannot
// override local intent.
type Roster struct {
	mu      sync.RWMutex
	self    *domain.Participant
	remotes map[domain.UserID]*domain.Participant
}

func NewRoster(self *domain.Participant) *Roster {
	self.IsConnected = true
	return &Roster{
		self:    self,
		remotes: make(map[domain.UserID]*domain.Participant),
	}
}

func (r *Roster) Self() domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.self
}

func (r *Roster) SelfID() domain.UserID {
	return r.self.UserID
}

func (r *Roster) Get(uid domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if uid == r.self.UserID {
		return *r.self, true
	}
	p, ok := r.remotes[uid]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Snapshot returns self plus all remotes.
func (r *Roster) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.remotes)+1)
	out = append(out, *r.self)
	for _, p := range r.remotes {
		out = append(out, *p)
	}
	return out
}

func (r *Roster) RemoteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remotes)
}

// UpsertRemote creates or refreshes a remote entry from a roster summary.
func (r *Roster) UpsertRemote(s protocol.ParticipantSummary) {
	if s.UserID == r.self.UserID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.remotes[s.UserID]
	if !ok {
		p = &domain.Participant{UserID: s.UserID, Quality: domain.QualityGood}
		r.remotes[s.UserID] = p
	}
	p.DisplayName = s.DisplayName
	p.IsMuted = s.IsMuted
	p.IsDeafened = s.IsDeafened
}

func (r *Roster) Remove(uid domain.UserID) {
	if uid == r.self.UserID {
		return
	}
	r.mu.Lock()
	delete(r.remotes, uid)
	r.mu.Unlock()
}

// Clear drops every remote entry. Self survives a leave.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.remotes = make(map[domain.UserID]*domain.Participant)
	r.mu.Unlock()
}

// SetSelfMuted applies local intent; the caller broadcasts it.
func (r *Roster) SetSelfMuted(muted bool) {
	r.mu.Lock()
	r.self.IsMuted = muted
	r.mu.Unlock()
}

func (r *Roster) SetSelfDeafened(deafened bool) {
	r.mu.Lock()
	r.self.IsDeafened = deafened
	r.mu.Unlock()
}

func (r *Roster) SetSelfSpeaking(speaking bool, level float64) {
	r.mu.Lock()
	r.self.IsSpeaking = speaking
	r.self.AudioLevel = level
	r.mu.Unlock()
}

func (r *Roster) applyRemote(uid domain.UserID, fn func(*domain.Participant)) {
	if uid == r.self.UserID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.remotes[uid]
	if !ok {
		return
	}
	fn(p)
}

func (r *Roster) SetRemoteMuted(uid domain.UserID, muted bool) {
	r.applyRemote(uid, func(p *domain.Participant) { p.IsMuted = muted })
}

func (r *Roster) SetRemoteDeafened(uid domain.UserID, deafened bool) {
	r.applyRemote(uid, func(p *domain.Participant) { p.IsDeafened = deafened })
}

func (r *Roster) SetRemoteSpeaking(uid domain.UserID, speaking bool, level float64) {
	r.applyRemote(uid, func(p *domain.Participant) {
		p.IsSpeaking = speaking
		p.AudioLevel = level
	})
}

func (r *Roster) SetRemoteQuality(uid domain.UserID, q domain.ConnectionQuality) {
	r.applyRemote(uid, func(p *domain.Participant) { p.Quality = q })
}

func (r *Roster) SetRemoteConnected(uid domain.UserID, connected bool) {
	r.applyRemote(uid, func(p *domain.Participant) {
		p.IsConnected = connected
		if !connected {
			p.IsSpeaking = false
			p.AudioLevel = 0
		}
	})
}
