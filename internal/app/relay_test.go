package app

import (
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/protocol"
)

var errConnSaturated = errors.New("send queue full")

// fakeConn records delivered frames, decoded back into envelopes.
type fakeConn struct {
	mu       sync.Mutex
	frames   []protocol.Envelope
	failSend bool
	closed   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errConnSaturated
	}
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) received() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) receivedOfType(ev protocol.EventType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.received() {
		if env.Type == ev {
			out = append(out, env)
		}
	}
	return out
}

func newTestRelay(capacity int) *Relay {
	return &Relay{
		Registry:     NewRegistry(),
		Sessions:     NewSessionManager(capacity),
		Policy:       AllowAll{},
		Backpressure: SimplePolicy{},
	}
}

// bind registers a connected user the way the signal adapter does.
func bind(r *Relay, sid core.SessionID, name string) *fakeConn {
	conn := &fakeConn{}
	user := r.Registry.GetOrCreateUser(sid)
	user.DisplayName = name
	member := core.NewMemberSession(&domain.Participant{UserID: user.ID, DisplayName: name}, conn)
	r.Registry.BindSignal(sid, member, nil)
	return conn
}

func TestJoinReturnsRosterAndNotifiesMembers(t *testing.T) {
	r := newTestRelay(0)
	connA := bind(r, "sid-a", "alice")
	bind(r, "sid-b", "bob")

	roster, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	assert.Empty(t, roster, "first member sees nobody")

	roster, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, domain.UserID("sid-a"), roster[0].UserID)
	assert.Equal(t, "alice", roster[0].DisplayName)

	// The earlier member hears about the newcomer, not about itself.
	joined := connA.receivedOfType(protocol.EvUserJoined)
	require.Len(t, joined, 1)
	var p protocol.UserJoinedPayload
	require.NoError(t, joined[0].Bind(&p))
	assert.Equal(t, domain.UserID("sid-b"), p.UserID)
	assert.Equal(t, "bob", p.DisplayName)
}

func TestRepeatedJoinIsIdempotent(t *testing.T) {
	r := newTestRelay(0)
	connA := bind(r, "sid-a", "alice")
	bind(r, "sid-b", "bob")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)

	roster, err := r.Join("sid-b", "room-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, domain.UserID("sid-a"), roster[0].UserID)

	// No duplicate membership and no second join broadcast.
	sess, ok := r.Sessions.Get("room-1")
	require.True(t, ok)
	assert.Equal(t, 2, sess.MemberCount())
	assert.Len(t, connA.receivedOfType(protocol.EvUserJoined), 1)
}

func TestJoinCapacityExceeded(t *testing.T) {
	r := newTestRelay(2)
	bind(r, "sid-a", "alice")
	bind(r, "sid-b", "bob")
	bind(r, "sid-c", "carol")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)

	_, err = r.Join("sid-c", "room-1")
	require.ErrorIs(t, err, core.ErrCapacityExceeded)

	// The rejected join must not leave the session half-registered.
	_, _, inRoom := r.Registry.RoomOf("sid-c")
	assert.False(t, inRoom)
	sess, _ := r.Sessions.Get("room-1")
	assert.Equal(t, 2, sess.MemberCount())
}

func TestJoinDifferentRoomLeavesOldOne(t *testing.T) {
	r := newTestRelay(0)
	connA := bind(r, "sid-a", "alice")
	bind(r, "sid-b", "bob")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)

	_, err = r.Join("sid-b", "room-2")
	require.NoError(t, err)

	left := connA.receivedOfType(protocol.EvUserLeft)
	require.Len(t, left, 1)
	var p protocol.UserLeftPayload
	require.NoError(t, left[0].Bind(&p))
	assert.Equal(t, domain.UserID("sid-b"), p.UserID)

	room, _, ok := r.Registry.RoomOf("sid-b")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("room-2"), room)
}

func TestDisconnectSynthesizesLeave(t *testing.T) {
	r := newTestRelay(0)
	connA := bind(r, "sid-a", "alice")
	bind(r, "sid-b", "bob")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)

	r.OnDisconnect("sid-b")

	left := connA.receivedOfType(protocol.EvUserLeft)
	require.Len(t, left, 1)
	_, ok := r.Registry.GetSession("sid-b")
	assert.False(t, ok)
	sess, _ := r.Sessions.Get("room-1")
	assert.Equal(t, 1, sess.MemberCount())
}

func TestSessionDestroyedWhenEmpty(t *testing.T) {
	r := newTestRelay(0)
	bind(r, "sid-a", "alice")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, ok := r.Sessions.Get("room-1")
	require.True(t, ok)

	r.Leave("sid-a")
	_, ok = r.Sessions.Get("room-1")
	assert.False(t, ok)
	assert.Empty(t, r.Sessions.List())
}

func TestUnicastReachesOnlyTarget(t *testing.T) {
	r := newTestRelay(0)
	bind(r, "sid-a", "alice")
	connB := bind(r, "sid-b", "bob")
	connC := bind(r, "sid-c", "carol")

	for _, sid := range []core.SessionID{"sid-a", "sid-b", "sid-c"} {
		_, err := r.Join(sid, "room-1")
		require.NoError(t, err)
	}

	frame, err := protocol.EncodeFrom(protocol.EvSignal, "sid-a", protocol.SignalPayload{
		Kind: protocol.SignalOffer,
	})
	require.NoError(t, err)
	require.NoError(t, r.UnicastFrom("sid-a", "sid-b", core.Frame(frame)))

	assert.Len(t, connB.receivedOfType(protocol.EvSignal), 1)
	assert.Empty(t, connC.receivedOfType(protocol.EvSignal))
}

func TestBroadcastPreservesSendOrder(t *testing.T) {
	r := newTestRelay(0)
	bind(r, "sid-a", "alice")
	connB := bind(r, "sid-b", "bob")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)

	for _, speaking := range []bool{true, false, true} {
		frame, err := protocol.EncodeFrom(protocol.EvUserSpeaking, "sid-a", protocol.UserSpeakingPayload{
			UserID:     "sid-a",
			IsSpeaking: speaking,
		})
		require.NoError(t, err)
		r.BroadcastFrom("sid-a", core.Frame(frame))
	}

	got := connB.receivedOfType(protocol.EvUserSpeaking)
	require.Len(t, got, 3)
	for i, want := range []bool{true, false, true} {
		var p protocol.UserSpeakingPayload
		require.NoError(t, got[i].Bind(&p))
		assert.Equal(t, want, p.IsSpeaking)
	}
}

func TestSlowMemberIsKicked(t *testing.T) {
	r := newTestRelay(0)
	bind(r, "sid-a", "alice")
	connB := bind(r, "sid-b", "bob")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	_, err = r.Join("sid-b", "room-1")
	require.NoError(t, err)

	connB.mu.Lock()
	connB.failSend = true
	connB.mu.Unlock()

	frame, err := protocol.EncodeFrom(protocol.EvUserSpeaking, "sid-a", protocol.UserSpeakingPayload{UserID: "sid-a"})
	require.NoError(t, err)
	r.BroadcastFrom("sid-a", core.Frame(frame))

	sess, ok := r.Sessions.Get("room-1")
	require.True(t, ok)
	assert.Equal(t, 1, sess.MemberCount())
	_, stillIn := sess.MemberByUser("sid-b")
	assert.False(t, stillIn)
}

// Two users joining an empty room at once must not both see an empty
// roster; the joiner-offers rule would leave neither side offering and
// the mesh never forms.
func TestConcurrentFirstJoins(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := newTestRelay(0)
		bind(r, "sid-a", "alice")
		bind(r, "sid-b", "bob")

		rosters := make([]int, 2)
		var wg sync.WaitGroup
		for i, sid := range []core.SessionID{"sid-a", "sid-b"} {
			wg.Add(1)
			go func(i int, sid core.SessionID) {
				defer wg.Done()
				roster, err := r.Join(sid, "room-1")
				assert.NoError(t, err)
				rosters[i] = len(roster)
			}(i, sid)
		}
		wg.Wait()

		sort.Ints(rosters)
		require.Equal(t, []int{0, 1}, rosters, "exactly one joiner may see an empty room")
	}
}

func TestUpdateMemberMetaVisibleToLaterJoiners(t *testing.T) {
	r := newTestRelay(0)
	bind(r, "sid-a", "alice")
	bind(r, "sid-b", "bob")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	require.NoError(t, r.UpdateMemberMeta("sid-a", func(m *domain.Participant) { m.IsMuted = true }))

	roster, err := r.Join("sid-b", "room-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.True(t, roster[0].IsMuted)
}

func TestUpdateMemberMetaRequiresSession(t *testing.T) {
	r := newTestRelay(0)
	bind(r, "sid-a", "alice")

	// Connected but not joined anywhere.
	err := r.UpdateMemberMeta("sid-a", func(m *domain.Participant) { m.IsMuted = true })
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestJoinRateLimited(t *testing.T) {
	r := newTestRelay(0)
	r.Limiter = NewJoinRateLimiter(2, time.Minute)
	bind(r, "sid-a", "alice")

	_, err := r.Join("sid-a", "room-1")
	require.NoError(t, err)
	r.Leave("sid-a")
	_, err = r.Join("sid-a", "room-1")
	require.NoError(t, err)
	r.Leave("sid-a")

	_, err = r.Join("sid-a", "room-1")
	require.ErrorIs(t, err, ErrRateLimited)
}
