package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityOf(t *testing.T) {
	cases := []struct {
		name  string
		stats LinkStats
		want  ConnectionQuality
	}{
		{"pristine", LinkStats{RoundTripMs: 40}, QualityExcellent},
		{"low rtt with loss", LinkStats{RoundTripMs: 40, PacketsLost: 3}, QualityGood},
		{"medium rtt", LinkStats{RoundTripMs: 200, PacketsLost: 10}, QualityGood},
		{"lossy", LinkStats{RoundTripMs: 200, PacketsLost: 50}, QualityFair},
		{"high rtt", LinkStats{RoundTripMs: 400}, QualityFair},
		{"unusable", LinkStats{RoundTripMs: 800, PacketsLost: 100}, QualityPoor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, QualityOf(tc.stats))
		})
	}
}

func TestUserDisplayNameValidation(t *testing.T) {
	_, err := NewUser("")
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NewUser(strings.Repeat("x", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)

	u, err := NewUser("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	assert.ErrorIs(t, u.SetDisplayName(""), ErrDisplayNameEmpty)
	require.NoError(t, u.SetDisplayName("alice2"))
	assert.Equal(t, "alice2", u.DisplayName)
}

func TestNewParticipantDefaults(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)
	p := NewParticipant(u)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, QualityGood, p.Quality)
	assert.False(t, p.IsMuted)
}
