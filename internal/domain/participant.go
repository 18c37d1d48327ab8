package domain

// ConnectionQuality is a coarse bucket derived from transport stats.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// Participant is one user currently in a voice session, including self.
// Each client keeps its own eventually-consistent copy of the full table;
// it is a mirror, not the authority.
type Participant struct {
	UserID      UserID            `json:"userId"`
	DisplayName string            `json:"displayName"`
	IsMuted     bool              `json:"isMuted"`
	IsDeafened  bool              `json:"isDeafened"`
	IsSpeaking  bool              `json:"isSpeaking"`
	AudioLevel  float64           `json:"audioLevel"`
	Quality     ConnectionQuality `json:"connectionQuality"`
	IsConnected bool              `json:"isConnected"`
}

func NewParticipant(user *User) *Participant {
	return &Participant{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Quality:     QualityGood,
	}
}

// LinkStats are transport-level measurements for one peer link.
type LinkStats struct {
	PacketsLost uint32
	JitterMs    float64
	RoundTripMs float64
}

// QualityOf maps raw stats onto the four user-facing buckets.
func QualityOf(s LinkStats) ConnectionQuality {
	switch {
	case s.RoundTripMs < 100 && s.PacketsLost == 0:
		return QualityExcellent
	case s.RoundTripMs < 250 && s.PacketsLost < 20:
		return QualityGood
	case s.RoundTripMs < 500:
		return QualityFair
	default:
		return QualityPoor
	}
}
