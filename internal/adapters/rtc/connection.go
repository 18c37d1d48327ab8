package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/mesh"
)

// Connection binds mesh.PeerTransport to a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	cancel context.CancelFunc

	mu     sync.Mutex
	sender *webrtc.RTPSender

	onICE   func(webrtc.ICECandidateInit)
	onState func(mesh.TransportState)
	onTrack func(*webrtc.TrackRemote)
}

func ConfigFor(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func NewConnection(cfg webrtc.Configuration, remote domain.UserID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remote: remote}, nil
}

// Factory returns a mesh.TransportFactory over this package.
func Factory(iceServers []string) mesh.TransportFactory {
	cfg := ConfigFor(iceServers)
	return func(remote domain.UserID) (mesh.PeerTransport, error) {
		return NewConnection(cfg, remote)
	}
}

func (c *Connection) Start(ctx context.Context) error {
	_, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		if c.onState != nil {
			c.onState(mapState(s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track received")
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})

	return nil
}

func mapState(s webrtc.PeerConnectionState) mesh.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return mesh.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return mesh.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return mesh.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return mesh.TransportClosed
	default:
		return mesh.TransportConnecting
	}
}

func (c *Connection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	// Trickle ICE: candidates follow via OnICECandidate.
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
	return nil
}

func (c *Connection) ReplaceTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return c.AddLocalTrack(track)
	}
	return sender.ReplaceTrack(track)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.onICE = fn
}

func (c *Connection) OnStateChange(fn func(mesh.TransportState)) {
	c.onState = fn
}

func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.onTrack = fn
}

func (c *Connection) Stats() domain.LinkStats {
	var out domain.LinkStats
	report := c.pc.GetStats()
	for _, v := range report {
		switch s := v.(type) {
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RoundTripMs = s.CurrentRoundTripTime * 1000
			}
		case webrtc.InboundRTPStreamStats:
			out.PacketsLost = uint32(s.PacketsLost)
			out.JitterMs = s.Jitter * 1000
		}
	}
	return out
}

func (c *Connection) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.remote)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("peer", string(c.remote)).Msg("closed")
		}
	}
}
