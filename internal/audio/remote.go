package audio

import (
	"context"
	"io"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/domain"
)

const maxRemoteFrame = 5760 // 120ms at 48kHz

// Deafened reports whether incoming audio is currently silenced.
type Deafened func() bool

// MonitorRemoteTrack decodes one remote audio track, writes PCM to the
// playback sink and meters the remote level. Deafen drops playback only;
// the track keeps flowing so undeafen is instant.
func MonitorRemoteTrack(
	ctx context.Context,
	uid domain.UserID,
	track *webrtc.TrackRemote,
	playback io.Writer,
	sampleRate, channels int,
	deafened Deafened,
	onLevel func(domain.UserID, float64),
) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		log.Error().Err(err).Str("module", "audio.remote").Str("peer", string(uid)).Msg("opus decoder init failed")
		return
	}

	pcm := make([]int16, maxRemoteFrame*channels)
	out := make([]byte, 0, maxRemoteFrame*channels*2)
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if onLevel != nil {
				onLevel(uid, 0)
			}
			return
		}
		handleRemotePacket(uid, pkt, decoder, pcm, &out, playback, deafened, onLevel)
	}
}

func handleRemotePacket(
	uid domain.UserID,
	pkt *rtp.Packet,
	decoder *opus.Decoder,
	pcm []int16,
	out *[]byte,
	playback io.Writer,
	deafened Deafened,
	onLevel func(domain.UserID, float64),
) {
	if len(pkt.Payload) == 0 {
		return
	}
	n, err := decoder.Decode(pkt.Payload, pcm)
	if err != nil {
		log.Error().Err(err).Str("module", "audio.remote").Str("peer", string(uid)).Msg("opus decode failed")
		return
	}
	if n <= 0 {
		return
	}
	frame := pcm[:n]

	if onLevel != nil {
		onLevel(uid, Level(frame))
	}

	if playback == nil || (deafened != nil && deafened()) {
		return
	}
	buf := (*out)[:0]
	for _, s := range frame {
		buf = append(buf, byte(s), byte(s>>8))
	}
	*out = buf
	if _, err := playback.Write(buf); err != nil {
		log.Error().Err(err).Str("module", "audio.remote").Str("peer", string(uid)).Msg("playback write failed")
	}
}
