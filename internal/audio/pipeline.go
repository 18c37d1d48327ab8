package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/domain"
)

// PipelineOptions tunes the local audio pipeline.
type PipelineOptions struct {
	SampleRate int
	Channels   int

	SpeakingThreshold float64
	ActivationDelay   time.Duration
	StopDelay         time.Duration

	Capture    Capture
	Preference *domain.DevicePreference

	// OnSpeaking fires on speaking edges with the current level.
	OnSpeaking func(speaking bool, level float64)
	// OnTrack fires whenever a fresh outbound track is created (start
	// and every device switch); the session rewires links with it.
	OnTrack func(webrtc.TrackLocal)
}

// Pipeline owns the capture device, meters its level, derives the
// speaking signal and feeds encoded audio into the outbound track. It
// lends the track to peer links by reference; nobody else may stop the
// device.
type Pipeline struct {
	opts     PipelineOptions
	detector *SpeakingDetector

	mu      sync.Mutex
	track   *webrtc.TrackLocalStaticSample
	encoder *opus.Encoder
	muted   bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.SpeakingThreshold <= 0 {
		opts.SpeakingThreshold = 0.1
	}
	if opts.ActivationDelay <= 0 {
		opts.ActivationDelay = 100 * time.Millisecond
	}
	if opts.StopDelay <= 0 {
		opts.StopDelay = 500 * time.Millisecond
	}
	return &Pipeline{
		opts:     opts,
		detector: NewSpeakingDetector(opts.SpeakingThreshold, opts.ActivationDelay, opts.StopDelay),
	}
}

// Track returns the current outbound track, nil before Start.
func (p *Pipeline) Track() webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return nil
	}
	return p.track
}

func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Start acquires the device and begins the meter/encode loop. A
// PermissionDenied from the capture is surfaced to the caller, which may
// continue the session listen-only.
func (p *Pipeline) Start(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}

	track, encoder, err := p.newTrack()
	if err != nil {
		p.mu.Unlock()
		return err
	}

	if err := p.opts.Capture.Start(ctx, deviceID); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.track = track
	p.encoder = encoder
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	frames := p.opts.Capture.Frames()
	done := p.done
	p.mu.Unlock()

	if p.opts.Preference != nil {
		p.opts.Preference.SetInputID(deviceID)
	}
	if p.opts.OnTrack != nil {
		p.opts.OnTrack(track)
	}

	go p.loop(ctx, frames, done)
	return nil
}

func (p *Pipeline) newTrack() (*webrtc.TrackLocalStaticSample, *opus.Encoder, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicemesh-"+uuid.NewString(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new local track: %w", err)
	}
	encoder, err := opus.NewEncoder(p.opts.SampleRate, p.opts.Channels, opus.AppVoIP)
	if err != nil {
		return nil, nil, fmt.Errorf("new opus encoder: %w", err)
	}
	return track, encoder, nil
}

func (p *Pipeline) loop(ctx context.Context, frames <-chan []int16, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4000)
	frameDur := 20 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			level := Level(frame)
			speaking, changed := p.detector.Update(level)
			if changed && p.opts.OnSpeaking != nil {
				p.opts.OnSpeaking(speaking, level)
			}

			p.mu.Lock()
			muted := p.muted
			track := p.track
			encoder := p.encoder
			p.mu.Unlock()
			if muted || track == nil {
				continue
			}

			n, err := encoder.Encode(frame, buf)
			if err != nil {
				log.Error().Err(err).Str("module", "audio.pipeline").Msg("opus encode")
				continue
			}
			if err := track.WriteSample(media.Sample{Data: buf[:n], Duration: frameDur}); err != nil {
				log.Error().Err(err).Str("module", "audio.pipeline").Msg("track write")
			}
		}
	}
}

// SwitchDevice stops the current capture cleanly, acquires the new
// device and publishes a fresh track through OnTrack. The speaking
// detector is reset so the old device's tail cannot leak a stale signal.
func (p *Pipeline) SwitchDevice(ctx context.Context, deviceID string) error {
	p.stopLocked()
	p.detector.Reset()
	if p.opts.OnSpeaking != nil {
		p.opts.OnSpeaking(false, 0)
	}
	return p.Start(ctx, deviceID)
}

// Stop releases the device and the track.
func (p *Pipeline) Stop() {
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.track = nil
	p.encoder = nil
	p.mu.Unlock()

	cancel()
	p.opts.Capture.Stop()
	<-done
	log.Info().Str("module", "audio.pipeline").Msg("capture stopped")
}
