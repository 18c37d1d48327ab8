package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soundline/voicemesh/internal/core"
)

// Capture is the capability interface over a capture device. The
// pipeline is its only owner: no other component may stop the device.
type Capture interface {
	// Start acquires the device and begins emitting fixed-size PCM
	// frames. core.ErrDeviceNotFound / core.ErrPermissionDenied are the
	// expected failure modes.
	Start(ctx context.Context, deviceID string) error
	Frames() <-chan []int16
	Stop()
}

// DeviceOpener resolves a device id to a raw PCM byte stream
// (16-bit little-endian at the configured rate), e.g. a pipe from the
// system recorder.
type DeviceOpener func(deviceID string) (io.ReadCloser, error)

// StreamCapture reads PCM from a DeviceOpener-provided stream and cuts
// it into frames, pacing them at the frame duration.
type StreamCapture struct {
	open       DeviceOpener
	sampleRate int
	channels   int
	frameDur   time.Duration

	mu     sync.Mutex
	src    io.ReadCloser
	frames chan []int16
	cancel context.CancelFunc
}

func NewStreamCapture(open DeviceOpener, sampleRate, channels int, frameDur time.Duration) *StreamCapture {
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	return &StreamCapture{
		open:       open,
		sampleRate: sampleRate,
		channels:   channels,
		frameDur:   frameDur,
	}
}

func (c *StreamCapture) Start(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src != nil {
		return fmt.Errorf("capture already started")
	}

	src, err := c.open(deviceID)
	if err != nil {
		return fmt.Errorf("open device %q: %w", deviceID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.src = src
	c.cancel = cancel
	c.frames = make(chan []int16, 8)

	samplesPerFrame := c.sampleRate * c.channels * int(c.frameDur/time.Millisecond) / 1000
	go c.readLoop(ctx, src, c.frames, samplesPerFrame)
	return nil
}

func (c *StreamCapture) readLoop(ctx context.Context, src io.ReadCloser, frames chan<- []int16, samplesPerFrame int) {
	defer close(frames)
	buf := make([]byte, samplesPerFrame*2)
	ticker := time.NewTicker(c.frameDur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := io.ReadFull(src, buf); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "audio.capture").Msg("capture read error")
			}
			return
		}
		frame := make([]int16, samplesPerFrame)
		for i := range frame {
			frame[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		select {
		case frames <- frame:
		default:
			// Consumer is behind; drop the frame rather than stall the
			// device reader.
		}
	}
}

func (c *StreamCapture) Frames() <-chan []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Stop releases the device. The frames channel closes once the read
// loop exits, so no dangling hardware handle survives a device switch.
func (c *StreamCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.src != nil {
		_ = c.src.Close()
		c.src = nil
	}
}

var _ Capture = (*StreamCapture)(nil)

// Permission and existence checks belong to the opener; its errors must
// wrap the shared taxonomy so callers can branch on them.
var (
	ErrPermissionDenied = core.ErrPermissionDenied
	ErrDeviceNotFound   = core.ErrDeviceNotFound
)
