package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/soundline/voicemesh/internal/adapters/rtc"
	"github.com/soundline/voicemesh/internal/audio"
	"github.com/soundline/voicemesh/internal/config"
	"github.com/soundline/voicemesh/internal/core"
	"github.com/soundline/voicemesh/internal/domain"
	"github.com/soundline/voicemesh/internal/mesh"
)

var (
	flagRoom   string
	flagName   string
	flagDevice string
	flagRelay  string
	flagMuted  bool
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:   "voicemesh-client",
		Short: "Mesh voice client for the voicemesh relay",
	}

	join := &cobra.Command{
		Use:   "join",
		Short: "Join a room's voice session",
		RunE:  runJoin,
	}
	join.Flags().StringVar(&flagRoom, "room", "main", "room to join")
	join.Flags().StringVar(&flagName, "name", "", "display name")
	join.Flags().StringVar(&flagDevice, "device", "-", "capture device: path to a raw PCM stream, '-' for stdin")
	join.Flags().StringVar(&flagRelay, "relay", "", "relay websocket URL (overrides config)")
	join.Flags().BoolVar(&flagMuted, "muted", false, "join muted")
	root.AddCommand(join)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openDevice(deviceID string) (io.ReadCloser, error) {
	if deviceID == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(deviceID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrDeviceNotFound
		}
		if os.IsPermission(err) {
			return nil, core.ErrPermissionDenied
		}
		return nil, err
	}
	return f, nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ccfg := cfg.Client
	if flagRelay != "" {
		ccfg.RelayURL = flagRelay
	}

	// The client token doubles as the user id server-side, so a stable
	// cookie keeps identity across reconnects.
	token := uuid.NewString()
	header := http.Header{}
	header.Set("Cookie", "ct="+token)
	if flagName != "" {
		u, err := url.Parse(ccfg.RelayURL)
		if err != nil {
			return err
		}
		q := u.Query()
		q.Set("name", flagName)
		u.RawQuery = q.Encode()
		ccfg.RelayURL = u.String()
	}

	relay := mesh.DialRelay(ctx, ccfg.RelayURL, ccfg.SendQueue, header)
	defer relay.Close()

	self := &domain.Participant{
		UserID:      domain.UserID(token),
		DisplayName: flagName,
		IsMuted:     flagMuted,
		Quality:     domain.QualityGood,
	}

	// Remote tracks are decoded and written to stdout as raw PCM so the
	// output can be piped into a system player. Deafen drops playback
	// without touching the tracks.
	var session *mesh.Session
	session = mesh.NewSession(mesh.Options{
		Self:               self,
		Relay:              relay,
		NewTransport:       rtc.Factory(ccfg.ICEServers),
		NegotiationTimeout: ccfg.NegotiationTimeout,
		DisconnectGrace:    ccfg.DisconnectGrace,
		OnRemoteTrack: func(uid domain.UserID, track *webrtc.TrackRemote) {
			go audio.MonitorRemoteTrack(
				ctx, uid, track, os.Stdout,
				ccfg.Audio.SampleRate, ccfg.Audio.Channels,
				func() bool { return session.Roster().Self().IsDeafened },
				nil,
			)
		},
	})

	pipeline := audio.NewPipeline(audio.PipelineOptions{
		SampleRate:        ccfg.Audio.SampleRate,
		Channels:          ccfg.Audio.Channels,
		SpeakingThreshold: ccfg.SpeakingThreshold,
		ActivationDelay:   ccfg.ActivationDelay,
		StopDelay:         ccfg.StopDelay,
		Capture: audio.NewStreamCapture(
			openDevice, ccfg.Audio.SampleRate, ccfg.Audio.Channels, 20*time.Millisecond,
		),
		Preference: &domain.DevicePreference{},
		OnSpeaking: session.PublishSpeaking,
		OnTrack: func(track webrtc.TrackLocal) {
			session.ReplaceLocalTrack(track)
		},
	})

	// The session loop outlives ctx so the leave below still goes out on
	// SIGINT; Stop ends it.
	go session.Run(context.Background())

	if err := pipeline.Start(ctx, flagDevice); err != nil {
		if errors.Is(err, core.ErrPermissionDenied) {
			log.Warn().Err(err).Msg("capture denied, joining listen-only")
			session.SetMuted(true)
		} else {
			log.Error().Err(err).Msg("audio pipeline start failed")
			session.SetMuted(true)
		}
	} else {
		pipeline.SetMuted(flagMuted)
		defer pipeline.Stop()
	}

	session.Join(domain.RoomID(flagRoom))
	log.Info().Str("room", flagRoom).Msg("joining voice session")

	<-ctx.Done()
	session.Leave()
	session.Stop()
	return nil
}
