// Package capture authorizes screen capture and builds the live codecs of a
// recording session for the selected capture backend.
package capture

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/encoder"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypeX11Grab   BackendType = "x11grab"
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeAuto      BackendType = "auto"
)

// syntheticDisplay is reported when the synthetic backend has no override.
var syntheticDisplay = Size{Width: 1280, Height: 720}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Capture.Source) {
	case "synthetic":
		return BackendTypeSynthetic
	case "x11grab":
		return BackendTypeX11Grab
	}
	// auto: screen grabbing needs an X display and ffmpeg
	if x11Available() {
		return BackendTypeX11Grab
	}
	return BackendTypeSynthetic
}

func x11Available() bool {
	if os.Getenv("DISPLAY") == "" {
		return false
	}
	_, err := exec.LookPath(encoder.DefaultFFmpegBinary)
	return err == nil
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{}
	if x11Available() {
		backends = append(backends, BackendTypeX11Grab)
	}
	return append(backends, BackendTypeSynthetic)
}

// Platform is the capture side of a session: grant checks, display probing
// and codec construction for one configuration.
type Platform struct {
	cfg       *config.Config
	grants    *GrantStore
	clock     clock.WithTicker
	logWriter io.Writer
	backend   BackendType
	logger    *slog.Logger
}

type PlatformOption func(*Platform)

// WithClock paces synthetic codecs with clk.
func WithClock(clk clock.WithTicker) PlatformOption {
	return func(p *Platform) { p.clock = clk }
}

// WithLogWriter forwards ffmpeg diagnostics to w.
func WithLogWriter(w io.Writer) PlatformOption {
	return func(p *Platform) { p.logWriter = w }
}

func NewPlatform(cfg *config.Config, grants *GrantStore, opts ...PlatformOption) *Platform {
	p := &Platform{
		cfg:     cfg,
		grants:  grants,
		clock:   clock.RealClock{},
		backend: determineBackend(cfg),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = slog.With("component", "capture", "backend", string(p.backend))
	return p
}

func (p *Platform) Backend() BackendType {
	return p.backend
}

// Authorize validates a capture grant. Grants are not checked when the
// configuration disables them.
func (p *Platform) Authorize(grant string) error {
	if !p.cfg.GrantRequired() {
		return nil
	}
	if p.grants == nil {
		return &PermissionDeniedError{Reason: "no grant store configured"}
	}
	return p.grants.Validate(grant)
}

// DisplaySize returns the natural size of the captured display.
func (p *Platform) DisplaySize(ctx context.Context) (Size, error) {
	if p.cfg.Video.DisplayWidth > 0 && p.cfg.Video.DisplayHeight > 0 {
		return Size{Width: p.cfg.Video.DisplayWidth, Height: p.cfg.Video.DisplayHeight}, nil
	}
	if p.backend == BackendTypeSynthetic {
		return syntheticDisplay, nil
	}
	return ProbeDisplaySize(ctx, p.cfg.Video.Input)
}

// TargetSize applies the configured bound to the natural display size.
func (p *Platform) TargetSize(natural Size) Size {
	return TargetSize(natural, p.cfg.Video.MaxWidth, p.cfg.Video.MaxHeight)
}

func (p *Platform) VideoCodec(target Size) encoder.Codec {
	if p.backend == BackendTypeSynthetic {
		return encoder.NewSyntheticVideo(target.Width, target.Height, p.cfg.Video.FrameRate, p.clock)
	}
	return encoder.NewFFmpegVideo(encoder.VideoParams{
		Grabber:   p.cfg.Video.Grabber,
		Input:     p.cfg.Video.Input,
		Width:     target.Width,
		Height:    target.Height,
		FrameRate: p.cfg.Video.FrameRate,
		Bitrate:   p.cfg.Video.Bitrate,
		LogWriter: p.logWriter,
	})
}

// AudioCodec returns nil when audio capture is disabled.
func (p *Platform) AudioCodec() encoder.Codec {
	if !p.cfg.AudioEnabled() {
		return nil
	}
	if p.backend == BackendTypeSynthetic {
		return encoder.NewSyntheticAudio(p.cfg.Audio.SampleRate, p.cfg.Audio.Channels, p.clock)
	}
	if err := ValidateSource(p.cfg.Audio.Input); err != nil {
		// ffmpeg reports the definitive error when it opens the source
		p.logger.Warn("Audio source check failed", "source", p.cfg.Audio.Input, "error", err)
	}
	return encoder.NewFFmpegAudio(encoder.AudioParams{
		Grabber:    p.cfg.Audio.Grabber,
		Input:      p.cfg.Audio.Input,
		SampleRate: p.cfg.Audio.SampleRate,
		Channels:   p.cfg.Audio.Channels,
		Bitrate:    p.cfg.Audio.Bitrate,
		LogWriter:  p.logWriter,
	})
}
