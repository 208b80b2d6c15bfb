package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/encoder"
)

func syntheticConfig() *config.Config {
	cfg := config.Default()
	cfg.Capture.Source = "synthetic"
	return cfg
}

func TestDetermineBackend(t *testing.T) {
	cfg := config.Default()

	cfg.Capture.Source = "synthetic"
	assert.Equal(t, BackendTypeSynthetic, determineBackend(cfg))

	cfg.Capture.Source = "X11Grab"
	assert.Equal(t, BackendTypeX11Grab, determineBackend(cfg))

	t.Setenv("DISPLAY", "")
	cfg.Capture.Source = "auto"
	assert.Equal(t, BackendTypeSynthetic, determineBackend(cfg))
	assert.Contains(t, GetAvailableBackends(), BackendTypeSynthetic)
}

func TestPlatformAuthorize(t *testing.T) {
	store, _ := newTestGrantStore(t)
	p := NewPlatform(syntheticConfig(), store)

	var denied *PermissionDeniedError
	assert.ErrorAs(t, p.Authorize(""), &denied)

	g, err := store.Issue(time.Hour)
	require.NoError(t, err)
	assert.NoError(t, p.Authorize(g.Token))

	cfg := syntheticConfig()
	off := false
	cfg.Capture.RequireGrant = &off
	assert.NoError(t, NewPlatform(cfg, nil).Authorize(""))
}

func TestPlatformDisplaySize(t *testing.T) {
	cfg := syntheticConfig()
	p := NewPlatform(cfg, nil)
	size, err := p.DisplaySize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syntheticDisplay, size)

	cfg.Video.DisplayWidth, cfg.Video.DisplayHeight = 1920, 1200
	size, err = p.DisplaySize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Size{1920, 1200}, size)
	assert.Equal(t, Size{1728, 1080}, p.TargetSize(size))
}

func TestPlatformCodecs(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	cfg := syntheticConfig()
	p := NewPlatform(cfg, nil, WithClock(clk))

	assert.IsType(t, &encoder.SyntheticVideo{}, p.VideoCodec(Size{1280, 720}))
	assert.IsType(t, &encoder.SyntheticAudio{}, p.AudioCodec())

	off := false
	cfg.Audio.Enabled = &off
	assert.Nil(t, p.AudioCodec())

	cfg.Capture.Source = "x11grab"
	x11 := NewPlatform(cfg, nil)
	assert.IsType(t, &encoder.FFmpegVideo{}, x11.VideoCodec(Size{1728, 1080}))
}
