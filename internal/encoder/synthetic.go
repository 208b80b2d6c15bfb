package encoder

import (
	"context"
	"io"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// Parameter sets and slices of a tiny Baseline stream. The synthetic codecs
// emit them in a loop so the whole pipeline can run without a display or a
// sound server.
var (
	syntheticSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	syntheticPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	syntheticIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	syntheticPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
	syntheticAUD    = []byte{0x09, 0xf0}

	syntheticAACFrame = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
)

// tickerSource paces a synthetic codec in real (or fake) time.
type tickerSource struct {
	clock    clock.WithTicker
	interval time.Duration

	mu      sync.Mutex
	ticker  clock.Ticker
	stop    chan struct{}
	stopped sync.Once
}

func (t *tickerSource) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.clock == nil {
		t.clock = clock.RealClock{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticker = t.clock.NewTicker(t.interval)
	t.stop = make(chan struct{})
	return nil
}

func (t *tickerSource) wait() error {
	t.mu.Lock()
	ticker, stop := t.ticker, t.stop
	t.mu.Unlock()
	if ticker == nil {
		return io.EOF
	}
	select {
	case <-stop:
		return io.EOF
	default:
	}
	select {
	case <-stop:
		return io.EOF
	case <-ticker.C():
		return nil
	}
}

func (t *tickerSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticker == nil {
		return nil
	}
	t.stopped.Do(func() {
		t.ticker.Stop()
		close(t.stop)
	})
	return nil
}

// SyntheticVideo produces a keyframe every GOP frames. Like a hardware
// encoder its format is only known once the first frame was produced.
type SyntheticVideo struct {
	tickerSource
	width, height, frameRate, gop int

	frames int
	known  bool
}

func NewSyntheticVideo(width, height, frameRate int, clk clock.WithTicker) *SyntheticVideo {
	if frameRate <= 0 {
		frameRate = 15
	}
	return &SyntheticVideo{
		tickerSource: tickerSource{clock: clk, interval: time.Second / time.Duration(frameRate)},
		width:        width &^ 1,
		height:       height &^ 1,
		frameRate:    frameRate,
		gop:          frameRate,
	}
}

func (v *SyntheticVideo) Open(ctx context.Context) error {
	return v.open(ctx)
}

func (v *SyntheticVideo) Format() (media.Format, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.known {
		return media.Format{}, false
	}
	return media.Format{
		Type:      media.StreamVideo,
		Codec:     media.CodecH264,
		Width:     v.width,
		Height:    v.height,
		FrameRate: v.frameRate,
		SPS:       syntheticSPS,
		PPS:       syntheticPPS,
	}, true
}

func (v *SyntheticVideo) ReadPacket() (Packet, error) {
	if err := v.wait(); err != nil {
		return Packet{}, err
	}
	key := v.frames%v.gop == 0
	nalus := [][]byte{syntheticAUD, syntheticPFrame}
	if key {
		nalus = [][]byte{syntheticAUD, syntheticSPS, syntheticPPS, syntheticIDR}
	}
	data, err := media.JoinAccessUnit(nalus)
	if err != nil {
		return Packet{}, err
	}
	v.frames++
	v.mu.Lock()
	v.known = true
	v.mu.Unlock()
	return Packet{Data: data, Duration: v.interval, KeyFrame: key}, nil
}

// SyntheticAudio produces silent AAC-LC frames at the frame rate implied by
// the sample rate.
type SyntheticAudio struct {
	tickerSource
	format media.Format
}

func NewSyntheticAudio(sampleRate, channels int, clk clock.WithTicker) *SyntheticAudio {
	return &SyntheticAudio{
		tickerSource: tickerSource{clock: clk, interval: media.AACFrameDuration(sampleRate)},
		format:       media.AACFormat(sampleRate, channels),
	}
}

func (a *SyntheticAudio) Open(ctx context.Context) error {
	return a.open(ctx)
}

func (a *SyntheticAudio) Format() (media.Format, bool) {
	return a.format, true
}

func (a *SyntheticAudio) ReadPacket() (Packet, error) {
	if err := a.wait(); err != nil {
		return Packet{}, err
	}
	return Packet{Data: syntheticAACFrame, Duration: a.interval, KeyFrame: true}, nil
}
