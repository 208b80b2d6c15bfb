package mux

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}

	testAACFrame = []byte{
		0x12, 0x10, 0x56, 0xe5, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

func videoFormat() media.Format {
	return media.Format{
		Type:      media.StreamVideo,
		Codec:     media.CodecH264,
		Width:     1728,
		Height:    1080,
		FrameRate: 15,
		SPS:       testSPS,
		PPS:       testPPS,
	}
}

func videoSample(t *testing.T, ts time.Duration, key bool) media.Sample {
	t.Helper()
	nalus := [][]byte{testPFrame}
	if key {
		nalus = [][]byte{testSPS, testPPS, testIDR}
	}
	au, err := media.JoinAccessUnit(nalus)
	require.NoError(t, err)
	return media.Sample{Data: au, Timestamp: ts, Duration: time.Second / 15, KeyFrame: key}
}

func audioSample(ts time.Duration) media.Sample {
	return media.Sample{Data: testAACFrame, Timestamp: ts, Duration: media.AACFrameDuration(44100), KeyFrame: true}
}

type testSink struct {
	*Sink
	clock *testingclock.FakeClock
	path  string
	video int
	audio int
}

func newTestSink(t *testing.T, container string) *testSink {
	t.Helper()
	return newTestSinkWithQueue(t, container, 0)
}

func newTestSinkWithQueue(t *testing.T, container string, queueSize int) *testSink {
	t.Helper()
	fakeClock := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "out"+Extension(container))
	sink, err := NewSink(Options{Path: path, Container: container, QueueSize: queueSize, Clock: fakeClock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.FinalizeAndRelease() })

	video, err := sink.AddStream(media.StreamVideo)
	require.NoError(t, err)
	audio, err := sink.AddStream(media.StreamAudio)
	require.NoError(t, err)
	require.NoError(t, sink.Prepare())
	_, err = sink.Start()
	require.NoError(t, err)

	return &testSink{Sink: sink, clock: fakeClock, path: path, video: video, audio: audio}
}

func (s *testSink) readBack(t *testing.T) *Summary {
	t.Helper()
	f, err := os.Open(s.path)
	require.NoError(t, err)
	defer f.Close()
	summary, err := ReadMatroska(f)
	require.NoError(t, err)
	return summary
}

func TestSinkHoldsSamplesUntilAllFormatsReady(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)

	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	for i, ts := range []time.Duration{0, 66 * time.Millisecond, 133 * time.Millisecond} {
		require.NoError(t, s.WriteSample(s.video, videoSample(t, ts, i == 0)))
	}
	assert.EqualValues(t, 3, s.Stats().Held)
	_, err := os.Stat(s.path + partSuffix)
	assert.True(t, os.IsNotExist(err), "container must not be opened before every stream is ready")

	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))
	require.NoError(t, s.WriteSample(s.audio, audioSample(0)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 200*time.Millisecond, false)))
	require.NoError(t, s.WriteSample(s.audio, audioSample(23*time.Millisecond)))

	require.NoError(t, s.FinalizeAndRelease())

	summary := s.readBack(t)
	video, ok := summary.Track(1)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{0, 66 * time.Millisecond, 133 * time.Millisecond, 200 * time.Millisecond}, video.Timestamps)

	audio, ok := summary.Track(2)
	require.True(t, ok)
	assert.Equal(t, 2, audio.Samples)
}

func TestSinkRoundTripFormats(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))

	// audio starts 20ms after video, both well after the session epoch
	start := 500 * time.Millisecond
	for i := 0; i < 30; i++ {
		ts := start + time.Duration(i)*time.Second/15
		require.NoError(t, s.WriteSample(s.video, videoSample(t, ts, i%15 == 0)))
		require.NoError(t, s.WriteSample(s.audio, audioSample(ts+20*time.Millisecond)))
	}
	require.NoError(t, s.FinalizeAndRelease())

	summary := s.readBack(t)
	assert.Equal(t, "matroska", summary.DocType)
	require.Len(t, summary.Tracks, 2)

	video := summary.Tracks[0]
	assert.Equal(t, codecIDH264, video.CodecID)
	assert.Equal(t, 1728, video.Width)
	assert.Equal(t, 1080, video.Height)
	assert.Equal(t, 30, video.Samples)
	assert.Equal(t, 2, video.KeyFrames)

	audio := summary.Tracks[1]
	assert.Equal(t, codecIDAAC, audio.CodecID)
	assert.Equal(t, 44100.0, audio.SampleRate)
	assert.Equal(t, 1, audio.Channels)
	assert.Equal(t, 30, audio.Samples)
	require.NotEmpty(t, video.Timestamps)
	require.NotEmpty(t, audio.Timestamps)
	assert.Equal(t, time.Duration(0), video.Timestamps[0])
	assert.Equal(t, 20*time.Millisecond, audio.Timestamps[0])

	for _, track := range summary.Tracks {
		assert.True(t, track.Monotonic(), "track %d", track.Number)
		for _, ts := range track.Timestamps {
			assert.GreaterOrEqual(t, ts, time.Duration(0))
		}
	}
}

func TestSinkFinalizeIsIdempotent(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 0, true)))

	require.NoError(t, s.FinalizeAndRelease())
	info, err := os.Stat(s.path)
	require.NoError(t, err)

	require.NoError(t, s.FinalizeAndRelease())
	again, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), again.Size(), "second finalize must not touch the file")

	_, err = os.Stat(s.path + partSuffix)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, s.Written())
	assert.NoError(t, s.Err())
}

func TestSinkRejectsSamplesAfterFinalize(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.FinalizeAndRelease())

	err := s.WriteSample(s.video, videoSample(t, 0, true))
	var notRecording *NotRecordingError
	require.True(t, errors.As(err, &notRecording))
	assert.Equal(t, s.video, notRecording.StreamID)
	assert.EqualValues(t, 1, s.Stats().Rejected)
}

func TestSinkAddStreamAfterPrepare(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)

	_, err := s.AddStream(media.StreamAudio)
	var already *AlreadyPreparedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, media.StreamAudio, already.Kind)
}

func TestSinkPauseResumeDropsPausedSamples(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))

	for i, ts := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond} {
		require.NoError(t, s.WriteSample(s.video, videoSample(t, ts, i == 0)))
	}

	s.clock.Step(300 * time.Millisecond)
	s.Pause()
	assert.True(t, s.IsPaused())
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 300*time.Millisecond, false)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 400*time.Millisecond, false)))

	s.clock.Step(time.Second)
	s.Resume()
	assert.False(t, s.IsPaused())

	// captured during the pause but delivered late
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 900*time.Millisecond, false)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 1300*time.Millisecond, true)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 1400*time.Millisecond, false)))

	require.NoError(t, s.FinalizeAndRelease())
	assert.EqualValues(t, 3, s.Stats().Paused)

	video, ok := s.readBack(t).Track(1)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{
		0, 100 * time.Millisecond, 200 * time.Millisecond,
		300 * time.Millisecond, 400 * time.Millisecond,
	}, video.Timestamps)
	assert.True(t, video.Monotonic())
}

func TestSinkKeepsStreamTimestampsIncreasing(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))

	require.NoError(t, s.WriteSample(s.video, videoSample(t, 100*time.Millisecond, true)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 100*time.Millisecond, false)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 50*time.Millisecond, false)))
	require.NoError(t, s.FinalizeAndRelease())

	// the only stream starts at 100ms, which becomes the container origin
	video, ok := s.readBack(t).Track(1)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{0, time.Millisecond, 2 * time.Millisecond}, video.Timestamps)
}

func TestSinkAnchorsTimelineAtEarliestStream(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))

	// video is offered first but audio started earlier
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 50*time.Millisecond, true)))
	require.NoError(t, s.WriteSample(s.audio, audioSample(20*time.Millisecond)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 116*time.Millisecond, false)))
	require.NoError(t, s.WriteSample(s.audio, audioSample(43*time.Millisecond)))
	require.NoError(t, s.FinalizeAndRelease())

	summary := s.readBack(t)
	video, ok := summary.Track(1)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{30 * time.Millisecond, 96 * time.Millisecond}, video.Timestamps)

	audio, ok := summary.Track(2)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{0, 23 * time.Millisecond}, audio.Timestamps)

	for _, track := range summary.Tracks {
		for _, ts := range track.Timestamps {
			assert.GreaterOrEqual(t, ts, time.Duration(0), "track %d", track.Number)
		}
	}
}

func TestSinkClampsSamplesBeforeOrigin(t *testing.T) {
	s := newTestSinkWithQueue(t, ContainerMatroska, 4)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))

	// held until audio is ready; the hold limit anchors on video alone
	for i, ts := range []time.Duration{100, 200, 300, 400} {
		require.NoError(t, s.WriteSample(s.video, videoSample(t, ts*time.Millisecond, i == 0)))
	}
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))
	require.NoError(t, s.WriteSample(s.audio, audioSample(40*time.Millisecond)))
	require.NoError(t, s.FinalizeAndRelease())

	summary := s.readBack(t)
	video, ok := summary.Track(1)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, video.Timestamps)

	audio, ok := summary.Track(2)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{0}, audio.Timestamps)
}

func TestSinkCountsEveryOfferedSample(t *testing.T) {
	s := newTestSinkWithQueue(t, ContainerMatroska, 8)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))
	require.NoError(t, s.WriteSample(s.audio, audioSample(0)))

	const writers, perWriter = 4, 200
	frame := videoSample(t, 0, false)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				sample := frame
				sample.Timestamp = time.Duration(i*writers+w) * time.Millisecond
				_ = s.WriteSample(s.video, sample)
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.FinalizeAndRelease())

	stats := s.Stats()
	assert.EqualValues(t, writers*perWriter+1, stats.Written+stats.Dropped)
}

func TestSinkFinalizesAfterEndOfStream(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 0, true)))

	s.OnEndOfStream(s.video)
	select {
	case <-s.Done():
		t.Fatal("sink finalized before every stream ended")
	default:
	}

	s.OnEndOfStream(s.audio)
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("sink did not finalize after end of stream")
	}
	assert.True(t, s.Written())
}

func TestSinkFinalizeBeforeReadyWritesNothing(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.WriteSample(s.video, videoSample(t, 0, true)))

	require.NoError(t, s.FinalizeAndRelease())
	assert.False(t, s.Written())
	_, err := os.Stat(s.path)
	assert.True(t, os.IsNotExist(err))
}

func TestSinkRejectsDuplicateFormat(t *testing.T) {
	s := newTestSink(t, ContainerMatroska)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	err := s.OnFormatReady(s.video, videoFormat())
	assert.ErrorIs(t, err, ErrFormatReported)

	assert.ErrorIs(t, s.OnFormatReady(7, videoFormat()), ErrUnknownStream)
	require.NoError(t, s.FinalizeAndRelease())
}

func TestSinkWritesFragmentedMP4(t *testing.T) {
	s := newTestSink(t, ContainerMP4)
	require.NoError(t, s.OnFormatReady(s.video, videoFormat()))
	require.NoError(t, s.OnFormatReady(s.audio, media.AACFormat(44100, 1)))
	for i := 0; i < 5; i++ {
		ts := time.Duration(i) * time.Second / 15
		require.NoError(t, s.WriteSample(s.video, videoSample(t, ts, i == 0)))
		require.NoError(t, s.WriteSample(s.audio, audioSample(ts)))
	}
	require.NoError(t, s.FinalizeAndRelease())

	data, err := os.ReadFile(s.path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]))
	assert.EqualValues(t, 10, s.Stats().Written)
}

func TestNewSinkValidatesOptions(t *testing.T) {
	_, err := NewSink(Options{})
	assert.Error(t, err)

	_, err = NewSink(Options{Path: filepath.Join(t.TempDir(), "x.avi"), Container: "avi"})
	assert.ErrorIs(t, err, ErrUnknownContainer)
}
