package encoder

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"testing/iotest"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/audiolibrelab/screenrec/internal/media"
)

func annexBStream(t *testing.T, aus ...[][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, au := range aus {
		data, err := media.JoinAccessUnit(au)
		require.NoError(t, err)
		buf.Write(data)
	}
	return buf.Bytes()
}

func collect(t *testing.T, parse func(io.Reader, func(Packet) bool) error, r io.Reader) []Packet {
	t.Helper()
	var pkts []Packet
	err := parse(r, func(p Packet) bool {
		pkts = append(pkts, p)
		return true
	})
	assert.ErrorIs(t, err, io.EOF)
	return pkts
}

func TestSplitNALU(t *testing.T) {
	stream := []byte{
		0, 0, 0, 1, 0x09, 0xf0,
		0, 0, 1, 0x67, 0x42,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(splitNALU)

	var nalus [][]byte
	for scanner.Scan() {
		nalus = append(nalus, bytes.Clone(scanner.Bytes()))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, [][]byte{
		{0x09, 0xf0},
		{0x67, 0x42},
		{0x65, 0x88, 0x84},
	}, nalus)
}

func TestFFmpegVideoGroupsAccessUnits(t *testing.T) {
	v := NewFFmpegVideo(VideoParams{Width: 641, Height: 480, FrameRate: 10})
	stream := annexBStream(t,
		[][]byte{syntheticAUD, syntheticSPS, syntheticPPS, syntheticIDR},
		[][]byte{syntheticAUD, syntheticPFrame},
		[][]byte{syntheticAUD, syntheticPFrame},
	)

	_, known := v.Format()
	assert.False(t, known)

	// one byte at a time exercises start codes split across reads
	pkts := collect(t, v.parseAnnexB, iotest.OneByteReader(bytes.NewReader(stream)))
	require.Len(t, pkts, 3)

	assert.True(t, pkts[0].KeyFrame)
	assert.False(t, pkts[1].KeyFrame)
	assert.Equal(t, 100*time.Millisecond, pkts[1].Duration)

	nalus, err := media.SplitAccessUnit(pkts[1].Data)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{syntheticAUD, syntheticPFrame}, nalus)

	format, known := v.Format()
	require.True(t, known)
	assert.Equal(t, 640, format.Width)
	assert.Equal(t, syntheticSPS, format.SPS)
	assert.Equal(t, syntheticPPS, format.PPS)
	assert.NoError(t, format.Validate())
}

func TestFFmpegVideoArgs(t *testing.T) {
	args := NewFFmpegVideo(VideoParams{
		Grabber:   "x11grab",
		Input:     ":0.0",
		Width:     1729,
		Height:    1080,
		FrameRate: 15,
		Bitrate:   819200,
	}).args

	assert.Contains(t, args, "x11grab")
	assert.Contains(t, args, "scale=1728:1080")
	assert.Contains(t, args, "819200")
	assert.Equal(t, "pipe:1", args[len(args)-1])
}

func TestFFmpegAudioParsesADTS(t *testing.T) {
	a := NewFFmpegAudio(AudioParams{SampleRate: 44100, Channels: 1, Bitrate: 64000})

	var stream []byte
	for i := 0; i < 3; i++ {
		frame, err := mpeg4audio.ADTSPackets{{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   44100,
			ChannelCount: 1,
			AU:           []byte{0x21, 0x10, byte(i)},
		}}.Marshal()
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	pkts := collect(t, a.parseADTS, bytes.NewReader(stream))
	require.Len(t, pkts, 3)
	assert.Equal(t, []byte{0x21, 0x10, 2}, pkts[2].Data)
	assert.Equal(t, media.AACFrameDuration(44100), pkts[0].Duration)

	format, known := a.Format()
	require.True(t, known)
	assert.Equal(t, media.CodecAAC, format.Codec)
}

func TestFFmpegCodecMissingBinary(t *testing.T) {
	v := NewFFmpegVideo(VideoParams{Binary: "screenrec-no-such-ffmpeg", Width: 320, Height: 240, FrameRate: 10})
	err := v.Open(context.Background())
	assert.Error(t, err)
	assert.NoError(t, v.Close())
}

func TestFFmpegCodecReportsStderrTail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	binary := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" +
		"echo 'ffmpeg version test' >&2\n" +
		"echo 'Unknown input format: x11grab' >&2\n" +
		"exit 1\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0755))

	v := NewFFmpegVideo(VideoParams{Binary: binary, Width: 320, Height: 240, FrameRate: 10})
	require.NoError(t, v.Open(context.Background()))

	_, err := v.ReadPacket()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown input format: x11grab")

	err = v.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown input format: x11grab")
}

func TestSyntheticVideoPacedByClock(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	v := NewSyntheticVideo(320, 240, 10, clk)
	require.NoError(t, v.Open(context.Background()))

	_, known := v.Format()
	assert.False(t, known)

	got := make(chan Packet, 1)
	go func() {
		p, err := v.ReadPacket()
		if err == nil {
			got <- p
		}
	}()
	clk.Step(100 * time.Millisecond)

	select {
	case p := <-got:
		assert.True(t, p.KeyFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("no packet after clock step")
	}
	_, known = v.Format()
	assert.True(t, known)

	require.NoError(t, v.Close())
	_, err := v.ReadPacket()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyntheticAudioFormatKnownUpFront(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	a := NewSyntheticAudio(44100, 1, clk)
	format, known := a.Format()
	require.True(t, known)
	assert.Equal(t, 44100, format.SampleRate)
	assert.NoError(t, a.Close())
}
