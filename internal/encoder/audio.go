package encoder

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strconv"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// AudioParams configures an ffmpeg AAC microphone encoder.
type AudioParams struct {
	Binary     string
	Grabber    string // ffmpeg input device, e.g. pulse
	Input      string // source name, e.g. default
	SampleRate int
	Channels   int
	Bitrate    int // bit/s
	LogWriter  io.Writer
}

// FFmpegAudio captures a microphone and encodes it as AAC-LC in ADTS framing.
type FFmpegAudio struct {
	ffmpegCodec
	params AudioParams
	format media.Format
}

func NewFFmpegAudio(p AudioParams) *FFmpegAudio {
	a := &FFmpegAudio{
		params: p,
		format: media.AACFormat(p.SampleRate, p.Channels),
	}
	a.ffmpegCodec = ffmpegCodec{
		name:      "audio",
		binary:    p.Binary,
		args:      p.Args(),
		logWriter: p.LogWriter,
		logger:    slog.With("component", "ffmpeg", "stream", "audio"),
		parse:     a.parseADTS,
	}
	return a
}

func (p AudioParams) Args() []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", p.Grabber,
		"-i", p.Input,
		"-ac", strconv.Itoa(p.Channels),
		"-ar", strconv.Itoa(p.SampleRate),
		"-c:a", "aac",
		"-b:a", strconv.Itoa(p.Bitrate),
		"-f", "adts",
		"pipe:1",
	}
}

func (a *FFmpegAudio) Open(ctx context.Context) error {
	return a.start(ctx)
}

// Format is known up front since ffmpeg resamples to the requested layout.
func (a *FFmpegAudio) Format() (media.Format, bool) {
	return a.format, true
}

func (a *FFmpegAudio) parseADTS(r io.Reader, emit func(Packet) bool) error {
	br := bufio.NewReader(r)
	frameDuration := media.AACFrameDuration(a.params.SampleRate)
	warned := false
	for {
		pkt, err := media.ReadADTSFrame(br)
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return io.EOF
			}
			return err
		}
		if !warned && (pkt.SampleRate != a.params.SampleRate || pkt.ChannelCount != a.params.Channels) {
			a.logger.Warn("ADTS stream parameters differ from configuration",
				"sample_rate", pkt.SampleRate,
				"channels", pkt.ChannelCount)
			warned = true
		}
		if !emit(Packet{Data: pkt.AU, Duration: frameDuration, KeyFrame: true}) {
			return nil
		}
	}
}
