package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// VideoParams configures an ffmpeg H.264 screen encoder.
type VideoParams struct {
	Binary    string
	Grabber   string // ffmpeg input device, e.g. x11grab
	Input     string // e.g. :0.0
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // bit/s
	LogWriter io.Writer
}

// FFmpegVideo captures the screen and encodes it as an H.264 Annex-B stream.
// The format becomes known with the first parameter sets in the stream.
type FFmpegVideo struct {
	ffmpegCodec
	params VideoParams

	mu     sync.Mutex
	format *media.Format
}

func NewFFmpegVideo(p VideoParams) *FFmpegVideo {
	// libx264 requires even dimensions
	p.Width &^= 1
	p.Height &^= 1
	v := &FFmpegVideo{params: p}
	v.ffmpegCodec = ffmpegCodec{
		name:      "video",
		binary:    p.Binary,
		args:      p.Args(),
		logWriter: p.LogWriter,
		logger:    slog.With("component", "ffmpeg", "stream", "video"),
		parse:     v.parseAnnexB,
	}
	return v
}

// Args returns the ffmpeg command line for the capture.
func (p VideoParams) Args() []string {
	fps := strconv.Itoa(p.FrameRate)
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", p.Grabber,
		"-framerate", fps,
		"-i", p.Input,
		"-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", strconv.Itoa(p.Bitrate),
		"-g", strconv.Itoa(p.FrameRate),
		"-bf", "0",
		"-x264-params", "aud=1:repeat-headers=1",
		"-f", "h264",
		"pipe:1",
	}
}

func (v *FFmpegVideo) Open(ctx context.Context) error {
	return v.start(ctx)
}

func (v *FFmpegVideo) Format() (media.Format, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.format == nil {
		return media.Format{}, false
	}
	return *v.format, true
}

func (v *FFmpegVideo) parseAnnexB(r io.Reader, emit func(Packet) bool) error {
	frameDuration := time.Second / time.Duration(max(v.params.FrameRate, 1))
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 32<<20)
	scanner.Split(splitNALU)

	var au [][]byte
	flush := func() bool {
		if len(au) == 0 {
			return true
		}
		pkt, err := v.packetize(au, frameDuration)
		au = nil
		if err != nil {
			v.logger.Warn("Dropping malformed access unit", "error", err)
			return true
		}
		return emit(pkt)
	}

	for scanner.Scan() {
		nalu := bytes.Clone(scanner.Bytes())
		if len(nalu) == 0 {
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeAccessUnitDelimiter {
			if !flush() {
				return nil
			}
		}
		au = append(au, nalu)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return io.EOF
}

func (v *FFmpegVideo) packetize(nalus [][]byte, d time.Duration) (Packet, error) {
	v.mu.Lock()
	if v.format == nil {
		if sps, pps := media.ParameterSets(nalus); sps != nil && pps != nil {
			v.format = &media.Format{
				Type:      media.StreamVideo,
				Codec:     media.CodecH264,
				Width:     v.params.Width,
				Height:    v.params.Height,
				FrameRate: v.params.FrameRate,
				SPS:       sps,
				PPS:       pps,
			}
		}
	}
	v.mu.Unlock()

	data, err := media.JoinAccessUnit(nalus)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Data: data, Duration: d, KeyFrame: media.IsKeyFrame(nalus)}, nil
}

// splitNALU is a bufio.SplitFunc yielding the NAL units of an Annex-B byte
// stream without their start codes.
func splitNALU(data []byte, atEOF bool) (int, []byte, error) {
	start, scLen := findStartCode(data, 0)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	body := start + scLen
	next, _ := findStartCode(data, body)
	if next < 0 {
		if atEOF {
			if body < len(data) {
				return len(data), data[body:], nil
			}
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	return next, data[body:next], nil
}

// findStartCode returns the offset and length of the first 3 or 4 byte start
// code at or after from, or -1.
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}
