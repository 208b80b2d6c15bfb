// Package media holds the stream, format and sample types shared by the
// encoders and the multiplex sink.
package media

import (
	"fmt"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// StreamType identifies the kind of elementary stream an encoder produces.
type StreamType int

const (
	StreamVideo StreamType = iota
	StreamAudio
)

func (t StreamType) String() string {
	switch t {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return fmt.Sprintf("stream(%d)", int(t))
	}
}

// Codec names the compression format of a stream.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecAAC  Codec = "aac"
)

// Format is the negotiated description of one stream. It is reported to the
// sink exactly once per stream.
type Format struct {
	Type  StreamType
	Codec Codec

	// Video
	Width     int
	Height    int
	FrameRate int
	SPS       []byte
	PPS       []byte

	// Audio
	SampleRate  int
	Channels    int
	AudioConfig *mpeg4audio.AudioSpecificConfig
}

// Validate reports whether the format carries everything a container needs
// to describe the stream.
func (f Format) Validate() error {
	switch f.Codec {
	case CodecH264:
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("h264 format: invalid size %dx%d", f.Width, f.Height)
		}
		if len(f.SPS) == 0 || len(f.PPS) == 0 {
			return fmt.Errorf("h264 format: missing parameter sets")
		}
	case CodecAAC:
		if f.AudioConfig == nil {
			return fmt.Errorf("aac format: missing audio specific config")
		}
		if f.SampleRate <= 0 || f.Channels <= 0 {
			return fmt.Errorf("aac format: invalid sample rate %d or channels %d", f.SampleRate, f.Channels)
		}
	default:
		return fmt.Errorf("unsupported codec %q", f.Codec)
	}
	return nil
}

func (f Format) String() string {
	if f.Type == StreamVideo {
		return fmt.Sprintf("%s %dx%d@%d", f.Codec, f.Width, f.Height, f.FrameRate)
	}
	return fmt.Sprintf("%s %dHz/%dch", f.Codec, f.SampleRate, f.Channels)
}

// Sample is one compressed access unit. Video payloads are Annex-B access
// units, audio payloads are raw AAC frames without ADTS headers.
type Sample struct {
	Data      []byte
	Timestamp time.Duration // relative to the session epoch
	Duration  time.Duration
	KeyFrame  bool
}
