package media

import (
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// AACFrameSamples is the number of PCM samples carried by one AAC-LC frame.
const AACFrameSamples = 1024

// AACFormat returns the stream format of an AAC-LC stream.
func AACFormat(sampleRate, channels int) Format {
	return Format{
		Type:       StreamAudio,
		Codec:      CodecAAC,
		SampleRate: sampleRate,
		Channels:   channels,
		AudioConfig: &mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   sampleRate,
			ChannelCount: channels,
		},
	}
}

// AACFrameDuration is the playback duration of one AAC frame.
func AACFrameDuration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(AACFrameSamples) * time.Second / time.Duration(sampleRate)
}

// ReadADTSFrame reads one ADTS frame from r and returns the raw AAC access
// unit together with the stream parameters announced in its header.
func ReadADTSFrame(r io.Reader) (*mpeg4audio.ADTSPacket, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 0xFF || header[1]&0xF0 != 0xF0 {
		return nil, fmt.Errorf("invalid ADTS syncword %02x%02x", header[0], header[1])
	}
	frameLen := int(header[3]&0x03)<<11 | int(header[4])<<3 | int(header[5])>>5
	if frameLen < len(header) {
		return nil, fmt.Errorf("invalid ADTS frame length %d", frameLen)
	}
	frame := make([]byte, frameLen)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[len(header):]); err != nil {
		return nil, fmt.Errorf("read ADTS payload: %w", err)
	}

	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(frame); err != nil {
		return nil, fmt.Errorf("unmarshal ADTS frame: %w", err)
	}
	if len(pkts) == 0 {
		return nil, fmt.Errorf("empty ADTS frame")
	}
	return pkts[0], nil
}
