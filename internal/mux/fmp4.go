package mux

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/audiolibrelab/screenrec/internal/media"
)

const videoTimeScale = 90000

// FMP4Writer writes a fragmented MP4 file: one init segment followed by one
// fragment per sample.
type FMP4Writer struct {
	w      io.Writer
	logger *slog.Logger

	tracks         map[int]*fmp4Track
	sequenceNumber uint32
}

type fmp4Track struct {
	id        int
	codec     media.Codec
	timeScale uint32
	lastDTS   int64
	hasLast   bool
	fallback  uint32
}

func NewFMP4Writer(w io.Writer) *FMP4Writer {
	return &FMP4Writer{
		w:              w,
		logger:         slog.With("component", "fmp4_writer"),
		sequenceNumber: 1,
	}
}

// scaleToTimescale converts a duration into track timescale units.
func scaleToTimescale(d time.Duration, timeScale uint32) int64 {
	if d <= 0 {
		return 0
	}
	return d.Microseconds() * int64(timeScale) / 1_000_000
}

func (w *FMP4Writer) WriteHeader(tracks []Track) error {
	if w.tracks != nil {
		return nil
	}

	init := &fmp4.Init{}
	w.tracks = make(map[int]*fmp4Track, len(tracks))
	for _, t := range tracks {
		f := t.Format
		tr := &fmp4Track{id: t.Number, codec: f.Codec}
		var codec mp4.Codec
		switch f.Codec {
		case media.CodecH264:
			tr.timeScale = videoTimeScale
			tr.fallback = videoTimeScale / 15
			if f.FrameRate > 0 {
				tr.fallback = uint32(videoTimeScale / f.FrameRate)
			}
			codec = &mp4.CodecH264{SPS: f.SPS, PPS: f.PPS}
		case media.CodecAAC:
			if f.AudioConfig == nil {
				return fmt.Errorf("track %d: missing audio specific config", t.Number)
			}
			tr.timeScale = uint32(f.SampleRate)
			tr.fallback = media.AACFrameSamples
			codec = &mp4.CodecMPEG4Audio{Config: *f.AudioConfig}
		default:
			return fmt.Errorf("track %d: unsupported codec %q", t.Number, f.Codec)
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.Number,
			TimeScale: tr.timeScale,
			Codec:     codec,
		})
		w.tracks[t.Number] = tr
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}
	w.logger.Debug("fMP4 init segment written", "size", buf.Len())
	return nil
}

func (w *FMP4Writer) WriteSample(track int, s media.Sample) error {
	tr, ok := w.tracks[track]
	if !ok {
		return fmt.Errorf("%w: track %d", ErrUnknownStream, track)
	}

	payload := s.Data
	if tr.codec == media.CodecH264 {
		avcc, err := media.AnnexBToAVCC(s.Data)
		if err != nil {
			return fmt.Errorf("track %d: %w", track, err)
		}
		if len(avcc) == 0 {
			return nil
		}
		payload = avcc
	}

	dts := scaleToTimescale(s.Timestamp, tr.timeScale)
	if tr.hasLast && dts <= tr.lastDTS {
		dts = tr.lastDTS + 1
	}
	duration := uint32(scaleToTimescale(s.Duration, tr.timeScale))
	if duration == 0 {
		duration = tr.fallback
	}

	part := &fmp4.Part{
		SequenceNumber: w.sequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       tr.id,
			BaseTime: uint64(dts),
			Samples: []*fmp4.Sample{{
				Duration:        duration,
				IsNonSyncSample: tr.codec == media.CodecH264 && !s.KeyFrame,
				Payload:         payload,
			}},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}

	tr.lastDTS = dts
	tr.hasLast = true
	w.sequenceNumber++
	return nil
}

// Close is a no-op: fragmented MP4 needs no trailer.
func (w *FMP4Writer) Close() error {
	return nil
}
