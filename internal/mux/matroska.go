package mux

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/audiolibrelab/screenrec/internal/media"
)

const (
	codecIDH264 = "V_MPEG4/ISO/AVC"
	codecIDAAC  = "A_AAC"

	trackTypeVideo = 1
	trackTypeAudio = 2

	// block timestamps are written in milliseconds
	matroskaTimecodeScale = uint64(time.Millisecond)

	closeWait = 5 * time.Second
)

var matroskaHeader = &webm.EBMLHeader{
	EBMLVersion:        1,
	EBMLReadVersion:    1,
	EBMLMaxIDLength:    4,
	EBMLMaxSizeLength:  8,
	DocType:            "matroska",
	DocTypeVersion:     4,
	DocTypeReadVersion: 2,
}

// MatroskaWriter writes H.264 and AAC tracks into a Matroska file.
type MatroskaWriter struct {
	w      io.Writer
	logger *slog.Logger

	out     *writerCloser
	blocks  map[int]webm.BlockWriteCloser
	formats map[int]media.Format

	fatalMu sync.Mutex
	fatal   error
}

func NewMatroskaWriter(w io.Writer) *MatroskaWriter {
	return &MatroskaWriter{
		w:      w,
		logger: slog.With("component", "matroska_writer"),
	}
}

// writerCloser hands the block writer an io.WriteCloser without giving it
// ownership of the file, and reports when the block writer is done with it.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWriterCloser(w io.Writer, logger *slog.Logger) *writerCloser {
	return &writerCloser{writer: w, logger: logger, done: make(chan struct{})}
}

func (wc *writerCloser) Write(p []byte) (int, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"data_size", len(p),
			"bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if !wc.closed {
		wc.closed = true
	}
	select {
	case <-wc.done:
	default:
		close(wc.done)
	}
	return nil
}

func (m *MatroskaWriter) WriteHeader(tracks []Track) error {
	if m.blocks != nil {
		return nil
	}

	entries := make([]webm.TrackEntry, 0, len(tracks))
	for _, t := range tracks {
		entry, err := matroskaTrackEntry(t)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	m.out = newWriterCloser(m.w, m.logger)
	writers, err := webm.NewSimpleBlockWriter(m.out, entries,
		mkvcore.WithEBMLHeader(matroskaHeader),
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: matroskaTimecodeScale,
			MuxingApp:     "screenrec",
			WritingApp:    "screenrec",
		}),
		// the sink already serializes samples; the default sorter would drop
		// samples of a stream that lags behind the others
		mkvcore.WithBlockInterceptor(nil),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Error("Matroska writer failed", "error", err)
			m.fatalMu.Lock()
			m.fatal = err
			m.fatalMu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("create matroska writer: %w", err)
	}

	m.blocks = make(map[int]webm.BlockWriteCloser, len(tracks))
	m.formats = make(map[int]media.Format, len(tracks))
	for i, t := range tracks {
		m.blocks[t.Number] = writers[i]
		m.formats[t.Number] = t.Format
	}
	m.logger.Debug("Matroska header written", "tracks", len(tracks))
	return nil
}

func matroskaTrackEntry(t Track) (webm.TrackEntry, error) {
	f := t.Format
	entry := webm.TrackEntry{
		Name:        f.Type.String(),
		TrackNumber: uint64(t.Number),
		TrackUID:    uint64(t.Number),
	}
	switch f.Codec {
	case media.CodecH264:
		private, err := media.AVCDecoderConfig(f.SPS, f.PPS)
		if err != nil {
			return entry, fmt.Errorf("track %d: %w", t.Number, err)
		}
		entry.CodecID = codecIDH264
		entry.CodecPrivate = private
		entry.TrackType = trackTypeVideo
		if f.FrameRate > 0 {
			entry.DefaultDuration = uint64(time.Second) / uint64(f.FrameRate)
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(f.Width),
			PixelHeight: uint64(f.Height),
		}
	case media.CodecAAC:
		if f.AudioConfig == nil {
			return entry, fmt.Errorf("track %d: missing audio specific config", t.Number)
		}
		private, err := f.AudioConfig.Marshal()
		if err != nil {
			return entry, fmt.Errorf("track %d: marshal audio config: %w", t.Number, err)
		}
		entry.CodecID = codecIDAAC
		entry.CodecPrivate = private
		entry.TrackType = trackTypeAudio
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(f.SampleRate),
			Channels:          uint64(f.Channels),
		}
	default:
		return entry, fmt.Errorf("track %d: unsupported codec %q", t.Number, f.Codec)
	}
	return entry, nil
}

func (m *MatroskaWriter) WriteSample(track int, s media.Sample) error {
	if err := m.fatalErr(); err != nil {
		return err
	}
	bw, ok := m.blocks[track]
	if !ok {
		return fmt.Errorf("%w: track %d", ErrUnknownStream, track)
	}

	data := s.Data
	keyframe := true
	if m.formats[track].Codec == media.CodecH264 {
		avcc, err := media.AnnexBToAVCC(s.Data)
		if err != nil {
			return fmt.Errorf("track %d: %w", track, err)
		}
		if len(avcc) == 0 {
			return nil
		}
		data = avcc
		keyframe = s.KeyFrame
	}

	if _, err := bw.Write(keyframe, s.Timestamp.Milliseconds(), data); err != nil {
		return fmt.Errorf("track %d: write block: %w", track, err)
	}
	return nil
}

// Close flushes every track and waits for the block writer to release the
// underlying writer.
func (m *MatroskaWriter) Close() error {
	if m.blocks == nil {
		return nil
	}
	for number, bw := range m.blocks {
		if err := bw.Close(); err != nil {
			m.logger.Warn("Track close error", "track", number, "error", err)
		}
	}
	m.blocks = nil

	select {
	case <-m.out.done:
	case <-time.After(closeWait):
		m.logger.Warn("Matroska writer did not release output in time")
	}
	return m.fatalErr()
}

func (m *MatroskaWriter) fatalErr() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatal
}
