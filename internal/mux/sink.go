// Package mux implements the multiplex sink that interleaves the encoded
// streams of one recording session into a single container file.
package mux

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/media"
)

const (
	DefaultQueueSize = 256

	// minimum spacing enforced between two samples of one stream
	minTimestampStep = time.Millisecond

	partSuffix = ".part"
)

// Options configures a Sink.
type Options struct {
	// Path is the final destination. The container is written to Path+".part"
	// and renamed once finalized.
	Path      string
	Container string
	QueueSize int
	Clock     clock.PassiveClock
}

// Stats counts what happened to the samples offered to the sink.
type Stats struct {
	Written  int64
	Held     int64
	Paused   int64
	Dropped  int64
	Rejected int64
}

type counters struct {
	written  atomic.Int64
	held     atomic.Int64
	paused   atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

type stream struct {
	kind   media.StreamType
	format *media.Format
	eos    bool
}

type pauseSpan struct {
	start, end time.Duration
}

type opKind int

const (
	opOpen opKind = iota
	opSample
	opClose
)

type queued struct {
	stream int
	sample media.Sample
}

type op struct {
	kind    opKind
	tracks  []Track
	pending []queued
	sample  queued
}

// Sink receives samples from the encoders of one session. Samples arriving
// before every stream reported its format are held in arrival order. Once all
// formats are known the container is opened and samples are written by a
// single drain goroutine so concurrent streams never interleave partial
// writes.
type Sink struct {
	opts   Options
	clock  clock.PassiveClock
	logger *slog.Logger

	mu        sync.RWMutex
	streams   []*stream
	prepared  bool
	started   bool
	ready     bool
	paused    bool
	finalized bool
	epoch     time.Time
	pausedAt  time.Duration
	spans     []pauseSpan
	pending   []queued
	stats     counters

	queue     chan op
	drainDone chan struct{}

	finalizeOnce sync.Once
	done         chan struct{}
	result       error
	written      bool
}

func NewSink(opts Options) (*Sink, error) {
	if opts.Path == "" {
		return nil, errors.New("sink: output path is required")
	}
	if opts.Container == "" {
		opts.Container = ContainerMatroska
	}
	if !SupportedContainer(opts.Container) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, opts.Container)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Sink{
		opts:   opts,
		clock:  opts.Clock,
		logger: slog.With("component", "mux_sink", "path", opts.Path),
		done:   make(chan struct{}),
	}, nil
}

// Path returns the final destination of the container.
func (s *Sink) Path() string {
	return s.opts.Path
}

// AddStream registers an expected stream and returns its stream ID.
func (s *Sink) AddStream(kind media.StreamType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return -1, &AlreadyPreparedError{Kind: kind}
	}
	s.streams = append(s.streams, &stream{kind: kind})
	return len(s.streams) - 1, nil
}

// Prepare freezes the stream set and starts the drain goroutine.
func (s *Sink) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return nil
	}
	if len(s.streams) == 0 {
		return errors.New("sink: no streams registered")
	}
	if s.finalized {
		return &NotRecordingError{StreamID: -1}
	}
	s.prepared = true
	s.queue = make(chan op, s.opts.QueueSize)
	s.drainDone = make(chan struct{})
	go s.drain(s.queue, len(s.streams))
	s.logger.Debug("Sink prepared", "streams", len(s.streams))
	s.maybeOpenLocked()
	return nil
}

// Start arms the sink and returns the session epoch that encoder timestamps
// are relative to.
func (s *Sink) Start() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.prepared {
		return time.Time{}, ErrNotPrepared
	}
	if s.finalized {
		return time.Time{}, &NotRecordingError{StreamID: -1}
	}
	if !s.started {
		s.started = true
		s.epoch = s.clock.Now()
	}
	return s.epoch, nil
}

// OnFormatReady records the negotiated format of a stream. When the last
// expected stream reports, the container is opened and held samples are
// released in arrival order.
func (s *Sink) OnFormatReady(streamID int, f media.Format) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("stream %d: %w", streamID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.streamLocked(streamID)
	if err != nil {
		return err
	}
	if s.finalized {
		return &NotRecordingError{StreamID: streamID}
	}
	if st.format != nil {
		return fmt.Errorf("stream %d: %w", streamID, ErrFormatReported)
	}
	format := f
	st.format = &format
	s.logger.Info("Stream format ready", "stream", streamID, "format", f.String())

	if !s.prepared {
		return nil
	}
	s.maybeOpenLocked()
	return nil
}

// maybeOpenLocked hands the container header and the held samples to the
// drain goroutine once every stream has a format.
func (s *Sink) maybeOpenLocked() {
	if s.ready {
		return
	}
	tracks := make([]Track, 0, len(s.streams))
	for i, st := range s.streams {
		if st.format == nil {
			return
		}
		tracks = append(tracks, Track{Number: i + 1, Format: *st.format})
	}

	pending := make([]queued, 0, len(s.pending))
	for _, q := range s.pending {
		ts, ok := s.rebaseLocked(q.sample.Timestamp)
		if !ok {
			s.stats.paused.Add(1)
			continue
		}
		q.sample.Timestamp = ts
		pending = append(pending, q)
	}
	s.pending = nil
	s.ready = true

	// nothing else is queued before the container is open, so this never blocks
	s.queue <- op{kind: opOpen, tracks: tracks, pending: pending}
	s.logger.Info("All streams ready, opening container", "tracks", len(tracks), "held_samples", len(pending))
}

// WriteSample offers a sample to the sink. Samples are held while not every
// stream is ready, discarded while paused and rejected with a
// NotRecordingError after finalize. The call never blocks on container I/O:
// when the drain queue is full the sample is dropped.
func (s *Sink) WriteSample(streamID int, sample media.Sample) error {
	s.mu.RLock()
	if s.ready && !s.paused && !s.finalized && streamID >= 0 && streamID < len(s.streams) {
		ts, ok := s.rebaseLocked(sample.Timestamp)
		if ok {
			sample.Timestamp = ts
			s.enqueueLocked(streamID, sample)
		}
		s.mu.RUnlock()
		if !ok {
			s.stats.paused.Add(1)
		}
		return nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.streamLocked(streamID); err != nil {
		return err
	}
	switch {
	case s.finalized:
		s.stats.rejected.Add(1)
		return &NotRecordingError{StreamID: streamID}
	case s.paused:
		s.stats.paused.Add(1)
		return nil
	case !s.ready:
		s.pending = append(s.pending, queued{stream: streamID, sample: sample})
		s.stats.held.Add(1)
		return nil
	}
	ts, ok := s.rebaseLocked(sample.Timestamp)
	if !ok {
		s.stats.paused.Add(1)
		return nil
	}
	sample.Timestamp = ts
	s.enqueueLocked(streamID, sample)
	return nil
}

// enqueueLocked must be called with s.mu held for reading or writing.
func (s *Sink) enqueueLocked(streamID int, sample media.Sample) {
	select {
	case s.queue <- op{kind: opSample, sample: queued{stream: streamID, sample: sample}}:
	default:
		s.logger.Warn("Drain queue full, dropping sample", "stream", streamID, "timestamp", sample.Timestamp)
		s.stats.dropped.Add(1)
	}
}

// rebaseLocked removes paused spans from the output timeline. It reports
// false for samples captured while the sink was paused.
func (s *Sink) rebaseLocked(ts time.Duration) (time.Duration, bool) {
	var shift time.Duration
	for _, span := range s.spans {
		if ts < span.start {
			break
		}
		if ts < span.end {
			return 0, false
		}
		shift += span.end - span.start
	}
	if s.paused && ts >= s.pausedAt {
		return 0, false
	}
	return ts - shift, true
}

func (s *Sink) streamLocked(streamID int) (*stream, error) {
	if streamID < 0 || streamID >= len(s.streams) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, streamID)
	}
	return s.streams[streamID], nil
}

// Pause discards every sample until Resume.
func (s *Sink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.finalized {
		return
	}
	s.paused = true
	s.pausedAt = s.sinceEpochLocked()
	s.logger.Info("Sink paused", "at", s.pausedAt)
}

// Resume accepts samples again. The paused span is cut out of the output
// timeline so timestamps stay continuous.
func (s *Sink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	now := s.sinceEpochLocked()
	if now < s.pausedAt {
		now = s.pausedAt
	}
	s.spans = append(s.spans, pauseSpan{start: s.pausedAt, end: now})
	s.paused = false
	s.logger.Info("Sink resumed", "paused_for", now-s.pausedAt)
}

func (s *Sink) IsPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Sink) sinceEpochLocked() time.Duration {
	if s.epoch.IsZero() {
		return 0
	}
	return s.clock.Since(s.epoch)
}

// OnEndOfStream marks a stream as finished. The sink finalizes itself once
// every stream has ended.
func (s *Sink) OnEndOfStream(streamID int) {
	s.mu.Lock()
	st, err := s.streamLocked(streamID)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("End of stream for unknown stream", "stream", streamID)
		return
	}
	st.eos = true
	all := true
	for _, other := range s.streams {
		all = all && other.eos
	}
	s.mu.Unlock()

	s.logger.Debug("End of stream", "stream", streamID, "all_ended", all)
	if all {
		if err := s.FinalizeAndRelease(); err != nil {
			s.logger.Error("Finalize failed", "error", err)
		}
	}
}

// FinalizeAndRelease writes the container trailer, closes the file and moves
// it to its destination. It runs once; later calls return nil immediately.
func (s *Sink) FinalizeAndRelease() error {
	first := false
	s.finalizeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.finalized = true
		held := len(s.pending)
		s.pending = nil
		queue := s.queue
		s.mu.Unlock()

		if held > 0 {
			s.logger.Warn("Finalizing before all streams were ready, discarding held samples", "held", held)
		}
		if queue != nil {
			queue <- op{kind: opClose}
			<-s.drainDone
		}

		stats := s.Stats()
		s.logger.Info("Sink finalized",
			"written", stats.Written,
			"paused", stats.Paused,
			"dropped", stats.Dropped,
			"rejected", stats.Rejected,
			"file_written", s.written)
		close(s.done)
	})
	if !first {
		return nil
	}
	return s.result
}

// Done is closed once the sink has been finalized.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Written reports whether a container file was produced. Valid after Done.
func (s *Sink) Written() bool {
	<-s.done
	return s.written
}

// Err returns the finalize result. Valid after Done.
func (s *Sink) Err() error {
	<-s.done
	return s.result
}

func (s *Sink) Stats() Stats {
	return Stats{
		Written:  s.stats.written.Load(),
		Held:     s.stats.held.Load(),
		Paused:   s.stats.paused.Load(),
		Dropped:  s.stats.dropped.Load(),
		Rejected: s.stats.rejected.Load(),
	}
}

// drain owns the output file and the container writer.
//
// The container timeline starts at the earliest first sample of all streams.
// Samples are held until every stream has produced one (or the hold reaches
// the queue size), then written in timestamp order so the first block
// written is the origin. Later samples before the origin are clamped to it.
func (s *Sink) drain(queue <-chan op, streams int) {
	defer close(s.drainDone)

	var (
		file     *os.File
		writer   ContainerWriter
		failed   bool
		anchored bool
		origin   time.Duration
		held     []queued
		seen     = make([]bool, streams)
		waiting  = streams
		last     = make(map[int]time.Duration)
	)

	write := func(q queued) {
		if writer == nil || failed {
			return
		}
		sample := q.sample
		sample.Timestamp -= origin
		if sample.Timestamp < 0 {
			sample.Timestamp = 0
		}
		if prev, ok := last[q.stream]; ok && sample.Timestamp < prev+minTimestampStep {
			sample.Timestamp = prev + minTimestampStep
		}
		if err := writer.WriteSample(q.stream+1, sample); err != nil {
			s.logger.Error("Failed to write sample, discarding the rest", "stream", q.stream, "error", err)
			failed = true
			s.result = err
			return
		}
		last[q.stream] = sample.Timestamp
		s.stats.written.Add(1)
	}

	anchor := func() {
		anchored = true
		if len(held) == 0 {
			return
		}
		// order by each stream's running maximum so a stream's own samples
		// keep their arrival order
		type keyed struct {
			q   queued
			key time.Duration
		}
		ordered := make([]keyed, len(held))
		high := make(map[int]time.Duration, streams)
		for i, q := range held {
			key := q.sample.Timestamp
			if h, ok := high[q.stream]; ok && h > key {
				key = h
			}
			high[q.stream] = key
			ordered[i] = keyed{q: q, key: key}
		}
		slices.SortStableFunc(ordered, func(a, b keyed) int {
			return cmp.Compare(a.key, b.key)
		})
		origin = ordered[0].key
		s.logger.Debug("Container timeline anchored", "origin", origin, "held", len(held), "streams_waiting", waiting)
		for _, k := range ordered {
			write(k.q)
		}
		held = nil
	}

	offer := func(q queued) {
		if anchored {
			write(q)
			return
		}
		held = append(held, q)
		if q.stream >= 0 && q.stream < streams && !seen[q.stream] {
			seen[q.stream] = true
			waiting--
		}
		if waiting == 0 || len(held) >= s.opts.QueueSize {
			anchor()
		}
	}

	for o := range queue {
		switch o.kind {
		case opOpen:
			var err error
			file, writer, err = s.openContainer(o.tracks)
			if err != nil {
				s.logger.Error("Failed to open container", "error", err)
				s.result = err
				failed = true
				continue
			}
			for _, q := range o.pending {
				offer(q)
			}
		case opSample:
			offer(o.sample)
		case opClose:
			if !anchored {
				anchor()
			}
			s.closeContainer(file, writer)
			return
		}
	}
}

func (s *Sink) openContainer(tracks []Track) (*os.File, ContainerWriter, error) {
	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(s.opts.Path + partSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	writer, err := NewContainerWriter(s.opts.Container, file)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if err := writer.WriteHeader(tracks); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, nil, err
	}
	return file, writer, nil
}

func (s *Sink) closeContainer(file *os.File, writer ContainerWriter) {
	if file == nil {
		return
	}
	partPath := file.Name()
	if err := writer.Close(); err != nil && s.result == nil {
		s.result = fmt.Errorf("failed to finalize container: %w", err)
	}
	if err := file.Close(); err != nil && s.result == nil {
		s.result = fmt.Errorf("failed to close output file: %w", err)
	}
	if s.result != nil {
		s.logger.Warn("Container incomplete, keeping partial file", "file", partPath)
		return
	}
	if err := os.Rename(partPath, s.opts.Path); err != nil {
		s.result = fmt.Errorf("failed to move recording into place: %w", err)
		return
	}
	s.written = true
}
