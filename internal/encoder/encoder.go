// Package encoder turns live capture sources into timestamped compressed
// samples and pushes them to a multiplex sink.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/media"
)

// Sink is the consumer side of an encoder.
type Sink interface {
	OnFormatReady(streamID int, f media.Format) error
	WriteSample(streamID int, s media.Sample) error
	OnEndOfStream(streamID int)
}

// Packet is one compressed frame produced by a codec.
type Packet struct {
	Data     []byte
	Duration time.Duration
	KeyFrame bool
}

// Codec is a live compression source. ReadPacket returns io.EOF once the
// codec has drained after Close.
type Codec interface {
	Open(ctx context.Context) error
	// Format reports the stream format once the codec knows it. Some codecs
	// know it at Open, H.264 sources only after the first parameter sets.
	Format() (media.Format, bool)
	ReadPacket() (Packet, error)
	Close() error
}

// EncoderInitError is returned by Prepare when the codec cannot be
// configured.
type EncoderInitError struct {
	Kind media.StreamType
	Err  error
}

func (e *EncoderInitError) Error() string {
	return fmt.Sprintf("%s encoder init failed: %v", e.Kind, e.Err)
}

func (e *EncoderInitError) Unwrap() error {
	return e.Err
}

var ErrNotPrepared = errors.New("encoder not prepared")

// State is the lifecycle state of an Encoder.
type State int32

const (
	StateCreated State = iota
	StatePrepared
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventType names an encoder lifecycle event.
type EventType string

const (
	EventPrepared EventType = "prepared"
	EventStopped  EventType = "stopped"
	EventFailed   EventType = "failed"
)

// Event is published on the channel given in Options.
type Event struct {
	Type      EventType
	Stream    media.StreamType
	StreamID  int
	Err       error
	Samples   int64
	Discarded int64
}

type Options struct {
	Clock  clock.PassiveClock
	Events chan<- Event
}

// Encoder drives one Codec on its own goroutine and forwards its packets to
// the sink. Frames produced while paused are discarded.
type Encoder struct {
	kind     media.StreamType
	streamID int
	codec    Codec
	sink     Sink
	clock    clock.PassiveClock
	events   chan<- Event
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	running  bool
	stopping bool

	paused     atomic.Bool
	formatOnce sync.Once
	formatSent atomic.Bool
	stopOnce   sync.Once
	finishOnce sync.Once
	done       chan struct{}

	// owned by the run goroutine
	epoch   time.Time
	base    time.Duration
	elapsed time.Duration
	stamped bool

	samples   atomic.Int64
	discarded atomic.Int64
}

func New(kind media.StreamType, streamID int, codec Codec, sink Sink, opts Options) *Encoder {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Encoder{
		kind:     kind,
		streamID: streamID,
		codec:    codec,
		sink:     sink,
		clock:    opts.Clock,
		events:   opts.Events,
		logger:   slog.With("component", "encoder", "stream", kind.String(), "stream_id", streamID),
		done:     make(chan struct{}),
	}
}

func (e *Encoder) Kind() media.StreamType { return e.kind }
func (e *Encoder) StreamID() int          { return e.streamID }

func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the encoder has stopped and signaled end of stream.
func (e *Encoder) Done() <-chan struct{} {
	return e.done
}

// Prepare opens the codec. When the codec already knows its format it is
// reported to the sink right away.
func (e *Encoder) Prepare(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%s encoder: prepare in state %s", e.kind, state)
	}
	e.mu.Unlock()

	if err := e.codec.Open(ctx); err != nil {
		return &EncoderInitError{Kind: e.kind, Err: err}
	}
	if f, ok := e.codec.Format(); ok {
		if err := e.signalFormat(f); err != nil {
			_ = e.codec.Close()
			return &EncoderInitError{Kind: e.kind, Err: err}
		}
	}

	e.mu.Lock()
	e.state = StatePrepared
	e.mu.Unlock()

	e.logger.Debug("Encoder prepared", "format_known", e.formatSent.Load())
	e.emit(Event{Type: EventPrepared})
	return nil
}

// Start begins pulling frames on a dedicated goroutine. Timestamps are
// relative to epoch.
func (e *Encoder) Start(epoch time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePrepared {
		return fmt.Errorf("%s encoder: %w (state %s)", e.kind, ErrNotPrepared, e.state)
	}
	if e.stopping {
		return fmt.Errorf("%s encoder: already stopped", e.kind)
	}
	e.epoch = epoch
	e.state = StateRunning
	e.running = true
	go e.run()
	return nil
}

func (e *Encoder) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return
	}
	e.paused.Store(true)
	e.state = StatePaused
}

func (e *Encoder) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return
	}
	e.paused.Store(false)
	e.state = StateRunning
}

// Stop asks the codec to drain and terminate. It returns immediately; Done
// is closed once end of stream has been signaled. Repeated calls are no-ops.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopping = true
		running := e.running
		e.mu.Unlock()

		go func() {
			if err := e.codec.Close(); err != nil {
				e.logger.Warn("Codec close failed", "error", err)
			}
			if !running {
				e.finish(nil)
			}
		}()
	})
}

func (e *Encoder) run() {
	e.logger.Debug("Encoder loop started")
	for {
		pkt, err := e.codec.ReadPacket()
		if err != nil {
			e.mu.Lock()
			stopping := e.stopping
			e.mu.Unlock()
			if errors.Is(err, io.EOF) || stopping {
				e.finish(nil)
			} else {
				e.finish(err)
			}
			return
		}

		if !e.formatSent.Load() {
			if f, ok := e.codec.Format(); ok {
				if err := e.signalFormat(f); err != nil {
					e.logger.Error("Sink rejected stream format", "error", err)
				}
			}
		}

		ts := e.stamp(pkt)
		if e.paused.Load() {
			e.discarded.Add(1)
			continue
		}
		if len(pkt.Data) == 0 {
			continue
		}

		err = e.sink.WriteSample(e.streamID, media.Sample{
			Data:      pkt.Data,
			Timestamp: ts,
			Duration:  pkt.Duration,
			KeyFrame:  pkt.KeyFrame,
		})
		if err != nil {
			e.logger.Debug("Sample rejected by sink", "timestamp", ts, "error", err)
			continue
		}
		e.samples.Add(1)
	}
}

// stamp places the first packet at the elapsed session time and advances
// later packets by their media duration.
func (e *Encoder) stamp(p Packet) time.Duration {
	if !e.stamped {
		e.base = e.clock.Since(e.epoch)
		if e.base < 0 {
			e.base = 0
		}
		e.stamped = true
	}
	ts := e.base + e.elapsed
	e.elapsed += p.Duration
	return ts
}

func (e *Encoder) signalFormat(f media.Format) error {
	var err error
	e.formatOnce.Do(func() {
		err = e.sink.OnFormatReady(e.streamID, f)
		e.formatSent.Store(true)
	})
	return err
}

func (e *Encoder) finish(err error) {
	e.finishOnce.Do(func() {
		e.sink.OnEndOfStream(e.streamID)

		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
		e.paused.Store(false)

		ev := Event{Type: EventStopped}
		if err != nil {
			ev = Event{Type: EventFailed, Err: err}
			e.logger.Error("Encoder failed", "error", err)
		}
		e.logger.Info("Encoder stopped", "samples", e.samples.Load(), "discarded", e.discarded.Load())
		e.emit(ev)
		close(e.done)
	})
}

func (e *Encoder) emit(ev Event) {
	if e.events == nil {
		return
	}
	ev.Stream = e.kind
	ev.StreamID = e.streamID
	ev.Samples = e.samples.Load()
	ev.Discarded = e.discarded.Load()
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("Event channel full, dropping event", "event", ev.Type)
	}
}
