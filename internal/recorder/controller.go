// Package recorder owns the recording session: one multiplex sink, its
// encoders, and the start/pause/resume/stop state machine around them.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/encoder"
	"github.com/audiolibrelab/screenrec/internal/media"
	"github.com/audiolibrelab/screenrec/internal/mux"
)

// ErrStartCancelled is returned by Start when Stop interrupted preparation.
var ErrStartCancelled = errors.New("start cancelled by stop")

// Platform provides capture authorization, display information and live
// codecs. *capture.Platform implements it.
type Platform interface {
	Authorize(grant string) error
	DisplaySize(ctx context.Context) (capture.Size, error)
	TargetSize(natural capture.Size) capture.Size
	VideoCodec(target capture.Size) encoder.Codec
	// AudioCodec returns nil when audio is not recorded.
	AudioCodec() encoder.Codec
}

// StartRequest carries the arguments of a start command.
type StartRequest struct {
	Grant  string
	Output string
}

// Status is a snapshot of the Controller.
type Status struct {
	Recording bool
	Paused    bool
	State     State
	Session   *SessionInfo
}

type Options struct {
	Clock clock.Clock
	// OnEvent receives lifecycle events. It is called synchronously and must
	// not call back into the Controller.
	OnEvent func(Event)
}

// Controller enforces at most one active session per process. All commands
// are serialized by a single mutex which is never taken on the sample path.
type Controller struct {
	cfg      *config.Config
	platform Platform
	clock    clock.Clock
	onEvent  func(Event)
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	session       *Session
	cancelPrepare context.CancelFunc
	finalizing    map[string]chan struct{}
}

func NewController(cfg *config.Config, platform Platform, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Controller{
		cfg:        cfg,
		platform:   platform,
		clock:      opts.Clock,
		onEvent:    opts.OnEvent,
		logger:     slog.With("component", "recorder"),
		finalizing: make(map[string]chan struct{}),
	}
}

// Start begins a session. It is a no-op returning (nil, nil) when a session
// already exists or is being prepared. On failure every partially created
// resource is released and the Controller is back to idle.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*SessionInfo, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.logger.Info("Start ignored, session already active", "state", state.String())
		return nil, nil
	}
	prepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.state = StatePreparing
	c.cancelPrepare = cancel
	c.mu.Unlock()

	sess, err := c.prepare(prepCtx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPrepare = nil
	if prepCtx.Err() != nil {
		err = ErrStartCancelled
		if ctx.Err() != nil {
			err = ctx.Err()
		}
	}
	if err == nil {
		err = c.armLocked(sess)
	}
	if err != nil {
		if sess != nil {
			c.release(sess)
		}
		c.state = StateIdle
		c.logger.Error("Failed to start recording", "error", err)
		c.emit(Event{Type: EventFailed, Error: err.Error()})
		return nil, err
	}

	c.session = sess
	c.state = StateRecording
	go c.watch(sess)

	c.logger.Info("Recording started",
		"session", sess.ID,
		"path", sess.Path,
		"natural", sess.Natural.String(),
		"target", sess.Target.String(),
		"streams", len(sess.encoders))
	c.emit(Event{Type: EventStarted, SessionID: sess.ID, Path: sess.Path})
	return sess.info(c.clock.Now(), false), nil
}

// prepare builds the session without holding the Controller lock.
func (c *Controller) prepare(ctx context.Context, req StartRequest) (*Session, error) {
	if err := c.platform.Authorize(req.Grant); err != nil {
		return nil, err
	}

	natural, err := c.platform.DisplaySize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to determine display size: %w", err)
	}
	target := c.platform.TargetSize(natural)

	now := c.clock.Now()
	path, container, err := resolveOutput(req.Output, c.cfg.Output.Directory, c.cfg.Output.Container, now)
	if err != nil {
		return nil, err
	}

	sink, err := mux.NewSink(mux.Options{
		Path:      path,
		Container: container,
		QueueSize: c.cfg.Session.QueueSize,
		Clock:     c.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	sess := &Session{
		ID:      uuid.NewString(),
		Path:    path,
		Created: now,
		Natural: natural,
		Target:  target,
		sink:    sink,
		events:  make(chan encoder.Event, 16),
	}

	if err := c.attach(sess, media.StreamVideo, c.platform.VideoCodec(target)); err != nil {
		return sess, err
	}
	if audio := c.platform.AudioCodec(); audio != nil {
		if err := c.attach(sess, media.StreamAudio, audio); err != nil {
			return sess, err
		}
	}
	if err := sink.Prepare(); err != nil {
		return sess, fmt.Errorf("failed to prepare sink: %w", err)
	}

	for _, enc := range sess.encoders {
		if err := ctx.Err(); err != nil {
			return sess, err
		}
		if err := enc.Prepare(ctx); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

func (c *Controller) attach(sess *Session, kind media.StreamType, codec encoder.Codec) error {
	id, err := sess.sink.AddStream(kind)
	if err != nil {
		return err
	}
	sess.encoders = append(sess.encoders, encoder.New(kind, id, codec, sess.sink, encoder.Options{
		Clock:  c.clock,
		Events: sess.events,
	}))
	return nil
}

// armLocked starts the sink clock and then every encoder.
func (c *Controller) armLocked(sess *Session) error {
	epoch, err := sess.sink.Start()
	if err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}
	for _, enc := range sess.encoders {
		if err := enc.Start(epoch); err != nil {
			return err
		}
	}
	return nil
}

// release tears down a session that never started recording.
func (c *Controller) release(sess *Session) {
	for _, enc := range sess.encoders {
		enc.Stop()
	}
	if err := sess.sink.FinalizeAndRelease(); err != nil {
		c.logger.Warn("Failed to release sink", "error", err)
	}
}

// Stop ends the active session without waiting for the container to be
// finalized. During preparation it cancels the pending start. It reports
// whether there was anything to stop.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle:
		return false
	case StatePreparing:
		c.logger.Info("Cancelling recording start")
		if c.cancelPrepare != nil {
			c.cancelPrepare()
		}
		return true
	}
	c.stopLocked(nil)
	return true
}

func (c *Controller) stopLocked(cause error) {
	sess := c.session
	c.session = nil
	c.state = StateIdle

	for _, enc := range sess.encoders {
		enc.Stop()
	}
	c.scheduleFinalize(sess)

	ev := Event{Type: EventStopped, SessionID: sess.ID, Path: sess.Path}
	if cause != nil {
		ev.Error = cause.Error()
	}
	c.logger.Info("Recording stopped", "session", sess.ID, "duration", c.clock.Since(sess.Created).Truncate(time.Millisecond))
	c.emit(ev)
}

// scheduleFinalize finalizes the sink once every stream ended, or after
// session.stop_timeout at the latest.
func (c *Controller) scheduleFinalize(sess *Session) {
	done := make(chan struct{})
	c.finalizing[sess.ID] = done

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.finalizing, sess.ID)
			c.mu.Unlock()
			close(done)
		}()

		select {
		case <-sess.sink.Done():
		case <-c.clock.After(c.cfg.Session.StopTimeout):
			c.logger.Warn("Streams did not end in time, forcing finalize",
				"session", sess.ID,
				"timeout", c.cfg.Session.StopTimeout)
		}

		err := sess.sink.FinalizeAndRelease()
		if err == nil {
			err = sess.sink.Err()
		}
		stats := sess.sink.Stats()
		if err != nil {
			c.logger.Error("Failed to finalize recording", "session", sess.ID, "error", err)
			c.emit(Event{Type: EventFailed, SessionID: sess.ID, Path: sess.Path, Error: err.Error()})
			return
		}
		if !sess.sink.Written() {
			c.logger.Warn("Recording produced no output", "session", sess.ID)
			c.emit(Event{Type: EventFinalized, SessionID: sess.ID, Error: "no samples recorded"})
			return
		}
		c.logger.Info("Recording saved", "path", sess.Path, "samples", stats.Written)
		c.emit(Event{Type: EventFinalized, SessionID: sess.ID, Path: sess.Path})
	}()
}

// watch relays encoder events of a session and stops the session when an
// encoder fails.
func (c *Controller) watch(sess *Session) {
	allDone := make(chan struct{})
	go func() {
		for _, enc := range sess.encoders {
			<-enc.Done()
		}
		close(allDone)
	}()

	handle := func(ev encoder.Event) {
		c.logger.Debug("Encoder event", "session", sess.ID, "stream", ev.Stream.String(), "event", ev.Type)
		out := Event{SessionID: sess.ID, Stream: ev.Stream.String()}
		switch ev.Type {
		case encoder.EventPrepared:
			out.Type = EventStreamPrepared
		case encoder.EventStopped:
			out.Type = EventStreamStopped
		case encoder.EventFailed:
			out.Type = EventFailed
			out.Error = ev.Err.Error()
		}
		c.emit(out)
		if ev.Type == encoder.EventFailed {
			c.mu.Lock()
			if c.session == sess {
				c.logger.Error("Encoder failed, stopping session", "stream", ev.Stream.String(), "error", ev.Err)
				c.stopLocked(ev.Err)
			}
			c.mu.Unlock()
		}
	}

	for {
		select {
		case ev := <-sess.events:
			handle(ev)
		case <-allDone:
			for {
				select {
				case ev := <-sess.events:
					handle(ev)
				default:
					return
				}
			}
		}
	}
}

// Pause suspends the active session. Without a recording session it does
// nothing.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return false
	}
	c.session.sink.Pause()
	for _, enc := range c.session.encoders {
		enc.Pause()
	}
	c.state = StatePaused
	c.logger.Info("Recording paused", "session", c.session.ID)
	c.emit(Event{Type: EventPaused, SessionID: c.session.ID})
	return true
}

// Resume continues a paused session. Without a paused session it does
// nothing.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return false
	}
	c.session.sink.Resume()
	for _, enc := range c.session.encoders {
		enc.Resume()
	}
	c.state = StateRecording
	c.logger.Info("Recording resumed", "session", c.session.ID)
	c.emit(Event{Type: EventResumed, SessionID: c.session.ID})
	return true
}

// Status reports whether a session is active and whether it is paused. A
// session being prepared counts as recording.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Recording: c.state != StateIdle,
		Paused:    c.state == StatePaused,
		State:     c.state,
	}
	if c.session != nil {
		st.Session = c.session.info(c.clock.Now(), st.Paused)
	}
	return st
}

// Wait blocks until every finalize scheduled so far has completed.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]chan struct{}, 0, len(c.finalizing))
	for _, done := range c.finalizing {
		pending = append(pending, done)
	}
	c.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Controller) emit(ev Event) {
	if c.onEvent == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = c.clock.Now()
	}
	c.onEvent(ev)
}
