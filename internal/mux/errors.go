package mux

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/screenrec/internal/media"
)

var (
	ErrUnknownStream    = errors.New("unknown stream")
	ErrFormatReported   = errors.New("format already reported")
	ErrNotPrepared      = errors.New("sink not prepared")
	ErrUnknownContainer = errors.New("unknown container")
)

// AlreadyPreparedError is returned when a stream is added after Prepare.
type AlreadyPreparedError struct {
	Kind media.StreamType
}

func (e *AlreadyPreparedError) Error() string {
	return fmt.Sprintf("cannot add %s stream: sink already prepared", e.Kind)
}

// NotRecordingError is returned for samples delivered after finalize.
type NotRecordingError struct {
	StreamID int
}

func (e *NotRecordingError) Error() string {
	return fmt.Sprintf("stream %d: sink is not recording", e.StreamID)
}
