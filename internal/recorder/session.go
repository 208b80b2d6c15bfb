package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/encoder"
	"github.com/audiolibrelab/screenrec/internal/mux"
)

// State is the Controller state.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one capture-and-encode run. It is created by Start, destroyed
// by Stop and never reused.
type Session struct {
	ID      string
	Path    string
	Created time.Time
	Natural capture.Size
	Target  capture.Size

	sink     *mux.Sink
	encoders []*encoder.Encoder
	events   chan encoder.Event
}

// SessionInfo is a snapshot of the active session.
type SessionInfo struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Created   time.Time     `json:"created"`
	Duration  time.Duration `json:"duration"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Streams   int           `json:"streams"`
	Paused    bool          `json:"paused"`
	Container string        `json:"container"`
}

func (s *Session) info(now time.Time, paused bool) *SessionInfo {
	return &SessionInfo{
		ID:        s.ID,
		Path:      s.Path,
		Created:   s.Created,
		Duration:  now.Sub(s.Created).Truncate(time.Second),
		Width:     s.Target.Width,
		Height:    s.Target.Height,
		Streams:   len(s.encoders),
		Paused:    paused,
		Container: strings.TrimPrefix(filepath.Ext(s.Path), "."),
	}
}

// DefaultFileName is the timestamped name of a recording started at t.
func DefaultFileName(t time.Time, container string) string {
	return t.Format("2006-01-02-15-04-05") + mux.Extension(container)
}

// resolveOutput returns the destination file and container for a session.
// An explicit output naming an existing directory gets the default file
// name; its extension selects the container when it names a known one.
func resolveOutput(output, directory, container string, now time.Time) (string, string, error) {
	path := output
	if path == "" {
		path = filepath.Join(directory, DefaultFileName(now, container))
	} else if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DefaultFileName(now, container))
	}

	if ext := strings.TrimPrefix(filepath.Ext(path), "."); mux.SupportedContainer(ext) {
		container = strings.ToLower(ext)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return uniquePath(path), container, nil
}

// uniquePath appends -1, -2, ... before the extension until no file exists.
func uniquePath(path string) string {
	if !exists(path) && !exists(path+".part") {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if !exists(candidate) && !exists(candidate+".part") {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
