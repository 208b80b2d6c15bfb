package recorder

import "time"

type EventType string

const (
	EventStarted        EventType = "started"
	EventPaused         EventType = "paused"
	EventResumed        EventType = "resumed"
	EventStopped        EventType = "stopped"
	EventFinalized      EventType = "finalized"
	EventFailed         EventType = "failed"
	EventStreamPrepared EventType = "stream_prepared"
	EventStreamStopped  EventType = "stream_stopped"
)

// Event is a session lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}
