package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/mux"
	"github.com/audiolibrelab/screenrec/internal/recorder"
)

// Service is the command surface of the screen recorder daemon.
type Service interface {
	// Recording operations
	Start(ctx context.Context, grant, output string) (*recorder.SessionInfo, error)
	Stop() bool
	Pause() bool
	Resume() bool
	QueryStatus() StatusReport
	Wait(ctx context.Context) error

	// Event feed
	Subscribe() (<-chan Notification, func())
	ExitRequested() <-chan struct{}

	// Recordings
	ListRecordings() ([]RecordingInfo, error)
	AnalyzeRecording(name string) (*mux.Summary, error)

	GetConfig() *config.Config
	GetLastError() string

	Shutdown(ctx context.Context) error
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	Recording  bool                  `json:"recording"`
	Paused     bool                  `json:"paused"`
	State      string                `json:"state"`
	ShouldExit bool                  `json:"should_exit"`
	Session    *recorder.SessionInfo `json:"session,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
}

// RecordingInfo describes a finished recording in the output directory.
type RecordingInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Container    string    `json:"container"`
}

// EventStatus is published on every status query.
const EventStatus recorder.EventType = "status"

// Notification is one message of the event feed.
type Notification struct {
	recorder.Event
	Status *StatusReport `json:"status,omitempty"`
}

// ScreenRecorderService is the main service implementation
type ScreenRecorderService struct {
	cfg   *config.Config
	ctrl  *recorder.Controller
	hub   *Hub
	clock clock.Clock

	exitOnce sync.Once
	exit     chan struct{}

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock drives sessions with clk instead of the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// New creates a service recording through platform.
func New(cfg *config.Config, platform recorder.Platform, opts ...Option) *ScreenRecorderService {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	s := &ScreenRecorderService{
		cfg:   cfg,
		hub:   NewHub(),
		clock: o.clock,
		exit:  make(chan struct{}),
	}
	s.ctrl = recorder.NewController(cfg, platform, recorder.Options{
		Clock:   o.clock,
		OnEvent: s.onEvent,
	})
	return s
}

func (s *ScreenRecorderService) onEvent(ev recorder.Event) {
	if ev.Type == recorder.EventFailed {
		s.setLastError(ev.Error)
	}
	s.hub.Publish(Notification{Event: ev})
}

// Start begins a session. A start while a session is active returns
// (nil, nil).
func (s *ScreenRecorderService) Start(ctx context.Context, grant, output string) (*recorder.SessionInfo, error) {
	slog.Debug("Service.Start called", "output", output)
	s.clearLastError()
	info, err := s.ctrl.Start(ctx, recorder.StartRequest{Grant: grant, Output: output})
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return nil, err
	}
	return info, nil
}

func (s *ScreenRecorderService) Stop() bool {
	return s.ctrl.Stop()
}

func (s *ScreenRecorderService) Pause() bool {
	return s.ctrl.Pause()
}

func (s *ScreenRecorderService) Resume() bool {
	return s.ctrl.Resume()
}

// QueryStatus reports the session state and broadcasts it on the event feed.
// When nothing is recording and the daemon is configured to exit when idle,
// the exit signal is raised.
func (s *ScreenRecorderService) QueryStatus() StatusReport {
	st := s.ctrl.Status()
	report := StatusReport{
		Recording: st.Recording,
		Paused:    st.Paused,
		State:     st.State.String(),
		Session:   st.Session,
		LastError: s.GetLastError(),
	}
	report.ShouldExit = !report.Recording && s.cfg.ExitWhenIdle()

	s.hub.Publish(Notification{
		Event:  recorder.Event{Type: EventStatus, Time: s.clock.Now()},
		Status: &report,
	})
	if report.ShouldExit {
		s.requestExit()
	}
	return report
}

// Wait blocks until pending recordings are finalized.
func (s *ScreenRecorderService) Wait(ctx context.Context) error {
	return s.ctrl.Wait(ctx)
}

// Shutdown stops the active session, waits for it to be finalized and ends
// every event subscription.
func (s *ScreenRecorderService) Shutdown(ctx context.Context) error {
	defer s.hub.Close()
	if s.ctrl.Stop() {
		slog.Info("Stopping active recording before shutdown")
	}
	return s.ctrl.Wait(ctx)
}

func (s *ScreenRecorderService) Subscribe() (<-chan Notification, func()) {
	return s.hub.Subscribe(subscriberBuffer)
}

// ExitRequested is closed once an idle status query asked the daemon to
// terminate.
func (s *ScreenRecorderService) ExitRequested() <-chan struct{} {
	return s.exit
}

func (s *ScreenRecorderService) requestExit() {
	s.exitOnce.Do(func() {
		slog.Info("Not recording, daemon will exit")
		close(s.exit)
	})
}

func (s *ScreenRecorderService) GetConfig() *config.Config {
	return s.cfg
}

// GetLastError returns the last error message (thread-safe)
func (s *ScreenRecorderService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *ScreenRecorderService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

func (s *ScreenRecorderService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// ListRecordings returns the finished recordings of the output directory,
// newest first. Files still being written are skipped.
func (s *ScreenRecorderService) ListRecordings() ([]RecordingInfo, error) {
	return ListRecordings(s.cfg.Output.Directory)
}

// ListRecordings lists the recordings stored in dir, newest first.
func ListRecordings(dir string) ([]RecordingInfo, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var recordings []RecordingInfo
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		container := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Name()), "."))
		if !mux.SupportedContainer(container) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			slog.Warn("Failed to get file info for recording", "file", file.Name(), "error", err)
			continue
		}
		recordings = append(recordings, RecordingInfo{
			Name:         file.Name(),
			Path:         filepath.Join(dir, file.Name()),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Container:    container,
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// AnalyzeRecording reads back the tracks of a recording in the output
// directory.
func (s *ScreenRecorderService) AnalyzeRecording(name string) (*mux.Summary, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid recording name: %s", name)
	}
	return AnalyzeFile(filepath.Join(s.cfg.Output.Directory, name))
}

// AnalyzeFile reads back the tracks of a Matroska recording.
func AnalyzeFile(path string) (*mux.Summary, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != mux.Extension(mux.ContainerMatroska) {
		return nil, fmt.Errorf("analysis supports Matroska recordings only, got %s", ext)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recording not found: %w", err)
	}
	defer f.Close()

	summary, err := mux.ReadMatroska(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	slog.Debug("Recording analysis completed", "path", path, "tracks", len(summary.Tracks))
	return summary, nil
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
