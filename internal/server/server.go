package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/encoder"
	"github.com/audiolibrelab/screenrec/internal/recorder"
	"github.com/audiolibrelab/screenrec/internal/service"
)

const (
	shutdownTimeout = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

// Server exposes the recorder service over HTTP.
type Server struct {
	service service.Service
	listen  string
}

// StartRequest is the body of POST /start.
type StartRequest struct {
	Grant  string `json:"grant"`
	Output string `json:"output,omitempty"`
}

// CommandResponse is returned by the command endpoints.
type CommandResponse struct {
	Success bool                  `json:"success"`
	Changed bool                  `json:"changed"`
	Message string                `json:"message"`
	Session *recorder.SessionInfo `json:"session,omitempty"`
}

// RecordingsResponse represents the JSON response for the recordings endpoint
type RecordingsResponse struct {
	Recordings []service.RecordingInfo `json:"recordings"`
	TotalCount int                     `json:"total_count"`
	Directory  string                  `json:"directory"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func New(svc service.Service, listen string) *Server {
	return &Server{service: svc, listen: listen}
}

// Handler returns the HTTP routes of the daemon.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/pause", s.handlePause)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/{name}", s.handleRecordingAnalysis)
	return mux
}

// Run serves until ctx is cancelled or the service asks to exit, then stops
// the active session and waits for it to be finalized.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting screen recorder daemon", "listen", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown requested")
	case <-s.service.ExitRequested():
		slog.Info("Daemon idle, shutting down")
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := s.service.Shutdown(shutdownCtx); err != nil {
		slog.Error("Recording was not finalized before shutdown", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return serveErr
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid start request body", "operation", "start", "error", err)
		return
	}

	slog.Debug("Start request received", "output", req.Output)
	info, err := s.service.Start(r.Context(), req.Grant, req.Output)
	if err != nil {
		s.sendErrorResponse(w, startErrorStatus(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start")
		return
	}

	resp := CommandResponse{Success: true, Changed: info != nil, Session: info}
	if info != nil {
		resp.Message = "Recording started"
	} else {
		resp.Message = "Recording already in progress"
	}
	sendJSON(w, http.StatusOK, resp)
}

func startErrorStatus(err error) int {
	var denied *capture.PermissionDeniedError
	var initErr *encoder.EncoderInitError
	switch {
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.Is(err, recorder.ErrStartCancelled):
		return http.StatusConflict
	case errors.As(err, &initErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.service.Stop, "Recording stopped", "No recording in progress")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.service.Pause, "Recording paused", "No recording to pause")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.service.Resume, "Recording resumed", "No paused recording")
}

// command runs a no-argument command. Commands that do not apply to the
// current state succeed without changing anything.
func (s *Server) command(w http.ResponseWriter, r *http.Request, run func() bool, changed, unchanged string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	resp := CommandResponse{Success: true, Changed: run()}
	resp.Message = unchanged
	if resp.Changed {
		resp.Message = changed
	}
	sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	sendJSON(w, http.StatusOK, s.service.QueryStatus())
}

// handleEvents streams lifecycle notifications over a websocket until the
// client disconnects or the service shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade events connection", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.service.Subscribe()
	defer unsubscribe()

	slog.Debug("Events subscriber connected", "remote", r.RemoteAddr)

	// the read side only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("Events read error", "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case n, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				slog.Debug("Events write failed", "error", err)
				return
			}
		case <-gone:
			slog.Debug("Events subscriber disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, err.Error(), "operation", "list_recordings")
		return
	}
	if recordings == nil {
		recordings = []service.RecordingInfo{}
	}
	sendJSON(w, http.StatusOK, RecordingsResponse{
		Recordings: recordings,
		TotalCount: len(recordings),
		Directory:  s.service.GetConfig().Output.Directory,
	})
}

func (s *Server) handleRecordingAnalysis(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	name := r.PathValue("name")
	summary, err := s.service.AnalyzeRecording(name)
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, err.Error(), "operation", "analyze_recording", "name", name)
		return
	}
	sendJSON(w, http.StatusOK, summary)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	sendJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

func sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}
