package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/recorder"
)

func boolPtr(b bool) *bool { return &b }

func newTestService(t *testing.T, mutate func(*config.Config)) (*ScreenRecorderService, *testingclock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Capture.Source = "synthetic"
	cfg.Capture.RequireGrant = boolPtr(false)
	cfg.Session.StopTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	clk := testingclock.NewFakeClock(time.Date(2024, 5, 4, 10, 30, 0, 0, time.UTC))
	platform := capture.NewPlatform(cfg, nil, capture.WithClock(clk))
	svc := New(cfg, platform, WithClock(clk))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, clk
}

func collect(ch <-chan Notification, want recorder.EventType, timeout time.Duration) (Notification, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return Notification{}, false
			}
			if n.Type == want {
				return n, true
			}
		case <-deadline:
			return Notification{}, false
		}
	}
}

func TestQueryStatusIdleRequestsExit(t *testing.T) {
	svc, _ := newTestService(t, nil)
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	report := svc.QueryStatus()
	assert.False(t, report.Recording)
	assert.False(t, report.Paused)
	assert.True(t, report.ShouldExit)
	assert.Nil(t, report.Session)

	select {
	case <-svc.ExitRequested():
	default:
		t.Fatal("idle status query did not request exit")
	}

	n, ok := collect(events, EventStatus, time.Second)
	require.True(t, ok)
	require.NotNil(t, n.Status)
	assert.False(t, n.Status.Recording)
}

func TestQueryStatusStaysUpWhenConfigured(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *config.Config) {
		cfg.Server.ExitWhenIdle = boolPtr(false)
	})

	report := svc.QueryStatus()
	assert.False(t, report.ShouldExit)
	select {
	case <-svc.ExitRequested():
		t.Fatal("exit requested although exit_when_idle is off")
	default:
	}
}

func TestServiceSessionLifecycle(t *testing.T) {
	svc, _ := newTestService(t, nil)
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	info, err := svc.Start(context.Background(), "", "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 2, info.Streams)

	again, err := svc.Start(context.Background(), "", "")
	assert.NoError(t, err)
	assert.Nil(t, again)

	report := svc.QueryStatus()
	assert.True(t, report.Recording)
	assert.False(t, report.ShouldExit)

	require.True(t, svc.Pause())
	assert.True(t, svc.QueryStatus().Paused)
	require.True(t, svc.Resume())

	require.True(t, svc.Stop())
	assert.False(t, svc.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Wait(ctx))

	_, ok := collect(events, recorder.EventStarted, time.Second)
	assert.True(t, ok)
	_, ok = collect(events, recorder.EventFinalized, time.Second)
	assert.True(t, ok)
}

func TestServiceStartPermissionDenied(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *config.Config) {
		cfg.Capture.RequireGrant = boolPtr(true)
	})

	_, err := svc.Start(context.Background(), "bogus", "")
	var denied *capture.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, svc.GetLastError(), "Failed to start recording")
	assert.False(t, svc.QueryStatus().Recording)
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	older := time.Now().Add(-time.Hour)
	files := map[string]time.Time{
		"a.mkv":         older,
		"b.mp4":         time.Now(),
		"c.mkv.part":    time.Now(),
		"notes.txt":     time.Now(),
		"UPPERCASE.MKV": older.Add(-time.Hour),
	}
	for name, mod := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.mkv"), 0o755))

	recordings, err := ListRecordings(dir)
	require.NoError(t, err)
	require.Len(t, recordings, 3)
	assert.Equal(t, "b.mp4", recordings[0].Name)
	assert.Equal(t, "a.mkv", recordings[1].Name)
	assert.Equal(t, "UPPERCASE.MKV", recordings[2].Name)
	assert.Equal(t, "mkv", recordings[2].Container)
	assert.Equal(t, "2.0 KB", recordings[0].SizeHuman)

	missing, err := ListRecordings(filepath.Join(dir, "missing"))
	assert.NoError(t, err)
	assert.Empty(t, missing)
}

func TestAnalyzeRecordingRejectsPaths(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.AnalyzeRecording("../etc/passwd")
	assert.Error(t, err)

	_, err = AnalyzeFile(filepath.Join(t.TempDir(), "clip.mp4"))
	assert.ErrorContains(t, err, "Matroska")
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}
