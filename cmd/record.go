package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/recorder"
	"github.com/audiolibrelab/screenrec/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record [output]",
	Short: "Record the screen in the foreground",
	Long: `Record the screen and microphone until interrupted with Ctrl+C, then
finalize the file. SIGUSR1 toggles pause.

Without an output argument the recording is written to a timestamped
file in output.directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grant, _ := cmd.Flags().GetString("grant")
		var output string
		if len(args) == 1 {
			output = args[0]
		}

		platform, err := newPlatform()
		if err != nil {
			return err
		}
		svc := service.New(cfg, platform)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		toggle := make(chan os.Signal, 1)
		signal.Notify(toggle, syscall.SIGUSR1)
		defer signal.Stop(toggle)

		info, err := runRecording(ctx, svc, grant, output, toggle, cfg.Session.StopTimeout*2)
		if err != nil {
			return err
		}
		slog.Info("Recording saved", "path", info.Path)
		return nil
	},
}

// runRecording records until ctx is done or the session ends on its own.
// Anything received on toggle pauses or resumes the session.
func runRecording(ctx context.Context, svc service.Service, grant, output string, toggle <-chan os.Signal, finalizeTimeout time.Duration) (*recorder.SessionInfo, error) {
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for n := range events {
			switch n.Type {
			case recorder.EventFailed:
				slog.Error("Recording failed", "stream", n.Stream, "error", n.Error)
			case recorder.EventStopped:
				return
			}
		}
	}()

	info, err := svc.Start(ctx, grant, output)
	if err != nil {
		return nil, fmt.Errorf("failed to start recording: %w", err)
	}
	slog.Info("Recording - press Ctrl+C to stop",
		"path", info.Path,
		"size", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"pid", os.Getpid())

wait:
	for {
		select {
		case <-toggle:
			if !svc.Pause() {
				svc.Resume()
			}
		case <-ctx.Done():
			break wait
		case <-ended:
			break wait
		}
	}

	slog.Info("Stopping recording...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return info, fmt.Errorf("recording was not finalized: %w", err)
	}
	if msg := svc.GetLastError(); msg != "" {
		return info, fmt.Errorf("recording failed: %s", msg)
	}
	return info, nil
}

func init() {
	recordCmd.Flags().String("grant", "", "capture grant token issued by 'screenrec grant'")
}
