package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/client"
	"github.com/audiolibrelab/screenrec/internal/recorder"
	"github.com/audiolibrelab/screenrec/internal/server"
	"github.com/audiolibrelab/screenrec/internal/service"
)

const commandTimeout = 30 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording in the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		grant, _ := cmd.Flags().GetString("grant")
		output, _ := cmd.Flags().GetString("output")

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		resp, err := daemonClient().Start(ctx, grant, output)
		if err != nil {
			return daemonError(err)
		}
		printCommandResponse(resp)
		if resp.Session != nil {
			fmt.Printf("Recording to %s (%dx%d)\n",
				color.CyanString(resp.Session.Path), resp.Session.Width, resp.Session.Height)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon's recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, (*client.Client).Stop)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the daemon's recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, (*client.Client).Pause)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the daemon's paused recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd, (*client.Client).Resume)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's recording status",
	Long: `Show whether the daemon is recording. With --watch, lifecycle events
are printed as they happen until interrupted.

Querying an idle daemon lets it exit unless server.exit_when_idle is false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		c := daemonClient()

		if watch {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Println("Watching daemon events, press Ctrl+C to stop")
			err := c.Watch(ctx, func(n service.Notification) bool {
				printNotification(n)
				return true
			})
			if err != nil {
				return daemonError(err)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		report, err := c.Status(ctx)
		if err != nil {
			return daemonError(err)
		}
		printStatus(report)
		return nil
	},
}

func init() {
	startCmd.Flags().String("grant", "", "capture grant token issued by 'screenrec grant'")
	startCmd.Flags().StringP("output", "o", "", "output file or directory (default: timestamped file in output.directory)")
	statusCmd.Flags().BoolP("watch", "w", false, "stream lifecycle events")

	rootCmd.AddCommand(startCmd, stopCmd, pauseCmd, resumeCmd, statusCmd)
}

func runCommand(cmd *cobra.Command, run func(*client.Client, context.Context) (*server.CommandResponse, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()
	resp, err := run(daemonClient(), ctx)
	if err != nil {
		return daemonError(err)
	}
	printCommandResponse(resp)
	return nil
}

func daemonError(err error) error {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		return fmt.Errorf("%w (start it with 'screenrec serve' on %s)", client.ErrDaemonNotRunning, cfg.Server.Listen)
	}
	return err
}

func printCommandResponse(resp *server.CommandResponse) {
	if resp.Changed {
		fmt.Println(color.GreenString("✓"), resp.Message)
	} else {
		fmt.Println(color.New(color.Faint).Sprint("-"), resp.Message)
	}
}

func printStatus(report *service.StatusReport) {
	state := color.New(color.Faint).Sprint("idle")
	switch {
	case report.Paused:
		state = color.New(color.FgYellow, color.Bold).Sprint("paused")
	case report.Recording:
		state = color.New(color.FgRed, color.Bold).Sprint(report.State)
	}
	fmt.Printf("Status: %s\n", state)

	if s := report.Session; s != nil {
		fmt.Printf("  Session:   %s\n", s.ID)
		fmt.Printf("  Output:    %s\n", color.CyanString(s.Path))
		fmt.Printf("  Size:      %dx%d (%d streams, %s)\n", s.Width, s.Height, s.Streams, s.Container)
		fmt.Printf("  Elapsed:   %s\n", s.Duration)
	}
	if report.LastError != "" {
		fmt.Printf("  Last error: %s\n", color.RedString(report.LastError))
	}
	if report.ShouldExit {
		fmt.Println(color.New(color.Faint).Sprint("Daemon is idle and shutting down"))
	}
}

func printNotification(n service.Notification) {
	ts := n.Time.Local().Format("15:04:05")
	label := string(n.Type)
	switch n.Type {
	case recorder.EventStarted, recorder.EventResumed:
		label = color.GreenString(label)
	case recorder.EventPaused:
		label = color.YellowString(label)
	case recorder.EventFailed:
		label = color.RedString(label)
	case recorder.EventFinalized:
		label = color.CyanString(label)
	}

	line := fmt.Sprintf("%s %s", color.New(color.Faint).Sprint(ts), label)
	if n.Stream != "" {
		line += " stream=" + n.Stream
	}
	if n.Path != "" {
		line += " path=" + n.Path
	}
	if n.Status != nil {
		line += fmt.Sprintf(" recording=%t paused=%t", n.Status.Recording, n.Status.Paused)
	}
	if n.Error != "" {
		line += " error=" + color.RedString(n.Error)
	}
	fmt.Println(line)
}
