package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultFFmpegBinary = "ffmpeg"

	ffmpegStopTimeout = 5 * time.Second
	packetQueueSize   = 64
	stderrTailLines   = 20

	stderrDrainTimeout = 2 * time.Second
)

// ffmpegCodec runs an ffmpeg process writing an elementary stream to
// stdout. parse turns that stream into packets.
type ffmpegCodec struct {
	name      string
	binary    string
	args      []string
	logWriter io.Writer
	logger    *slog.Logger
	parse     func(r io.Reader, emit func(Packet) bool) error

	cmd        *exec.Cmd
	packets    chan Packet
	readErr    error
	readerDone chan struct{}
	quit       chan struct{}
	closing    atomic.Bool

	stderrMu   sync.Mutex
	stderrTail []string
	stderrDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *ffmpegCodec) start(ctx context.Context) error {
	if c.binary == "" {
		c.binary = DefaultFFmpegBinary
	}
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", c.binary, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.logger.Info("Starting FFmpeg", "command", c.binary+" "+strings.Join(c.args, " "))

	cmd := exec.Command(c.binary, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	c.cmd = cmd
	c.packets = make(chan Packet, packetQueueSize)
	c.readerDone = make(chan struct{})
	c.quit = make(chan struct{})
	c.stderrDone = make(chan struct{})

	go c.readOutput(stderr)
	go c.readPackets(stdout)
	return nil
}

func (c *ffmpegCodec) readPackets(stdout io.Reader) {
	defer close(c.readerDone)
	defer close(c.packets)

	err := c.parse(stdout, func(p Packet) bool {
		select {
		case c.packets <- p:
			return true
		case <-c.quit:
			return false
		}
	})
	if c.closing.Load() {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.readErr = fmt.Errorf("%s stream: %w", c.name, err)
		return
	}
	c.waitStderr()
	c.readErr = fmt.Errorf("%s: ffmpeg exited unexpectedly: %s", c.name, c.stderrSummary())
}

// readOutput forwards ffmpeg diagnostics to the debug log and keeps the tail
// for error reports.
func (c *ffmpegCodec) readOutput(pipe io.ReadCloser) {
	defer close(c.stderrDone)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderrMu.Lock()
		c.stderrTail = append(c.stderrTail, line)
		if len(c.stderrTail) > stderrTailLines {
			c.stderrTail = c.stderrTail[1:]
		}
		c.stderrMu.Unlock()
		if c.logWriter != nil {
			fmt.Fprintf(c.logWriter, "[%s] %s\n", c.name, line)
		}
		c.logger.Debug("FFmpeg output", "line", line)
	}
}

// waitStderr blocks until ffmpeg's stderr reached EOF. The pipe stays open
// while any process inheriting it lives, so the wait is bounded.
func (c *ffmpegCodec) waitStderr() {
	select {
	case <-c.stderrDone:
	case <-time.After(stderrDrainTimeout):
		c.logger.Warn("FFmpeg stderr still open, error output may be incomplete")
	}
}

func (c *ffmpegCodec) stderrSummary() string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrTail) == 0 {
		return "no output"
	}
	return strings.Join(c.stderrTail, "; ")
}

func (c *ffmpegCodec) ReadPacket() (Packet, error) {
	p, ok := <-c.packets
	if !ok {
		if c.readErr != nil {
			return Packet{}, c.readErr
		}
		return Packet{}, io.EOF
	}
	return p, nil
}

func (c *ffmpegCodec) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.stopFFmpeg()
	})
	return c.closeErr
}

// stopFFmpeg interrupts ffmpeg so it flushes its encoder, lets the packet
// reader drain, and kills the process if it does not exit in time.
func (c *ffmpegCodec) stopFFmpeg() error {
	c.closing.Store(true)
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	c.logger.Debug("Sending SIGINT to FFmpeg process")
	if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
		c.logger.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", err)
		_ = c.cmd.Process.Kill()
	}

	select {
	case <-c.readerDone:
	case <-time.After(ffmpegStopTimeout):
		c.logger.Warn("FFmpeg did not exit within timeout, force killing")
		_ = c.cmd.Process.Kill()
		close(c.quit)
		<-c.readerDone
	}

	// Wait closes the stderr pipe
	c.waitStderr()
	err := c.cmd.Wait()
	if err == nil {
		c.logger.Debug("FFmpeg exited successfully")
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// 255 is ffmpeg's exit code after a graceful interrupt
		if exitErr.ExitCode() == 255 {
			c.logger.Debug("FFmpeg exited normally after interrupt signal")
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				c.logger.Debug("FFmpeg exited normally due to signal", "state", state)
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg process failed: %w (%s)", err, c.stderrSummary())
}
