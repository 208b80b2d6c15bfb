package capture

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Size is a pixel size.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

func (s Size) Portrait() bool {
	return s.Height > s.Width
}

// TargetSize scales natural down so that it fits maxWidth x maxHeight,
// keeping the aspect ratio. The bound is swapped for portrait displays and
// smaller displays are never upscaled.
func TargetSize(natural Size, maxWidth, maxHeight int) Size {
	boundW, boundH := maxWidth, maxHeight
	if natural.Portrait() {
		boundW, boundH = maxHeight, maxWidth
	}
	if natural.Width <= 0 || natural.Height <= 0 || boundW <= 0 || boundH <= 0 {
		return natural
	}
	if natural.Width <= boundW && natural.Height <= boundH {
		return natural
	}

	// scale = max(w/boundW, h/boundH); integer math keeps the limiting side exact
	if natural.Width*boundH >= natural.Height*boundW {
		return Size{Width: boundW, Height: natural.Height * boundW / natural.Width}
	}
	return Size{Width: natural.Width * boundH / natural.Height, Height: boundH}
}

// ProbeDisplaySize asks the X server for the size of the screen.
func ProbeDisplaySize(ctx context.Context, display string) (Size, error) {
	args := []string{}
	if display != "" {
		args = append(args, "-display", display)
	}
	out, err := exec.CommandContext(ctx, "xdpyinfo", args...).Output()
	if err != nil {
		return Size{}, fmt.Errorf("failed to query display %s: %w", display, err)
	}
	return parseDimensions(string(out))
}

// parseDimensions extracts the first "dimensions:    1920x1080 pixels" line
// of xdpyinfo output.
func parseDimensions(out string) (Size, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "dimensions:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "dimensions:"))
		if len(fields) == 0 {
			break
		}
		var s Size
		if _, err := fmt.Sscanf(fields[0], "%dx%d", &s.Width, &s.Height); err != nil {
			return Size{}, fmt.Errorf("invalid dimensions %q: %w", fields[0], err)
		}
		if s.Width <= 0 || s.Height <= 0 {
			return Size{}, fmt.Errorf("invalid dimensions %q", fields[0])
		}
		return s, nil
	}
	return Size{}, fmt.Errorf("no screen dimensions in xdpyinfo output")
}
