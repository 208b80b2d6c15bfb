package capture

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Source is an audio capture source known to the sound server.
type Source struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Spec   string `json:"spec"`
	State  string `json:"state"`
}

// Monitor reports whether the source records an output device rather than
// a microphone.
func (s Source) Monitor() bool {
	return strings.HasSuffix(s.Name, ".monitor")
}

// ListSources returns the capture sources reported by pactl, which works on
// both PulseAudio and PipeWire.
func ListSources() ([]Source, error) {
	output, err := exec.Command("pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio sources: %w", err)
	}
	return parseSources(string(output)), nil
}

// parseSources reads the tab separated output of `pactl list short sources`.
func parseSources(output string) []Source {
	var sources []Source
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		src := Source{Name: strings.TrimSpace(fields[1])}
		if idx, err := strconv.Atoi(strings.TrimSpace(fields[0])); err == nil {
			src.Index = idx
		}
		if len(fields) > 2 {
			src.Driver = fields[2]
		}
		if len(fields) > 3 {
			src.Spec = fields[3]
		}
		if len(fields) > 4 {
			src.State = fields[4]
		}
		sources = append(sources, src)
	}
	return sources
}

// ValidateSource checks that a configured source exists exactly once.
func ValidateSource(name string) error {
	if isDefaultSource(name) {
		return nil
	}
	sources, err := ListSources()
	if err != nil {
		return fmt.Errorf("failed to check audio source: %w", err)
	}
	return validateSourceInList(name, sources)
}

func isDefaultSource(name string) bool {
	return name == "" || name == "default" || name == "disabled"
}

func validateSourceInList(name string, sources []Source) error {
	if isDefaultSource(name) {
		return nil
	}
	duplicates := findSourceDuplicates(name, sources)
	if len(duplicates) == 0 {
		return fmt.Errorf("source not found: %s", name)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", name, duplicates)
	}
	return nil
}

// findSourceDuplicates finds all sources with exactly the same name
func findSourceDuplicates(name string, sources []Source) []string {
	var duplicates []string
	for _, src := range sources {
		if src.Name == name {
			duplicates = append(duplicates, fmt.Sprintf("#%d %s", src.Index, src.Name))
		}
	}
	return duplicates
}
