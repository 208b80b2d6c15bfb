package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/service"
)

// players in order of preference
var players = []string{"mpv", "vlc", "ffplay"}

type Player struct {
	directory string
	lookPath  func(string) (string, error)
}

// New creates a player for the recordings stored in directory.
func New(directory string) *Player {
	return &Player{directory: directory, lookPath: exec.LookPath}
}

// Resolve returns the file to play: path itself when given, otherwise the
// newest recording of the directory.
func (p *Player) Resolve(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("recording not found: %s", path)
		}
		return path, nil
	}
	recordings, err := service.ListRecordings(p.directory)
	if err != nil {
		return "", err
	}
	if len(recordings) == 0 {
		return "", fmt.Errorf("no recordings in %s", p.directory)
	}
	return recordings[0].Path, nil
}

// Play opens path, or the newest recording, in the first available player
// and waits for it to exit.
func (p *Player) Play(ctx context.Context, path string) error {
	file, err := p.Resolve(path)
	if err != nil {
		return err
	}

	player, err := p.findPlayer()
	if err != nil {
		return fmt.Errorf("no suitable video player found: %w", err)
	}

	cmd := exec.CommandContext(ctx, player, playerArgs(player, file)...)
	slog.Info("Playing recording", "file", file, "player", player)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

func playerArgs(player, file string) []string {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", file}
	case "ffplay":
		return []string{"-autoexit", "-loglevel", "error", file}
	default:
		return []string{file}
	}
}

func (p *Player) findPlayer() (string, error) {
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no video player found (tried: %s)", strings.Join(players, ", "))
}
