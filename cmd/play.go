package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a recording",
	Long: `Play a recording with the first available player (mpv, vlc or ffplay).
Without an argument the newest recording of output.directory is played.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		if err := play.New(cfg.Output.Directory).Play(cmd.Context(), path); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
