package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/capture"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the audio capture sources of the sound server (PulseAudio or PipeWire) that can be used as audio.input.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := capture.ListSources()
		if err != nil {
			return err
		}

		fmt.Printf("Audio sources (%d found):\n", len(sources))
		for _, src := range sources {
			marker := "  "
			if src.Name == cfg.Audio.Input {
				marker = color.GreenString("* ")
			}
			kind := "input"
			if src.Monitor() {
				kind = "monitor"
			}
			fmt.Printf("%s%d. %s %s\n", marker, src.Index, src.Name,
				color.New(color.Faint).Sprintf("(%s, %s, %s)", kind, src.Spec, src.State))
		}

		if err := capture.ValidateSource(cfg.Audio.Input); err != nil {
			fmt.Printf("\n%s configured audio.input %q: %v\n", color.YellowString("warning:"), cfg.Audio.Input, err)
		}
		fmt.Printf("\nConfigure with audio.input: \"<name>\" (\"default\" uses the server default)\n")
		return nil
	},
}
