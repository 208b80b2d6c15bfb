package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/service"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Check a Matroska recording",
	Long:  `Reopen a Matroska recording and print, per track, the codec, the number of samples and the timestamp range. Fails when timestamps are negative or go backwards.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := service.AnalyzeFile(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s, %d tracks)\n", args[0], summary.DocType, len(summary.Tracks))
		healthy := true
		for _, t := range summary.Tracks {
			fmt.Printf("  track %d %s", t.Number, t.CodecID)
			if t.Width > 0 {
				fmt.Printf(" %dx%d", t.Width, t.Height)
			}
			if t.SampleRate > 0 {
				fmt.Printf(" %.0f Hz %d ch", t.SampleRate, t.Channels)
			}
			fmt.Printf(": %d samples (%d key), %s .. %s", t.Samples, t.KeyFrames, t.First, t.Last)
			if t.Monotonic() {
				fmt.Printf(" %s\n", color.GreenString("ok"))
			} else {
				healthy = false
				fmt.Printf(" %s\n", color.RedString("non-monotonic"))
			}
		}
		if !healthy {
			return fmt.Errorf("recording has invalid timestamps")
		}
		return nil
	},
}
