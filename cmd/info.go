package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/config"
	"github.com/audiolibrelab/screenrec/internal/recorder"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show display size, target size and resolved configuration",
	Long:  `Display the natural display size, the encoded target size, the next output path and the resolved configuration with inheritance indicators. Shows which values are inherited from default vs profile-specific.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		platform := capture.NewPlatform(cfg, nil)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Printf("=== CAPTURE ===\n")
		fmt.Printf("backend: %s\n", platform.Backend())
		natural, err := platform.DisplaySize(ctx)
		if err != nil {
			fmt.Printf("display: unknown (%v)\n", err)
		} else {
			fmt.Printf("display: %s\n", natural)
			fmt.Printf("target: %s\n", platform.TargetSize(natural))
		}
		fmt.Printf("next_output: %s\n", filepath.Join(cfg.Output.Directory, recorder.DefaultFileName(time.Now(), cfg.Output.Container)))

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")
		inh := cfg.Inheritance

		fmt.Printf("\n[Video]\n")
		printSetting(inh, "video.max_width", cfg.Video.MaxWidth)
		printSetting(inh, "video.max_height", cfg.Video.MaxHeight)
		printSetting(inh, "video.bitrate", cfg.Video.Bitrate)
		printSetting(inh, "video.frame_rate", cfg.Video.FrameRate)
		printSetting(inh, "video.grabber", cfg.Video.Grabber)
		printSetting(inh, "video.input", cfg.Video.Input)

		fmt.Printf("\n[Audio]\n")
		printSetting(inh, "audio.enabled", cfg.AudioEnabled())
		printSetting(inh, "audio.sample_rate", cfg.Audio.SampleRate)
		printSetting(inh, "audio.channels", cfg.Audio.Channels)
		printSetting(inh, "audio.bitrate", cfg.Audio.Bitrate)
		printSetting(inh, "audio.input", cfg.Audio.Input)

		fmt.Printf("\n[Output]\n")
		printSetting(inh, "output.directory", cfg.Output.Directory)
		printSetting(inh, "output.container", cfg.Output.Container)

		fmt.Printf("\n[Capture]\n")
		printSetting(inh, "capture.source", cfg.Capture.Source)
		printSetting(inh, "capture.grant_ttl", cfg.Capture.GrantTTL)
		printSetting(inh, "capture.require_grant", cfg.GrantRequired())

		fmt.Printf("\n[Session]\n")
		printSetting(inh, "session.stop_timeout", cfg.Session.StopTimeout)
		printSetting(inh, "session.queue_size", cfg.Session.QueueSize)

		fmt.Printf("\n[Server]\n")
		printSetting(inh, "server.listen", cfg.Server.Listen)
		printSetting(inh, "server.exit_when_idle", cfg.ExitWhenIdle())

		fmt.Printf("\navailable_backends: %v\n", capture.GetAvailableBackends())
		return nil
	},
}

func printSetting(inh *config.InheritanceInfo, key string, value interface{}) {
	name := key[strings.LastIndex(key, ".")+1:]
	fmt.Printf("%s: %v %s\n", name, value, getInheritanceIndicator(inh.Of(key)))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.InheritedValue:
		return "[inherited]"
	case config.ProfileSpecificValue:
		return "[profile-specific]"
	default:
		return "[default]"
	}
}
