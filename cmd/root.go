package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/audiolibrelab/screenrec/internal/capture"
	"github.com/audiolibrelab/screenrec/internal/client"
	"github.com/audiolibrelab/screenrec/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "screenrec",
	Short: "Screen recorder with pause, resume and a control daemon",
	Long: `screenrec records the screen and the microphone into a single
Matroska or MP4 file.

Recordings can run in the foreground ('screenrec record') or inside a
daemon ('screenrec serve') that is driven with start, stop, pause,
resume and status. Capture needs a grant issued by 'screenrec grant'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/screenrec.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}

// ffmpegLogWriter returns where ffmpeg diagnostics go: stderr from verbose
// level 2, nowhere below.
func ffmpegLogWriter() io.Writer {
	if verboseLevel >= 2 {
		return os.Stderr
	}
	return nil
}

func openGrantStore() (*capture.GrantStore, error) {
	path, err := capture.DefaultGrantPath()
	if err != nil {
		return nil, err
	}
	return capture.NewGrantStore(path, clock.RealClock{}), nil
}

func newPlatform() (*capture.Platform, error) {
	grants, err := openGrantStore()
	if err != nil {
		return nil, err
	}
	return capture.NewPlatform(cfg, grants, capture.WithLogWriter(ffmpegLogWriter())), nil
}

func daemonClient() *client.Client {
	return client.New(cfg.Server.Listen)
}
