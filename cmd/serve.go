package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/screenrec/internal/server"
	"github.com/audiolibrelab/screenrec/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder daemon",
	Long: `Run the screen recorder daemon. It accepts start, stop, pause, resume
and status commands over HTTP and streams lifecycle events on /events.

Unless server.exit_when_idle is false, the daemon exits after answering a
status query while nothing is recording.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Server.Listen = listen
		}

		platform, err := newPlatform()
		if err != nil {
			return err
		}
		svc := service.New(cfg, platform)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("Screen recorder daemon starting",
			"listen", cfg.Server.Listen,
			"config", cfgFile,
			"backend", string(platform.Backend()),
			"output", cfg.Output.Directory)

		if err := server.New(svc, cfg.Server.Listen).Run(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on (overrides server.listen)")
}
