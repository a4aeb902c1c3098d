package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeebsjenkins/openclaw/internal/config"
	"github.com/jeebsjenkins/openclaw/internal/dependency"
)

var serveVerbose bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the openclaw server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Verbose logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	if serveVerbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	container, err := dependency.New(cfg)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A configured gateway must authenticate before anything else runs.
	gw := container.Gateway()
	if gw.Enabled() {
		if err := gw.Connect(ctx); err != nil {
			return fmt.Errorf("gateway handshake: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return container.Turns().Start(gctx) })
	g.Go(func() error { return gw.Run(gctx) })

	// Control surface and supervisor failures are survivable: agents can
	// still run turns without them.
	g.Go(func() error {
		if err := container.Control().Start(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("serve: control surface failed", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := container.Services().Start(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("serve: service supervisor failed", "err", err)
		}
		return nil
	})

	slog.Info("serve: running", "root", cfg.ProjectRoot)

	if err := g.Wait(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		return err
	}
	fmt.Println("Shutdown complete.")
	return nil
}
