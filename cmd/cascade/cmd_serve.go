package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/cascade/internal/controlplane"
	"github.com/kingrea/cascade/internal/engine"
	"github.com/kingrea/cascade/internal/events"
)

type serveFlags struct {
	host     string
	port     int
	loop     bool
	interval time.Duration
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP dashboard",
		Long: "serve exposes the team tree, spec and progress files, API logs and the\n" +
			"stop/start controls over HTTP. With --loop the engine ticks in the background.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.host, "host", "", "Listen host (default from config.yaml)")
	cmd.Flags().IntVar(&f.port, "port", -1, "Listen port (default from config.yaml)")
	cmd.Flags().BoolVar(&f.loop, "loop", false, "Run the engine loop alongside the dashboard")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Pause between ticks with --loop (default from config.yaml)")
	return cmd
}

func serve(cmd *cobra.Command, g *globalFlags, f *serveFlags) error {
	p, err := openProject(cmd, g)
	if err != nil {
		return err
	}
	defer p.Close()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := controlplane.SettingsFromConfig(p.cfg)
	if f.host != "" {
		settings.Host = f.host
	}
	if f.port >= 0 {
		settings.Port = f.port
	}
	opts := []controlplane.Option{controlplane.WithLogger(p.log.Logger)}
	hub := events.NewHub(events.WithLogger(p.log.Logger))

	loop, err := p.loop(ctx, engine.WithEvents(hub))
	switch {
	case err == nil:
		opts = append(opts, controlplane.WithTick(loop.Tick))
	case f.loop:
		return err
	default:
		// A dashboard without a planning service is still useful for
		// browsing and stop/start.
		p.log.Warn("tick control disabled", "error", err)
	}

	server := controlplane.NewServer(settings, p.plane(controlplane.WithEventHub(hub)), opts...)
	if err := server.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dashboard at %s\n", server.BaseURL())

	group, gctx := errgroup.WithContext(ctx)
	if f.loop {
		every := p.cfg.Interval()
		if f.interval > 0 {
			every = f.interval
		}
		group.Go(func() error {
			return loop.Run(gctx, every)
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
