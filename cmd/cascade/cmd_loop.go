package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/engine"
)

func newSeedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed MISSION",
		Short: "Split a mission into team specs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mission := strings.TrimSpace(strings.Join(args, " "))
			if mission == "" {
				return errors.New("mission must not be empty")
			}
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			loop, err := p.loop(cmd.Context())
			if err != nil {
				return err
			}
			created, err := loop.Seed(cmd.Context(), mission)
			if err != nil {
				return err
			}
			for _, sp := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "team %s\t%s\n", sp.ID, sp.Path)
			}
			return nil
		},
	}
}

func newTickCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one plan, execute and summarize pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			loop, err := p.loop(cmd.Context())
			if err != nil {
				return err
			}
			report, err := loop.Tick(cmd.Context())
			printReport(cmd.OutOrStdout(), report)
			if err != nil {
				return err
			}
			if n := len(report.Failures); n > 0 {
				return fmt.Errorf("tick reported %d failure(s)", n)
			}
			return nil
		},
	}
}

func newLoopCmd(g *globalFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Tick until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			loop, err := p.loop(ctx)
			if err != nil {
				return err
			}
			every := p.cfg.Interval()
			if interval > 0 {
				every = interval
			}
			p.log.Info("loop started", "interval", every.String(), "parallel", p.cfg.MaxParallel())
			return loop.Run(ctx, every)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between ticks (default from config.yaml)")
	return cmd
}

func printReport(w io.Writer, r engine.Report) {
	fmt.Fprintf(w, "planned:    %s\n", orNone(r.Planned))
	fmt.Fprintf(w, "executed:   %s\n", orNone(r.Executed))
	fmt.Fprintf(w, "requeued:   %s\n", orNone(r.Requeued))
	fmt.Fprintf(w, "summarized: %s\n", orNone(r.Summarized))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "failed:     %s\n", f.String())
	}
}
