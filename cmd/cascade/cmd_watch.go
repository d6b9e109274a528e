package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/tui"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Console logs would tear the alternate screen; file logs remain.
			g.logLevel = "error"
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			opts := []tui.AppOption{}
			if refresh > 0 {
				opts = append(opts, tui.WithRefreshInterval(refresh))
			}
			if loop, err := p.loop(cmd.Context()); err == nil {
				opts = append(opts, tui.WithTick(loop.Tick))
			} else {
				p.log.Warn("tick control disabled", "error", err)
			}
			program := tea.NewProgram(tui.NewApp(p.plane(), opts...), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = program.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 0, "Refresh interval (default 3s)")
	return cmd
}
