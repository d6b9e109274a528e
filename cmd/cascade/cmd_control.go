package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/controlplane"
)

func newStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop FILE",
		Short: "Pause a team so no stage runs for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.plane().Stop(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume FILE",
		Short: "Clear a stop and re-enqueue unfinished workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			enqueued, err := p.plane().Resume(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %s, %d worker(s) enqueued\n", args[0], len(enqueued))
			return nil
		},
	}
}

type statusFlags struct {
	json bool
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	f := &statusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every team with its workers and markers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()
			tree := p.plane().Snapshot()
			if f.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tree)
			}
			return printTree(cmd.OutOrStdout(), tree)
		},
	}
	cmd.Flags().BoolVar(&f.json, "json", false, "Print the tree as JSON")
	return cmd
}

func printTree(w io.Writer, tree controlplane.Tree) error {
	fmt.Fprintf(w, "teams: %d  workers: %d  queued: %d\n", len(tree.Teams), tree.WorkerCount(), tree.Queued)
	fmt.Fprintf(w, "api calls: manager %d  worker %d  ceo %d\n\n",
		tree.APICalls["manager"], tree.APICalls["worker"], tree.APICalls["ceo"])
	if len(tree.Teams) == 0 && len(tree.Unowned) == 0 {
		fmt.Fprintln(w, "No teams yet. Run `cascade seed \"<mission>\"` to start.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SPEC\tSTATE\tMANAGER\tSUMMARY\tMISSION")
	for _, team := range tree.Teams {
		state := string(team.State)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", team.ID, state, presence(team.Manager), presence(team.Summary), truncate(team.Mission, 60))
		for _, worker := range team.Workers {
			fmt.Fprintf(tw, "  %s\t%s\t\t\t%s\n", worker.ID, workerState(worker), truncate(worker.Mission, 60))
		}
	}
	for _, worker := range tree.Unowned {
		fmt.Fprintf(tw, "%s\t%s (no team)\t\t\t%s\n", worker.ID, workerState(worker), truncate(worker.Mission, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, name := range tree.Malformed {
		fmt.Fprintf(w, "malformed: %s\n", name)
	}
	return nil
}

func presence(m controlplane.Marker) string {
	if m.Present {
		return "yes"
	}
	return "-"
}

func workerState(w controlplane.Worker) string {
	switch {
	case w.ExitCode != nil:
		return fmt.Sprintf("exit %d", *w.ExitCode)
	case w.Progress.Present:
		return "done"
	default:
		return "pending"
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
