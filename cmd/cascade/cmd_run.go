package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/progress"
)

const (
	roleCEO     = "ceo"
	roleManager = "manager"
	roleWorker  = "worker"
)

type runFlags struct {
	role     string
	prompt   string
	specPath string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run --role ceo|manager|worker (--prompt TEXT | --spec FILE)",
		Short: "Run one stage for a single mission or spec",
		Long: "run performs one stage directly:\n" +
			"  --role ceo --prompt TEXT     split a mission into team specs\n" +
			"  --role ceo --spec FILE       summarize a finished team\n" +
			"  --role manager --spec FILE   expand a team into worker specs\n" +
			"  --role worker --spec FILE    execute a worker spec",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.validate(); err != nil {
				return err
			}
			return runStage(cmd, g, f)
		},
	}
	cmd.Flags().StringVar(&f.role, "role", "", "Stage to run: ceo, manager or worker")
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "Mission text (ceo only)")
	cmd.Flags().StringVar(&f.specPath, "spec", "", "Spec file to act on")
	return cmd
}

func (f *runFlags) validate() error {
	f.role = strings.ToLower(strings.TrimSpace(f.role))
	prompt := strings.TrimSpace(f.prompt) != ""
	path := strings.TrimSpace(f.specPath) != ""
	switch f.role {
	case roleCEO:
		if prompt == path {
			return errors.New("role ceo needs exactly one of --prompt or --spec")
		}
	case roleManager, roleWorker:
		if !path {
			return fmt.Errorf("role %s needs --spec", f.role)
		}
		if prompt {
			return fmt.Errorf("role %s does not take --prompt", f.role)
		}
	case "":
		return errors.New("--role is required")
	default:
		return fmt.Errorf("unknown role %q (want ceo, manager or worker)", f.role)
	}
	return nil
}

func runStage(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	ctx := cmd.Context()
	p, err := openProject(cmd, g)
	if err != nil {
		return err
	}
	defer p.Close()
	out := cmd.OutOrStdout()

	if f.role == roleCEO && f.prompt != "" {
		pl, err := p.planner(ctx)
		if err != nil {
			return err
		}
		created, err := pl.Split(ctx, f.prompt)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(created))
		for _, sp := range created {
			ids = append(ids, sp.ID)
			fmt.Fprintf(out, "team %s\t%s\n", sp.ID, sp.Path)
		}
		p.journal.Info("seeded %d team spec(s): %s", len(ids), strings.Join(ids, ", "))
		return nil
	}

	sp, err := p.specs.Read(p.resolveSpecPath(f.specPath))
	if err != nil {
		return err
	}
	if p.stopped(sp) {
		fmt.Fprintf(out, "%s is stopped; nothing to do\n", sp.ID)
		return nil
	}

	switch f.role {
	case roleCEO:
		if !sp.IsTopLevel() {
			return fmt.Errorf("%s is not a team spec", sp.ID)
		}
		sm, err := p.summarizer(ctx)
		if err != nil {
			return err
		}
		summary, err := sm.Summarize(ctx, sp)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, summary)
	case roleManager:
		if !sp.IsTopLevel() {
			return fmt.Errorf("%s is not a team spec", sp.ID)
		}
		pl, err := p.planner(ctx)
		if err != nil {
			return err
		}
		result, err := pl.Expand(ctx, sp)
		if err != nil {
			return err
		}
		if result.AlreadyPlanned {
			fmt.Fprintf(out, "%s was already planned\n", sp.ID)
			return nil
		}
		fmt.Fprintf(out, "created: %s\n", orNone(result.Created))
		fmt.Fprintf(out, "skipped: %s\n", orNone(result.Skipped))
	case roleWorker:
		if sp.IsTopLevel() {
			return fmt.Errorf("%s is a team spec; run it with --role manager", sp.ID)
		}
		ex, err := p.executor()
		if err != nil {
			return err
		}
		result, err := ex.Run(ctx, sp)
		if err != nil {
			return err
		}
		if result.Skipped {
			fmt.Fprintf(out, "%s already ran; see %s\n", sp.ID, p.board.Path(progress.RoleWorker, sp.ID))
			return nil
		}
		fmt.Fprintf(out, "%s exited %d in %s\n", sp.ID, result.ExitCode, result.OutputDir)
		if len(result.Missing) > 0 {
			fmt.Fprintf(out, "missing outputs: %s\n", strings.Join(result.Missing, ", "))
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%s: tool exited %d", sp.ID, result.ExitCode)
		}
	}
	return nil
}

func orNone(ids []string) string {
	if len(ids) == 0 {
		return "None"
	}
	return strings.Join(ids, ", ")
}
