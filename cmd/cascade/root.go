package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type globalFlags struct {
	project   string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "cascade",
		Short: "Mission to team to worker orchestration",
		Long: "cascade splits a mission into team specs, expands each team into worker specs,\n" +
			"runs an execution tool per worker and summarizes every finished team.\n" +
			"All progress lives in marker files, so any command can be re-run safely.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.project, "project", "C", ".", "Project directory holding config.yaml")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "text", "Console log format: text or json")

	root.AddCommand(
		newInitCmd(g),
		newSeedCmd(g),
		newTickCmd(g),
		newLoopCmd(g),
		newRunCmd(g),
		newStopCmd(g),
		newResumeCmd(g),
		newStatusCmd(g),
		newValidateCmd(g),
		newServeCmd(g),
		newWatchCmd(g),
	)
	return root
}
