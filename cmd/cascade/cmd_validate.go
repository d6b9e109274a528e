package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/cascade/internal/contracts"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [FILE...]",
		Short: "Check spec documents for structural problems",
		Long: "validate checks every spec (or the given files) for a slug id matching the\n" +
			"file name, a mission, a known team parent and relative input/output paths.",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd, g)
			if err != nil {
				return err
			}
			defer p.Close()

			var reports []contracts.Report
			if len(args) == 0 {
				reports = contracts.ValidateStore(p.specs)
			} else {
				for _, arg := range args {
					report, err := contracts.ValidateFile(p.specs, p.resolveSpecPath(arg))
					if err != nil {
						reports = append(reports, contracts.Report{Path: arg, Errors: []error{err}})
						continue
					}
					reports = append(reports, *report)
				}
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, report := range reports {
				if report.IsValid() {
					fmt.Fprintf(out, "OK: %s\n", report.Path)
					continue
				}
				invalid++
				fmt.Fprintf(out, "Invalid: %s\n", report.Path)
				for _, validationErr := range report.Errors {
					fmt.Fprintf(out, "- %v\n", validationErr)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d spec(s) invalid", invalid, len(reports))
			}
			return nil
		},
	}
}
