package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/uiprobe/internal/observability"
	"github.com/xkilldash9x/uiprobe/internal/scenario"
)

// newValidateCmd creates the `validate` command, which parses scenarios
// without starting a browser.
func newValidateCmd() *cobra.Command {
	var tags []string

	validateCmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Checks scenario files for errors without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := scenario.NewLoader(observability.GetLogger())
			if err != nil {
				return err
			}
			scenarios, err := loader.Load(args...)
			if err != nil {
				return err
			}
			scenarios = scenario.FilterTags(scenarios, tags)

			out := cmd.OutOrStdout()
			for _, sc := range scenarios {
				fmt.Fprintf(out, "ok  %s  %s (%d steps)\n", sc.ID, sc.Name, len(sc.Steps))
			}
			fmt.Fprintf(out, "%d scenario(s) valid\n", len(scenarios))
			return nil
		},
	}
	validateCmd.Flags().StringSliceVar(&tags, "tag", nil, "Only list scenarios carrying one of these tags")
	return validateCmd
}
