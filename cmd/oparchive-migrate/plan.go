package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var planTarget int

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "List the steps a migration would run",
	Long: `Plan lists, version by version, the transforms, swaps and actions that
migrating to the target version would run. It does not modify the archive.
Without --target-version the latest registered version is planned.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if err != nil {
				err = multierr.Append(err, closeApp())
			}
		}()

		target := planTarget
		if !cmd.Flags().Changed("target-version") {
			target = application.Engine().Registry().Latest()
		}

		plan, err := application.Plan(cmd.Context(), target)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(plan) == 0 {
			fmt.Fprintf(out, "Archive is at version %d, nothing to do\n", target)
			return nil
		}
		for _, pv := range plan {
			fmt.Fprintf(out, "version %d:\n", pv.Version)
			for _, step := range pv.Steps {
				fmt.Fprintf(out, "  %-9s %s\n", step.Kind, step.Description)
			}
		}
		return nil
	},
}

func init() {
	planCmd.Flags().IntVar(&planTarget, "target-version", -1, "version to plan up to (default latest)")
}
