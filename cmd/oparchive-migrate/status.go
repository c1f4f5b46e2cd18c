package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current and latest archive versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if err != nil {
				err = multierr.Append(err, closeApp())
			}
		}()

		st, err := application.Status(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Archive:  %s\n", st.ArchivePath)
		if st.Current < 0 {
			fmt.Fprintln(out, "Current:  none")
		} else {
			fmt.Fprintf(out, "Current:  %d\n", st.Current)
		}
		fmt.Fprintf(out, "Latest:   %d\n", st.Latest)
		if st.UpToDate() {
			fmt.Fprintln(out, "Pending:  none")
		} else {
			fmt.Fprintf(out, "Pending:  %d version(s), %d..%d\n", len(st.Pending), st.Pending[0], st.Pending[len(st.Pending)-1])
		}
		return nil
	},
}
