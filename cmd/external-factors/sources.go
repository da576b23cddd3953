package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the registered sources in collection order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(0)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tDESCRIPTION")
			for _, s := range a.orch.Registry().Sources() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Category, s.Label)
			}
			return tw.Flush()
		},
	}
}
