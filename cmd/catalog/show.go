package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [category-id]",
		Short: "Print materialized categories",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				snap, err := a.views.Get(ctx, args[0])
				if err != nil {
					return err
				}

				if snap.State == nil || !snap.State.Created() {
					return fmt.Errorf("category %s not found", args[0])
				}

				printCategory(out, snap.State)

				return nil
			}

			categories, err := a.views.List(ctx)
			if err != nil {
				return err
			}

			for _, c := range categories {
				printCategory(out, &c)
			}

			return nil
		}),
	}
}
