package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newProjectCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Keep the category view up to date with the event store",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if once {
				return a.projector.CatchUp(cmd.Context())
			}

			a.logger.Info("projecting", zap.String("projection", "category_view"))

			return a.projector.Run(cmd.Context())
		}),
	}

	cmd.Flags().BoolVar(&once, "once", false, "catch up with the event store and exit")

	return cmd
}
