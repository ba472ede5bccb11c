package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		Long: `Apply pending schema migrations to the store. Migrations also run on every
start, so this is only needed to upgrade a store ahead of time or to check
its version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, needs{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			v, dirty, err := a.store.SchemaVersion()
			if err != nil {
				return err
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (%s)\n", a.store.Path(), v, state)
			return nil
		},
	}
}
