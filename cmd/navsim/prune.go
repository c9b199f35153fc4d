package main

import (
	"errors"
	"fmt"

	"github.com/df-mc/detournav/navigator/tiledb"
	"github.com/spf13/cobra"
)

// PruneCmd returns the command that deletes the stored tiles of a worldspace.
func PruneCmd() *cobra.Command {
	var dbDir, worldspace string
	c := &cobra.Command{
		Use:   "prune",
		Short: "delete the stored tiles of a worldspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbDir == "" || worldspace == "" {
				return errors.New("prune: --db and --worldspace are required")
			}
			db, err := tiledb.Open(dbDir)
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.DeleteWorldspace(worldspace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d tiles of %s\n", n, worldspace)
			return nil
		},
	}
	c.Flags().StringVar(&dbDir, "db", "", "tile database directory")
	c.Flags().StringVar(&worldspace, "worldspace", "", "worldspace to delete")
	return c
}
