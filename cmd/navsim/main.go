package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "navsim",
		Short:        "drive the navmesh tile cache through a synthetic world",
		SilenceUsage: true,
	}
	root.AddCommand(RunCmd(), PruneCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
