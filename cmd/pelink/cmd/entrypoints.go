package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEntryPointsCmd(c *Command) *cobra.Command {
	return &cobra.Command{
		Use:   "entry-points <path>",
		Short: "print a module graph's entry points in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := c.newLoadContext()
			if err != nil {
				return err
			}
			if err := lc.Load(args[0]); err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}

			for _, addr := range lc.ModuleEntryPoints() {
				fmt.Fprintf(c.out(), "0x%x\n", addr)
			}
			return nil
		},
	}
}
