package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFindExportCmd(c *Command) *cobra.Command {
	return &cobra.Command{
		Use:   "find-export <path> <module> <symbol>",
		Short: "load a module graph and resolve one exported symbol's address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, module, symbol := args[0], args[1], args[2]

			lc, err := c.newLoadContext()
			if err != nil {
				return err
			}
			if err := lc.Load(root); err != nil {
				return fmt.Errorf("loading %s: %w", root, err)
			}

			addr, err := lc.FindExport(module, symbol)
			if err != nil {
				return fmt.Errorf("finding %s!%s: %w", module, symbol, err)
			}
			fmt.Fprintf(c.out(), "0x%x\n", addr)
			return nil
		},
	}
}
