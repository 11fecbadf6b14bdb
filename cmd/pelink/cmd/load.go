package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoadCmd(c *Command) *cobra.Command {
	return &cobra.Command{
		Use:   "load <path>",
		Short: "load a module and its dependency graph, printing load order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := c.newLoadContext()
			if err != nil {
				return err
			}
			if err := lc.Load(args[0]); err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}

			keys := lc.ModuleKeys()
			addrs := lc.ModuleEntryPoints()
			for i, key := range keys {
				base, _ := lc.ModulePath(key)
				fmt.Fprintf(c.out(), "%s\t%s\tentry=0x%x\n", key, base, addrs[i])
			}
			return nil
		},
	}
}
