package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnloadCmd(c *Command) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "unload <path> <module>",
		Short: "load a module graph, then unload one module from it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, module := args[0], args[1]

			lc, err := c.newLoadContext()
			if err != nil {
				return err
			}
			if err := lc.Load(root); err != nil {
				return fmt.Errorf("loading %s: %w", root, err)
			}

			if err := lc.Unload(module, force); err != nil {
				return fmt.Errorf("unloading %s: %w", module, err)
			}
			fmt.Fprintf(c.out(), "unloaded %s\n", module)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "unload even if other modules depend on it")
	return cmd
}
