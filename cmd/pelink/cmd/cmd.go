// Package cmd implements the pelink command tree: one subcommand per
// LoadContext operation, so the loader can be exercised from a shell
// against real files on the host filesystem.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	pelinkconfig "github.com/Meulengracht/processd-pe/internal/config"
	"github.com/Meulengracht/processd-pe/internal/pe/pecache"
	"github.com/Meulengracht/processd-pe/internal/pe/pefs"
	"github.com/Meulengracht/processd-pe/internal/pe/pekernel"
	"github.com/Meulengracht/processd-pe/internal/pe/pelink"
)

// Command wraps a cobra.Command the same way the shape is wrapped
// elsewhere in the corpus: callers interact with our type, not cobra's,
// so output and error-signalling stay centralized.
type Command struct {
	*cobra.Command

	searchPaths []string
	configPath  string
	log         *slog.Logger
}

// New creates the top-level "pelink" command and wires up its
// subcommands.
func New(args []string) *Command {
	root := &cobra.Command{
		Use:           "pelink",
		Short:         "inspect and exercise a PE module loader outside of a kernel",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	c := &Command{Command: root, log: slog.Default()}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a pelink config file (defaults to the platform config dir)")
	root.PersistentFlags().StringArrayVar(&c.searchPaths, "search-path", nil, "module search path entry; may be repeated. With --config, appended after the config file's entries; without --config, the default config file is read only when no --search-path is given")

	root.AddCommand(
		newLoadCmd(c),
		newFindExportCmd(c),
		newUnloadCmd(c),
		newEntryPointsCmd(c),
		newDebugCmd(c),
	)

	root.SetArgs(args)
	return c
}

// Main runs the pelink CLI and returns the process exit code.
func Main() int {
	c := New(os.Args[1:])
	if err := c.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pelink:", err)
		return 1
	}
	return 0
}

// newLoadContext builds a fresh LoadContext using this invocation's
// --config and --search-path flags, an OS-backed file reader, and a
// fake in-process memory space (there is no real kernel to map into
// outside the service itself).
func (c *Command) newLoadContext() (*pelink.LoadContext, error) {
	searchPaths := append([]string{}, c.searchPaths...)
	if c.configPath != "" || len(searchPaths) == 0 {
		path := c.configPath
		if path == "" {
			var err error
			path, err = pelinkconfig.DefaultPath(os.Getenv)
			if err != nil {
				return nil, err
			}
		}
		cfg, err := pelinkconfig.Load(path)
		if err != nil {
			return nil, err
		}
		searchPaths = append(append([]string{}, cfg.SearchPaths...), searchPaths...)
	}

	factory := &pekernel.FakeFactory{BaseAddress: pekernel.DefaultBaseAddress}
	return pelink.New(pelink.Config{
		Cache:       pecache.New(c.log),
		Factory:     factory,
		FileReader:  pefs.OSFileReader{},
		SearchPaths: searchPaths,
		LoadAddress: pekernel.DefaultBaseAddress,
		Log:         c.log,
	})
}

func (c *Command) out() io.Writer {
	return c.OutOrStdout()
}
