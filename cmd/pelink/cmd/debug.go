package cmd

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Meulengracht/processd-pe/internal/pe/pelink"
)

func newDebugCmd(c *Command) *cobra.Command {
	debug := &cobra.Command{
		Use:   "debug",
		Short: "interactive inspection commands",
		// "debug" alone has no work to do; report the same pflag.ErrHelp a
		// bare root invocation would, so cobra prints usage rather than
		// cobra's default "must specify a subcommand" wording.
		RunE: func(cmd *cobra.Command, args []string) error {
			return pflag.ErrHelp
		},
	}
	debug.AddCommand(newDebugReplCmd(c))
	return debug
}

// newDebugReplCmd opens a single LoadContext and reads one command per
// line from stdin, tokenized with shlex so paths containing spaces can be
// quoted the way a shell would expect. Supports the same verbs as the
// top-level subcommands (load, find-export, unload, entry-points) plus
// "quit", so a module graph can be built up and inspected interactively
// instead of re-loading it fresh for every query.
func newDebugReplCmd(c *Command) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "run an interactive load/inspect session against stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lc, err := c.newLoadContext()
			if err != nil {
				return err
			}
			return runDebugRepl(lc, cmd.InOrStdin(), c.out())
		},
	}
}

func runDebugRepl(lc *pelink.LoadContext, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(out, "parse error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "quit", "exit":
			return nil
		case "load":
			if len(args) != 2 {
				fmt.Fprintln(out, "usage: load <path>")
				continue
			}
			if err := lc.Load(args[1]); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "ok")
		case "find-export":
			if len(args) != 3 {
				fmt.Fprintln(out, "usage: find-export <module> <symbol>")
				continue
			}
			addr, err := lc.FindExport(args[1], args[2])
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "0x%x\n", addr)
		case "unload":
			if len(args) < 2 {
				fmt.Fprintln(out, "usage: unload <module> [force]")
				continue
			}
			force := len(args) == 3 && args[2] == "force"
			if err := lc.Unload(args[1], force); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "ok")
		case "entry-points":
			for _, addr := range lc.ModuleEntryPoints() {
				fmt.Fprintf(out, "0x%x\n", addr)
			}
		default:
			fmt.Fprintf(out, "unknown command %q\n", args[0])
		}
	}
	return scanner.Err()
}
