// Command relay runs and manages wasm function instances laid out as
// bundles.
//
//	relay start  --bundle <dir> [--serve once|loop|none] [--pid-file f]
//	relay serve  --bundle <dir>
//	relay bootstrap --bundle <dir> <address>
//	relay stop   --bundle <dir>
//	relay kill   --pid-file <f> [--signal KILL|INT]
//	relay delete --bundle <dir>
//	relay routes [--scan-root <dir>] [-i]
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/pflag"

	"github.com/wippyai/wasm-relay/errors"
)

type command struct {
	name  string
	usage string
	flags func(fs *pflag.FlagSet)
	run   func(ctx context.Context, env *cli, args []string) error
}

var commands = map[string]command{}

func register(c command) {
	commands[c.name] = c
}

// exitError carries a process exit status out of a command.
type exitError struct {
	status int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.status)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage()
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 2
	}

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: relay %s\n\n", cmd.usage)
		fs.PrintDefaults()
	}
	opts := commonFlags(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	env, err := newCLI(fs, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer env.close()

	err = env.serve(ctx, func(ctx context.Context) error {
		return cmd.run(ctx, env, fs.Args())
	})
	var exit exitError
	if errors.As(err, &exit) {
		return exit.status
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: relay <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}
