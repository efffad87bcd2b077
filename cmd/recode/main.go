// recode CLI - inspect, verify and optimise compiled routines
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/recode/internal/config"
	"github.com/chazu/recode/pkg/asm"
)

var log = commonlog.GetLogger("recode")

// errUsage marks errors already reported together with usage text.
var errUsage = errors.New("usage")

// env carries what every subcommand needs.
type env struct {
	cfg    *config.Config
	asm    *asm.Assembler
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// isTerminal reports whether stdout is a terminal.
	isTerminal func() bool
}

type command struct {
	summary string
	run     func(e *env, args []string) error
}

var commands = map[string]command{
	"dis":       {"print the symbolic listing of a code file", runDis},
	"roundtrip": {"decode and re-encode a code file, reporting differences", runRoundtrip},
	"stacksize": {"recompute the stack size of every routine in a code file", runStacksize},
	"optimize":  {"bind known globals and fold constant tuples", runOptimize},
	"opcodes":   {"list the operations of an opcode table", runOpcodes},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Int("v", -1, "Log verbosity (0 notice, 1 info, 2 debug); overrides recode.toml")
	tableRef := fs.String("table", "", "Opcode table: built-in name or .toml/.yaml path; overrides recode.toml")
	logFile := fs.String("log", "", "Log file (default stderr); overrides recode.toml")
	configDir := fs.String("C", ".", "Directory to search upwards for recode.toml")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: recode [options] <command> [command options] [files...]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stderr, "  %-10s %s\n", name, commands[name].summary)
		}
		fmt.Fprintf(stderr, "\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  recode dis f.rcd                    # Print the listing of f.rcd\n")
		fmt.Fprintf(stderr, "  recode stacksize m.pyc              # Check stack sizes in a CPython 3.4 .pyc\n")
		fmt.Fprintf(stderr, "  recode roundtrip -check f.rcd       # Fail if re-encoding changes f.rcd\n")
		fmt.Fprintf(stderr, "  recode optimize -o g.rcd f.rcd      # Bind globals from recode.toml\n")
		fmt.Fprintf(stderr, "  recode -table mine.yaml opcodes     # List a custom table\n")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading %s: %v\n", config.FileName, err)
		return 1
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *verbose >= 0 {
		cfg.Log.Verbosity = *verbose
	}
	if *tableRef != "" {
		cfg.Target.Table = *tableRef
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	var logPath *string
	if p := cfg.LogFilePath(); p != "" {
		logPath = &p
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)

	tbl, err := cfg.Table()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading opcode table: %v\n", err)
		return 1
	}
	log.Infof("using opcode table %s (%d operations)", tbl.Name(), tbl.Len())

	e := &env{
		cfg:        cfg,
		asm:        asm.New(tbl, cfg.AssemblerOptions()...),
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		isTerminal: stdoutIsTerminal,
	}
	if err := cmd.run(e, fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
