package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/chazu/recode/pkg/asm"
	"github.com/chazu/recode/pkg/code"
	"github.com/chazu/recode/pkg/opcode"
	"github.com/chazu/recode/pkg/rewrite"
)

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newFlagSet creates a subcommand flag set reporting to e.stderr.
func (e *env) newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet("recode "+name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.Usage = func() {
		fmt.Fprintf(e.stderr, "Usage: recode %s %s\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

func (e *env) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

// read loads a code object in any stored format; "-" reads standard input.
func (e *env) read(path string) (*code.Object, code.Layout, error) {
	if path != "-" {
		return code.LoadFile(path)
	}
	data, err := io.ReadAll(e.stdin)
	if err != nil {
		return nil, code.Layout{}, fmt.Errorf("reading stdin: %w", err)
	}
	return code.Load(data)
}

// outputLayout keeps the input's layout unless the output name implies
// another format. Containers follow the configured compression.
func (e *env) outputLayout(path string, in code.Layout) code.Layout {
	l := in
	if f, ok := code.FormatOf(path); ok && f != l.Format {
		l = code.Layout{Format: f}
	}
	if l.Format == code.FormatContainer {
		l.Compress = e.cfg.Output.Compress
	}
	return l
}

// write stores a code object laid out like its input; "-" writes standard
// output unless it is a terminal.
func (e *env) write(path string, obj *code.Object, in code.Layout) error {
	l := e.outputLayout(path, in)
	if path != "-" {
		if err := code.StoreFile(path, obj, l); err != nil {
			return err
		}
		log.Infof("wrote %s as %s", path, l.Format)
		return nil
	}
	if e.isTerminal() {
		return errors.New("refusing to write a code file to a terminal; use -o FILE")
	}
	data, err := obj.Store(l)
	if err != nil {
		return err
	}
	_, err = e.stdout.Write(data)
	return err
}

// inputs returns the positional file arguments, defaulting to stdin.
func inputs(fs *flag.FlagSet) []string {
	if fs.NArg() == 0 {
		return []string{"-"}
	}
	return fs.Args()
}

// runDis processes `recode dis`.
func runDis(e *env, args []string) error {
	fs := e.newFlagSet("dis", "[files...]")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	for _, path := range inputs(fs) {
		obj, _, err := e.read(path)
		if err != nil {
			return err
		}
		r, err := e.asm.Decode(obj)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprint(e.stdout, e.asm.Disassemble(r))
	}
	return nil
}

// runRoundtrip processes `recode roundtrip`.
//
//	recode roundtrip f.rcd              # report what re-encoding changes
//	recode roundtrip -check f.rcd       # exit 1 if the listing changes
//	recode roundtrip -o g.rcd f.rcd     # write the re-encoded object
//	recode roundtrip -o g.pyc f.pyc     # keeps the .pyc header
func runRoundtrip(e *env, args []string) error {
	fs := e.newFlagSet("roundtrip", "[-check] [-o FILE] [files...]")
	check := fs.Bool("check", false, "Fail if decoding the re-encoded object gives a different listing")
	out := fs.String("o", "", "Write the re-encoded object to FILE (- for stdout)")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	paths := inputs(fs)
	if *out != "" && len(paths) > 1 {
		return errors.New("-o takes a single input file")
	}

	failed := 0
	for _, path := range paths {
		obj, layout, err := e.read(path)
		if err != nil {
			return err
		}
		r, err := e.asm.Decode(obj)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		enc, err := e.asm.Encode(r)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		again, err := e.asm.Decode(enc)
		if err != nil {
			return fmt.Errorf("%s: re-encoded object: %w", path, err)
		}

		same := asm.Equal(r, again)
		if !same {
			failed++
		}
		if *out != "-" {
			fmt.Fprintf(e.stdout, "%s: %s\n", path, roundtripSummary(obj, enc, same))
		}
		if *out != "" {
			if err := e.write(*out, enc, layout); err != nil {
				return err
			}
		}
	}
	if *check && failed > 0 {
		return fmt.Errorf("%d of %d files changed on roundtrip", failed, len(paths))
	}
	return nil
}

func roundtripSummary(before, after *code.Object, same bool) string {
	if !same {
		return "listing differs after re-encoding"
	}
	var notes []string
	n := 0
	before.Walk(func(*code.Object) { n++ })
	if !bytes.Equal(before.Code, after.Code) {
		notes = append(notes, fmt.Sprintf("code %d -> %d bytes", len(before.Code), len(after.Code)))
	}
	if before.StackSize != after.StackSize {
		notes = append(notes, fmt.Sprintf("stack size %d -> %d", before.StackSize, after.StackSize))
	}
	if len(notes) == 0 {
		return fmt.Sprintf("ok (%d routines)", n)
	}
	return fmt.Sprintf("ok (%d routines; %s)", n, strings.Join(notes, ", "))
}

// runStacksize processes `recode stacksize`.
func runStacksize(e *env, args []string) error {
	fs := e.newFlagSet("stacksize", "[files...]")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	for _, path := range inputs(fs) {
		obj, _, err := e.read(path)
		if err != nil {
			return err
		}
		var walkErr error
		obj.Walk(func(o *code.Object) {
			if walkErr != nil {
				return
			}
			r, err := e.asm.Decode(o)
			if err != nil {
				walkErr = fmt.Errorf("%s: %s: %w", path, o.Name, err)
				return
			}
			depth, err := e.asm.StackDepth(r.Code)
			if err != nil {
				walkErr = fmt.Errorf("%s: %s: %w", path, o.Name, err)
				return
			}
			mark := ""
			if depth != o.StackSize {
				mark = fmt.Sprintf("  (recorded %d)", o.StackSize)
			}
			fmt.Fprintf(e.stdout, "%-24s %4d%s\n", o.Name, depth, mark)
		})
		if walkErr != nil {
			return walkErr
		}
	}
	return nil
}

// runOptimize processes `recode optimize`.
//
//	recode optimize -o g.rcd f.rcd                  # globals from recode.toml
//	recode optimize -globals consts.toml -o - f.rcd # explicit globals file
func runOptimize(e *env, args []string) error {
	fs := e.newFlagSet("optimize", "[-globals FILE] [-stop NAMES] -o FILE [file]")
	globals := fs.String("globals", "", "TOML file of [globals] to bind (default from recode.toml)")
	stop := fs.String("stop", "", "Comma-separated globals never to bind")
	out := fs.String("o", "", "Write the optimised object to FILE (- for stdout)")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if *out == "" {
		fs.Usage()
		return errUsage
	}
	paths := inputs(fs)
	if len(paths) > 1 {
		return errors.New("optimize takes a single input file")
	}

	b, err := rewrite.NewBinder(e.asm.Table())
	if err != nil {
		return err
	}
	globalsPath := *globals
	if globalsPath == "" {
		globalsPath = e.cfg.GlobalsPath()
	}
	if globalsPath != "" {
		if err := b.LoadGlobals(globalsPath); err != nil {
			return err
		}
	}
	b.Stop(e.cfg.Optimize.Stop...)
	if *stop != "" {
		b.Stop(strings.Split(*stop, ",")...)
	}

	obj, layout, err := e.read(paths[0])
	if err != nil {
		return err
	}
	r, err := e.asm.Decode(obj)
	if err != nil {
		return fmt.Errorf("%s: %w", paths[0], err)
	}
	n := b.Constants(r)
	enc, err := e.asm.Encode(r)
	if err != nil {
		return fmt.Errorf("%s: %w", paths[0], err)
	}
	for _, c := range b.Changes() {
		log.Info(c.String())
	}
	if *out != "-" {
		fmt.Fprintf(e.stdout, "%s: %d changes\n", paths[0], n)
	}
	return e.write(*out, enc, layout)
}

// runOpcodes processes `recode opcodes`.
func runOpcodes(e *env, args []string) error {
	fs := e.newFlagSet("opcodes", "[-list]")
	list := fs.Bool("list", false, "List the built-in table names instead")
	if err := e.parse(fs, args); err != nil {
		return err
	}
	if *list {
		for _, name := range opcode.BuiltinNames() {
			fmt.Fprintln(e.stdout, name)
		}
		return nil
	}
	tbl := e.asm.Table()
	fmt.Fprintf(e.stdout, "; %s: %d operations, extended arg %d\n", tbl.Name(), tbl.Len(), tbl.ExtendedArg())
	for _, info := range tbl.Ops() {
		fmt.Fprintf(e.stdout, "%4d %-24s %-8s %-9s %s\n", info.Code, info.Name, info.Arg, info.Flow, effectString(info))
	}
	return nil
}

func effectString(info *opcode.Info) string {
	if info.Rule == opcode.RuleFixed {
		return fmt.Sprintf("%+d", info.Effect)
	}
	return fmt.Sprintf("%+d %s", info.Effect, info.Rule)
}
