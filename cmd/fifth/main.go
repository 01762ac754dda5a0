package main

import (
	"context"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/quivent/fifth-sub003/compiler"
)

func main() {
	checkCmd := &cli.Command{
		Name:        "check",
		Description: "parse and analyze sources without generating code",
		Action:      checkAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("strict", false, "treat redefinitions and effect mismatches as errors"),
		},
	}

	compileCmd := &cli.Command{
		Name:        "compile",
		Description: "compile sources to native code and print the module layout",
		Action:      compileAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("strict", false, "treat redefinitions and effect mismatches as errors"),
		},
	}

	runCmd := &cli.Command{
		Name:        "run",
		Description: "compile sources and execute top level code",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("strict", false, "treat redefinitions and effect mismatches as errors"),
		},
	}

	app := &cli.Command{
		Name:        "fifth",
		Description: "fifth is a native code compiler for a forth dialect",
		Commands: []*cli.Command{
			checkCmd,
			compileCmd,
			runCmd,
		},
		Flags: []*cli.Flag{
			cli.NewFlag("v", "", "verbosity topics"),
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func rootContext(c *cli.Command) context.Context {
	tlog.SetVerbosity(c.String("v"))

	return tlog.ContextWithSpan(context.Background(), tlog.Root())
}

func newCompiler(c *cli.Command) *compiler.Compiler {
	fc := compiler.New()
	fc.Strict = c.Bool("strict")

	return fc
}

func checkAct(c *cli.Command) (err error) {
	ctx := rootContext(c)
	fc := newCompiler(c)

	for _, a := range c.Args {
		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		p, err := fc.Parse(ctx, string(text))
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		_, err = fc.Analyze(ctx, p)
		if err != nil {
			return errors.Wrap(err, "analyze %v", a)
		}

		fmt.Printf("%v: %d definitions ok\n", a, len(p.Defs))
	}

	return nil
}

func compileAct(c *cli.Command) (err error) {
	ctx := rootContext(c)
	fc := newCompiler(c)

	for _, a := range c.Args {
		m, err := fc.CompileFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "compile %v", a)
		}

		fmt.Printf("%v: %d bytes of code\n", a, len(m.Code))

		for _, f := range m.Funcs {
			fmt.Printf("  %-20s  off %6d  (%d -- %d)\n", f.Name, f.Off, f.In, f.Out)
		}
	}

	return nil
}

func runAct(c *cli.Command) (err error) {
	ctx := rootContext(c)
	fc := newCompiler(c)

	for _, a := range c.Args {
		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		res, err := fc.Run(ctx, string(text))
		if err != nil {
			return errors.Wrap(err, "run %v", a)
		}

		if res.Output != "" {
			fmt.Println(res.Output)
		}

		if res.Depth != 0 {
			fmt.Printf("stack depth %d, top %v\n", res.Depth, res.Top)
		}
	}

	return nil
}
