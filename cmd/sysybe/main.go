package main

import (
	"context"
	"encoding/json"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/cli"

	"github.com/sysy-lang/sysybe/diag"
	"github.com/sysy-lang/sysybe/ir"
	"github.com/sysy-lang/sysybe/pipeline"

	_ "github.com/sysy-lang/sysybe/targets/aarch64"
	_ "github.com/sysy-lang/sysybe/targets/riscv64"
)

func main() {
	compileCmd := &cli.Command{
		Name:   "compile",
		Action: compileAct,
		Args:   cli.Args{},
	}

	app := &cli.Command{
		Name:        "sysybe",
		Description: "sysybe lowers a SysY module (ir.Module, json-encoded) to target MIR",
		Commands: []*cli.Command{
			compileCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

// compileAct expects the target name followed by one or more module files:
// `sysybe compile riscv64 mod.json`. The module files carry a json-encoded
// ir.Module -- this backend's input boundary is an in-memory IR, and no
// textual SysY or IR parser is in scope, so json is the simplest stand-in
// for a serialized ir.Module a caller can produce directly from Go structs.
func compileAct(c *cli.Command) (err error) {
	if len(c.Args) < 2 {
		return errors.New("usage: sysybe compile <target> <module.json>...")
	}

	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	targetName := c.Args[0]

	for _, a := range c.Args[1:] {
		if err := compileFile(ctx, targetName, a); err != nil {
			return errors.Wrap(err, "compile %v", a)
		}
	}

	return nil
}

func compileFile(ctx context.Context, targetName, path string) error {
	text, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read file")
	}

	var mod ir.Module
	if err := json.Unmarshal(text, &mod); err != nil {
		return errors.Wrap(err, "decode module")
	}

	funcs, err := pipeline.CompileModule(ctx, &mod, targetName, diag.TextSink{})
	if err != nil {
		return err
	}

	for _, fn := range funcs {
		n := 0
		for _, b := range fn.Blocks() {
			n += len(b.Insts)
		}
		tlog.Printw("compiled function", "func", fn.Name, "blocks", len(fn.Blocks()), "insts", n, "frame_size", fn.Frame.FrameSize())
	}

	return nil
}
