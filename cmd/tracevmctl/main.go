// Command tracevmctl drives the tracing JIT core standalone: it builds a
// synthetic method, runs it through the interpreter under a configured
// jit.Runtime, and either prints the resulting stats or drops into an
// interactive inspector.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tracevm/bytecode"
	"tracevm/inspector"
	"tracevm/interp"
	"tracevm/jit"
	"tracevm/trace"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("tracevmctl: exiting")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tracevmctl",
		Usage: "exercise the trace-selection JIT core against a synthetic method",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-table-entries", Value: 512},
			&cli.IntFlag{Name: "profile-size", Value: 4096},
			&cli.IntFlag{Name: "threshold", Value: 40},
			&cli.BoolFlag{Name: "blocking"},
			&cli.IntFlag{Name: "compiler-high-water", Value: 64},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.IntFlag{Name: "iterations", Value: 100, Usage: "times to re-dispatch the loop body"},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "interpret the synthetic method to completion and print stats",
				Action: func(c *cli.Context) error {
					rt, ip, th, method, err := bootstrap(c)
					if err != nil {
						return err
					}
					defer rt.Shutdown()
					return runLoop(rt, ip, th, method, c.Int("iterations"))
				},
			},
			{
				Name:  "inspect",
				Usage: "interpret the synthetic method under an interactive TUI",
				Action: func(c *cli.Context) error {
					rt, ip, th, method, err := bootstrap(c)
					if err != nil {
						return err
					}
					defer rt.Shutdown()
					return runInspector(rt, ip, th, method)
				},
			},
		},
	}
}

func configFromContext(c *cli.Context) jit.Config {
	return jit.Config{
		MaxTableEntries:   c.Int("max-table-entries"),
		ProfileSize:       c.Int("profile-size"),
		Threshold:         byte(c.Int("threshold")),
		BlockingMode:      c.Bool("blocking"),
		ExecutionMode:     jit.JIT,
		CompilerHighWater: c.Int("compiler-high-water"),
	}
}

func newLogger(c *cli.Context) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(c.String("log-level")); err == nil {
		log.SetLevel(level)
	}
	return logrus.NewEntry(log)
}

// syntheticLoop builds a small method whose body is hot enough to trigger
// trace selection after threshold encounters of its backward branch: a
// straight-line run followed by a branch back to the top, terminated by a
// return once the caller stops re-dispatching it.
func syntheticLoop() *bytecode.Method {
	return &bytecode.Method{
		Name: "synthetic.loop",
		Insns: []byte{
			0x01, // 0: MOVE
			0x03, // 1: ADD
			0x06, // 2: GOTO (width 2, operand at offset 3 unused)
			0x00, // 3: padding, never decoded directly
			0x0C, // 4: RETURN_VOID
		},
	}
}

func bootstrap(c *cli.Context) (*jit.Runtime, *interp.Interpreter, *interp.Thread, *bytecode.Method, error) {
	log := newLogger(c)
	rt := jit.New(configFromContext(c), log)
	if err := rt.Startup(context.Background()); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("tracevmctl: startup: %w", err)
	}
	ip := interp.New(rt)
	method := syntheticLoop()
	th := ip.NewThread(method)
	return rt, ip, th, method, nil
}

// runLoop re-dispatches the method's branch instruction repeatedly, driving
// the profile counter toward zero the way a real hot loop would, then lets
// the trace assembler run to completion once selection starts.
func runLoop(rt *jit.Runtime, ip *interp.Interpreter, th *interp.Thread, method *bytecode.Method, iterations int) error {
	branchOffset := 2
	for i := 0; i < iterations; i++ {
		th.PC = bytecode.PC{Method: method, Offset: branchOffset}
		if _, err := ip.Dispatch(th); err != nil {
			return err
		}
		if th.Asm.State != trace.Off {
			break
		}
	}
	if err := ip.Run(th, 1000); err != nil {
		return err
	}
	fmt.Printf("%+v\n", rt.Stats())
	return nil
}

func runInspector(rt *jit.Runtime, ip *interp.Interpreter, th *interp.Thread, method *bytecode.Method) error {
	return inspector.Run(rt, ip, th, method)
}
