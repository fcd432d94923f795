package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/japa/pkg/japa"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/runner"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "japa:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("japa", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	autoStart := fs.Bool("start", false, "start listening immediately")
	interactive := fs.Bool("interactive", true, "read start/stop commands from stdin")
	version := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *version {
		fmt.Fprintln(stdout, runner.Version)
		return nil
	}

	cfg, err := japa.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *autoStart {
		cfg.AutoStart = true
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	var sinks []render.Sink
	if cfg.Transports.Console {
		sinks = append(sinks, render.NewConsole(stdout))
	}
	engine, err := japa.NewEngine(japa.Options{
		Config: cfg,
		Sinks:  sinks,
		Banner: stdout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if *interactive {
		lines := readLines(stdin)
		g.Go(func() error {
			err := controlLoop(gctx, lines, engine.Controller(), stdout)
			if errors.Is(err, errQuit) {
				slog.Info("quit_requested")
				return engine.Stop()
			}
			return err
		})
	}
	return g.Wait()
}
