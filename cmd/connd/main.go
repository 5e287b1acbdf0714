// connd bridges remote chat clients to a local CLI coding agent: it owns
// the conversation store, runs one agent subprocess per turn, and streams
// normalized events to WebSocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/connhq/connd/pkg/agent"
	"github.com/connhq/connd/pkg/bus"
	"github.com/connhq/connd/pkg/config"
	"github.com/connhq/connd/pkg/logging"
	"github.com/connhq/connd/pkg/server"
	"github.com/connhq/connd/pkg/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "connd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("connd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (default: ~/.connd/config.yaml then ./.connd/config.yaml)")
	bind := fs.String("bind", "", "bind address override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log, err := logging.NewLogger(cfg.Logs.Dir)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()
	log.SetMinLevel(logging.Level(cfg.Logs.Level))
	if cfg.Logs.Stdout {
		log.SetMirror(os.Stdout)
	}

	store, err := storage.New(filepath.Join(cfg.Agent.DataDir, "connd.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	b, err := bus.New(cfg.Bus.NATSURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	registry := agent.NewRegistry()
	launcher := agent.NewCLILauncher(cfg.Agent, log)
	sink := server.NewBusSink(b, cfg.Server.OutboundLimit, log)
	orch := agent.NewOrchestrator(cfg.Agent, store, registry, launcher, sink, log)
	srv := server.New(cfg.Server, store, registry, orch, b, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Kill in-flight subprocesses so their turns settle before the
		// HTTP listener finishes draining.
		registry.CancelAll()
		orch.Wait()
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
