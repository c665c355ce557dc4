package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codex-turnengine/turnengine/pkg/config"
	"github.com/codex-turnengine/turnengine/pkg/engine"
	"github.com/codex-turnengine/turnengine/pkg/engine/logging"
	"github.com/codex-turnengine/turnengine/pkg/engine/metrics"
)

var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "--version", "version", "-v":
		fmt.Println(Version)
		return
	case "run":
		if err := runTurn(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `turnengine: embed and drive the session turn engine

Usage:
  turnengine run [-prompt TEXT] [-model NAME] [-config PATH]
  turnengine serve [-addr HOST:PORT] [-config PATH]
  turnengine version`)
}

func configPathFromArgs(args []string) string {
	for i, a := range args {
		if a == "-config" || a == "--config" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
		if strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") {
			return a[strings.Index(a, "=")+1:]
		}
	}
	return config.DefaultPath()
}

// runTurn submits a single user turn (from -prompt, or stdin if omitted)
// and streams events to stdout as JSON lines until the turn completes,
// generalizing the teacher's "exec" subcommand (cmd/godex/main.go) from a
// one-shot harness call into a submission against a live Session.
func runTurn(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	cfg := config.LoadFrom(configPathFromArgs(args))

	var prompt, model string
	configPath := fs.String("config", config.DefaultPath(), "Config file path")
	fs.StringVar(&prompt, "prompt", "", "User prompt (reads stdin if omitted)")
	fs.StringVar(&model, "model", cfg.Engine.DefaultModel, "Model name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg = config.LoadFrom(*configPath)
	if model != "" {
		cfg.Engine.DefaultModel = model
	}

	if prompt == "" {
		buf, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(buf))
	}
	if prompt == "" {
		return fmt.Errorf("no prompt given (pass -prompt or pipe one on stdin)")
	}

	log := logging.New(logging.LevelInfo, os.Stderr)
	sess := engine.NewSession(cfg, engine.Deps{Log: log})
	defer sess.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	subID := engine.NewCallID()
	events := sess.Events("cli")

	op := engine.Op{
		ID:   subID,
		Kind: engine.OpUserTurn,
		UserTurn: &engine.UserTurnOp{
			Items: []engine.ResponseItem{{
				ItemID: engine.NewItemID(), Kind: engine.ItemUserMessage,
				UserMessage: &engine.UserMessageItem{Content: prompt},
			}},
		},
	}
	if err := sess.Submit(ctx, op); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case e := <-events:
			_ = enc.Encode(e)
			if e.Kind == engine.EvTaskComplete {
				return nil
			}
		case <-ctx.Done():
			sess.Interrupt()
			return ctx.Err()
		}
	}
}

// runServe starts the admin HTTP surface (promhttp /metrics, /healthz) and
// blocks until interrupted, the long-lived counterpart to "run"'s one-shot
// turn for embedders that want the engine's operational surface without a
// wrapping service of their own.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	addr := fs.String("addr", "127.0.0.1:9090", "Admin server listen address")
	configPath := fs.String("config", config.DefaultPath(), "Config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.LoadFrom(*configPath)

	collector := metrics.NewCollector()
	health := func() engine.HealthStatus {
		if cfg.Engine.DefaultModel == "" {
			return engine.HealthStatus{Healthy: false, Detail: "no default model configured"}
		}
		return engine.HealthStatus{Healthy: true, Detail: "default model: " + cfg.Engine.DefaultModel}
	}
	admin := engine.NewAdminServer(*addr, collector, health)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "turnengine admin server listening on %s (model: %s)\n", *addr, cfg.Engine.DefaultModel)
	return admin.Start(ctx)
}
