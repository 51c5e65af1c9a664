// Command life runs the agent-orchestration supervisor. The hidden "worker"
// subcommand is how the supervisor re-executes itself as an isolated agent
// process; it is not meant to be invoked by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lifert/life/internal/buildindex"
	"github.com/lifert/life/internal/ipc"
	"github.com/lifert/life/internal/observe"
	"github.com/lifert/life/internal/rpc"
	"github.com/lifert/life/internal/supervisor"
	"github.com/lifert/life/pkg/transport/wsrelay"
)

// Relay credentials come from the environment so they reach workers through
// plain environment inheritance.
const (
	envRelayURL    = "LIFE_RELAY_URL"
	envRelaySecret = "LIFE_RELAY_SECRET"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return runServe(args)
	case "worker":
		return runWorker(args)
	default:
		fmt.Fprintf(os.Stderr, "life: unknown command %q (want serve or worker)\n", cmd)
		return 2
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	indexDir := fs.String("index", "build", "directory holding the compiled agent definitions")
	adminAddr := fs.String("admin", ":8089", "admin listener address (healthz, readyz, metrics); empty disables")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	slog.SetDefault(newLogger(*logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "life",
		ServiceVersion: supervisor.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	index, err := buildindex.Load(*indexDir)
	if err != nil {
		slog.Error("failed to load the build index", "dir", *indexDir, "err", err)
		return 1
	}

	tokens, err := wsrelay.NewTokenSource(os.Getenv(envRelaySecret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "life: %s must be set to the relay secret\n", envRelaySecret)
		return 1
	}

	binary, err := os.Executable()
	if err != nil {
		slog.Error("cannot locate own binary for worker re-exec", "err", err)
		return 1
	}
	spawn := func(_ context.Context, agentID string) (supervisor.Child, error) {
		child, err := ipc.Spawn(binary,
			[]string{"worker", "--index", *indexDir, "--agent-id", agentID},
			slog.Default().With("agent", agentID))
		if err != nil {
			return nil, err
		}
		return execChild{child}, nil
	}

	server := supervisor.NewServer(index, tokens, spawn,
		supervisor.WithAdminAddr(*adminAddr))

	// The control surface is served over our own stdio, the same framing the
	// supervisor speaks to its workers. A parent process embeds the supervisor
	// by spawning it and driving this endpoint; logs stay on stderr, so stdout
	// carries frames only. Errors cross a trusted boundary and stay unmasked.
	control := rpc.NewEndpoint(ipc.Stdio())
	server.RegisterProcedures(control)
	defer func() {
		if err := control.Close(); err != nil {
			slog.Warn("close control endpoint failed", "err", err)
		}
	}()

	slog.Info("life starting",
		"index", *indexDir,
		"admin", *adminAddr,
		"agents", len(index.Names()),
	)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// execChild adapts the concrete spawned process to the supervisor's child
// surface.
type execChild struct {
	*ipc.Child
}

func (c execChild) Pipe() rpc.Pipe { return c.Child.Pipe() }

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
