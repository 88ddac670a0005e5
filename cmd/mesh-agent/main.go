// ABOUTME: Worker agent binary — registers with a relay and executes tasks with an echo executor.
// ABOUTME: Usage: mesh-agent [-relay http://localhost:8808] [-name worker-a] [-store path.db]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcpmesh/mcpmesh/internal/agent"
	"github.com/mcpmesh/mcpmesh/internal/dedupe"
	"github.com/mcpmesh/mcpmesh/internal/store"
	"github.com/mcpmesh/mcpmesh/internal/transport"
)

func main() {
	_ = godotenv.Load()

	relayURL := flag.String("relay", envOr("MESH_RELAY_URL", "http://localhost:8808"), "relay base URL")
	name := flag.String("name", envOr("MESH_AGENT_NAME", "worker"), "agent name")
	capsFlag := flag.String("capabilities", "echo", "comma-separated capability list")
	prefix := flag.String("prefix", "done:", "echo result prefix")
	storePath := flag.String("store", os.Getenv("MESH_STORE_PATH"), "SQLite path for durable dedup markers (empty = memory only)")
	probe := flag.Duration("probe", 5*time.Second, "interval for re-probing unmet dependencies")
	dedupeTTL := flag.Duration("dedupe-ttl", 24*time.Hour, "TTL for completed-task markers")
	logLevel := flag.String("log-level", "info", "log level (debug/info/warn/error)")
	flag.Parse()

	if err := run(*relayURL, *name, *capsFlag, *prefix, *storePath, *probe, *dedupeTTL, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(relayURL, name, capsFlag, prefix, storePath string, probe, dedupeTTL time.Duration, logLevel string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))

	tr := transport.New(relayURL, name, transport.Options{Logger: logger})
	defer tr.Close()

	var caps []string
	for _, c := range strings.Split(capsFlag, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	if err := tr.Register(ctx, caps); err != nil {
		return fmt.Errorf("registering with relay: %w", err)
	}

	markers := dedupe.New(dedupeTTL, 100_000)
	defer markers.Close()

	var s store.Store
	if storePath != "" {
		sqlStore, err := store.NewSQLiteStore(storePath)
		if err != nil {
			return fmt.Errorf("opening marker store: %w", err)
		}
		defer sqlStore.Close()
		s = sqlStore
		logger.Info("durable dedup markers enabled", "path", storePath)
	}

	rt := agent.NewRuntime(agent.Config{
		Name:            name,
		Transport:       tr,
		Executor:        &agent.EchoExecutor{Prefix: prefix},
		Markers:         markers,
		Store:           s,
		RetentionWindow: dedupeTTL,
		ProbeInterval:   probe,
		Logger:          logger,
	})

	logger.Info("agent running", "name", name, "relay", relayURL, "capabilities", caps)
	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
