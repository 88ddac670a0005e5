// ABOUTME: Submits a TOML task graph to worker agents and waits for the results.
// ABOUTME: Usage: mesh-submit -graph graph.toml [-relay http://localhost:8808] [-timeout 5m]

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/mcpmesh/mcpmesh/internal/coordinator"
	"github.com/mcpmesh/mcpmesh/internal/transport"
)

func main() {
	_ = godotenv.Load()

	relayURL := flag.String("relay", envOr("MESH_RELAY_URL", "http://localhost:8808"), "relay base URL")
	name := flag.String("name", "coordinator", "coordinator agent name")
	graphPath := flag.String("graph", "", "path to the TOML task graph (required)")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall completion timeout")
	poll := flag.Duration("poll", 200*time.Millisecond, "completion poll interval")
	logLevel := flag.String("log-level", "warn", "log level (debug/info/warn/error)")
	flag.Parse()

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -graph is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(*relayURL, *name, *graphPath, *timeout, *poll, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(relayURL, name, graphPath string, timeout, poll time.Duration, logLevel string) error {
	specs, err := coordinator.LoadGraph(graphPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))

	tr := transport.New(relayURL, name, transport.Options{Logger: logger})
	defer tr.Close()
	if err := tr.Register(ctx, []string{"coordinate"}); err != nil {
		return fmt.Errorf("registering with relay: %w", err)
	}

	coord := coordinator.New(name, tr, logger)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go func() { _ = coord.Run(runCtx) }()

	fmt.Printf("submitting %d tasks from %s\n", len(specs), graphPath)
	if err := coord.SubmitGraph(ctx, specs); err != nil {
		return fmt.Errorf("submitting graph: %w", err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()

	results, err := coord.WaitForCompletion(waitCtx, poll)
	if err != nil {
		printResults(results, coord.Failed())
		return fmt.Errorf("waiting for completion: %w", err)
	}

	printResults(results, coord.Failed())
	if failed := coord.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d task(s) failed", len(failed))
	}
	return nil
}

func printResults(results map[string]any, failed []string) {
	failedSet := make(map[string]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Println()
	for _, id := range ids {
		if failedSet[id] {
			red.Printf("  ✗ %s", id)
		} else {
			green.Printf("  ✓ %s", id)
		}
		fmt.Printf("  %v\n", results[id])
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
