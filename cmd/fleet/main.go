// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/claudefleet/fleet/internal/app"
	"github.com/claudefleet/fleet/internal/compound"
	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/tmux"
)

var version = "0.1"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "dashboard":
		runDashboard(os.Args[2:])
	case "compound", "fix":
		runCompound(os.Args[2:])
	case "-v", "-version", "--version":
		fmt.Printf("fleet %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: fleet <command> [options]

Commands:
  serve      Start the orchestration server
  dashboard  Check that the server is reachable and wait
  compound   Run a closed-loop fix-verify mission against a repository
  fix        Alias for compound`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: auto-detect)")
	host := fs.String("host", "", "server host (overrides config)")
	port := fs.Int("port", 0, "server port (overrides config)")
	workDir := fs.String("workdir", ".", "repository the Worker Manager operates against")
	fs.Parse(args)

	application, err := app.New(app.Options{
		ConfigPath: *configPath,
		Host:       *host,
		Port:       *port,
		WorkDir:    *workDir,
		Version:    version,
	})
	if err != nil {
		log.Fatalf("fleet serve: %v", err)
	}

	if err := application.Run(context.Background(), *workDir); err != nil {
		log.Fatalf("fleet serve: %v", err)
	}
}

// runDashboard is a minimal CLI placeholder, not a web dashboard: it checks
// that the server answers /health, then waits until the process is
// interrupted. It does not subscribe to or print any events. The Compound
// Runner's startDashboard step treats this command as best-effort.
func runDashboard(args []string) {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	host := fs.String("host", "127.0.0.1", "orchestration server host")
	port := fs.Int("port", 0, "orchestration server port")
	fs.Parse(args)

	if *port == 0 {
		cfg := config.Defaults()
		*port = cfg.Server.Port
	}

	baseURL := fmt.Sprintf("http://%s:%d", *host, *port)
	client := compound.NewHTTPClient(baseURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Health(ctx); err != nil {
		log.Fatalf("fleet dashboard: server not reachable at %s: %v", baseURL, err)
	}

	fmt.Printf("watching %s — Ctrl-C to stop\n", baseURL)
	<-ctx.Done()
}

func runCompound(args []string) {
	fs := flag.NewFlagSet("compound", flag.ExitOnError)
	targetDir := fs.String("dir", ".", "repository to run the mission against")
	objective := fs.String("objective", "", "the mission objective (required)")
	maxIterations := fs.Int("max-iterations", 5, "maximum fix-verify iterations")
	numWorkers := fs.Int("workers", 2, "number of worker panes (1 fixer + N-1 verifiers)")
	port := fs.Int("port", 8420, "port the mission's own orchestration server listens on")
	live := fs.Bool("live", false, "spawn real worker CLIs in tmux panes instead of priming panes with the prompt text")
	fs.Parse(args)

	if *objective == "" {
		fmt.Fprintln(os.Stderr, "fleet compound: -objective is required")
		os.Exit(1)
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", *port)
	cfg := compound.MissionConfig{
		TargetDir:     *targetDir,
		MaxIterations: *maxIterations,
		NumWorkers:    *numWorkers,
		Port:          *port,
		ServerURL:     serverURL,
		Objective:     *objective,
		IsLive:        *live,
	}

	runner := compound.NewRunner(tmux.NewRealExecutor(), compound.NewHTTPClient(serverURL), nil, nil)
	result, err := runner.Run(context.Background(), cfg)

	fmt.Printf("mission %s after %d iteration(s) on branch %s\n", result.Status, result.Iterations, result.Branch)
	if result.Diagnostic != "" {
		fmt.Println(result.Diagnostic)
	}

	if err != nil || result.Status != compound.StatusSucceeded {
		os.Exit(1)
	}
}
