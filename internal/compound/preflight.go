// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/claudefleet/fleet/internal/tmux"
)

// missionSessionName is the canonical tmux session name a mission uses, so
// a stale session from a crashed prior run can be found and killed, per
// §4.5 step 2's "kill any stale multiplexer session with the canonical
// name".
const missionSessionName = "fleet-mission"

// workerBinaryName is the CLI preflight checks for when isLive, matching
// the binary SPEC_FULL.md §6 names in the worker spawn command line.
const workerBinaryName = "claude"

// preflight runs §4.5 step 2. Every check must pass or the mission aborts
// immediately with the zero-iteration failed result.
func preflight(ctx context.Context, cfg MissionConfig, exec_ tmux.Executor) error {
	if _, err := execLookPath("tmux"); err != nil {
		return fmt.Errorf("preflight: terminal multiplexer not installed: %w", err)
	}
	if _, err := execLookPath("git"); err != nil {
		return fmt.Errorf("preflight: git not installed: %w", err)
	}
	if cfg.IsLive {
		if _, err := execLookPath(workerBinaryName); err != nil {
			return fmt.Errorf("preflight: worker CLI not installed: %w", err)
		}
	}

	if cfg.TargetDir == "" {
		return fmt.Errorf("preflight: targetDir is required")
	}
	info, err := os.Stat(cfg.TargetDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("preflight: targetDir %q does not exist", cfg.TargetDir)
	}
	if _, err := os.Stat(filepath.Join(cfg.TargetDir, ".git")); err != nil {
		return fmt.Errorf("preflight: targetDir %q is not a git worktree", cfg.TargetDir)
	}

	if portInUse(cfg.Port) {
		return fmt.Errorf("preflight: port %d is already in use", cfg.Port)
	}

	if exec_.HasSession(ctx, missionSessionName) {
		_ = exec_.KillSession(ctx, missionSessionName)
	}

	return nil
}

var execLookPath = exec.LookPath

// portInUse probes the given port's health endpoint; a successful response
// means the port is already occupied, per §4.5 step 2's inverted framing
// ("probe health endpoint; success = port in use = failure").
func portInUse(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
