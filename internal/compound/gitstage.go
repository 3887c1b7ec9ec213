// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gitStage records the git state the mission mutates, so cleanup can
// restore it exactly, per §4.5 step 4 and step 13. Grounded on
// internal/worktree/manager.go's Create/Remove and git.go's IsDirty helper.
type gitStage struct {
	repoDir        string
	originalBranch string
	hasStashed     bool
	fleetBranch    string
}

func gitIsDirty(ctx context.Context, repoDir string) bool {
	out, err := exec.CommandContext(ctx, "git", "-C", repoDir, "status", "--porcelain").Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}

func gitCurrentBranch(ctx context.Context, repoDir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git: current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// stageGit implements §4.5 step 4: record originalBranch, stash if dirty,
// create and check out fleetBranch.
func stageGit(ctx context.Context, repoDir string) (*gitStage, error) {
	original, err := gitCurrentBranch(ctx, repoDir)
	if err != nil {
		return nil, err
	}

	stage := &gitStage{repoDir: repoDir, originalBranch: original}

	if gitIsDirty(ctx, repoDir) {
		cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "stash", "push", "-u", "-m", "fleet: compound mission stash")
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("git: stash: %s: %w", string(out), err)
		}
		stage.hasStashed = true
	}

	stage.fleetBranch = fmt.Sprintf("fleet/fix-%d", time.Now().UnixNano())
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "checkout", "-b", stage.fleetBranch)
	if out, err := cmd.CombinedOutput(); err != nil {
		if stage.hasStashed {
			_ = exec.CommandContext(ctx, "git", "-C", repoDir, "stash", "pop").Run()
		}
		return nil, fmt.Errorf("git: checkout -b %s: %s: %w", stage.fleetBranch, string(out), err)
	}

	return stage, nil
}

// commitIfDirty commits every uncommitted change with message, skipping if
// the tree is clean, per §4.5 step 11c.
func commitIfDirty(ctx context.Context, repoDir, message string) error {
	if !gitIsDirty(ctx, repoDir) {
		return nil
	}
	if out, err := exec.CommandContext(ctx, "git", "-C", repoDir, "add", "-A").CombinedOutput(); err != nil {
		return fmt.Errorf("git: add: %s: %w", string(out), err)
	}
	if out, err := exec.CommandContext(ctx, "git", "-C", repoDir, "commit", "-m", message).CombinedOutput(); err != nil {
		return fmt.Errorf("git: commit: %s: %w", string(out), err)
	}
	return nil
}

// restore implements §4.5 step 13's git half: checkout back to
// originalBranch if currently on fleetBranch, then pop the stash if one was
// made. Errors are collected, not fatal — cleanup must always run to
// completion on every exit path.
func (s *gitStage) restore(ctx context.Context) []error {
	var errs []error

	current, err := gitCurrentBranch(ctx, s.repoDir)
	if err == nil && current == s.fleetBranch {
		if out, err := exec.CommandContext(ctx, "git", "-C", s.repoDir, "checkout", s.originalBranch).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("git: checkout %s: %s: %w", s.originalBranch, string(out), err))
		}
	}

	if s.hasStashed {
		if out, err := exec.CommandContext(ctx, "git", "-C", s.repoDir, "stash", "pop").CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("git: stash pop: %s: %w", string(out), err))
		}
	}

	return errs
}
