// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package worktreepool allocates and reclaims per-worker git worktrees for
// the Worker Manager's worktree-enabled spawn mode (SPEC_FULL.md §4.4 step
// 7). Grounded on internal/worktree/{git,manager}.go, trimmed from a
// general-purpose worktree manager (activation, lifecycle hooks, binaries
// path templating) down to the allocate/release/purge-orphans lifecycle a
// pooled spawn needs.
package worktreepool

import (
	"context"
	"os/exec"
	"strings"
)

// Info describes one git worktree, as reported by `git worktree list --porcelain`.
type Info struct {
	Path     string
	Commit   string
	Branch   string
	Detached bool
	IsBare   bool
}

// GitExecutor is the subset of git plumbing the pool needs.
type GitExecutor interface {
	WorktreeList(ctx context.Context, repoDir string) ([]Info, error)
	WorktreeAdd(ctx context.Context, repoDir, branch, path string) error
	WorktreeRemove(ctx context.Context, repoDir, path string) error
	DeleteBranch(ctx context.Context, repoDir, branch string) error
}

// RealGitExecutor shells out to the git binary.
type RealGitExecutor struct{}

// NewRealGitExecutor constructs a RealGitExecutor.
func NewRealGitExecutor() *RealGitExecutor { return &RealGitExecutor{} }

// WorktreeList returns the repository's current worktrees.
func (e *RealGitExecutor) WorktreeList(ctx context.Context, repoDir string) ([]Info, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "list", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(string(output)), nil
}

// WorktreeAdd creates a new worktree at path on a fresh branch.
func (e *RealGitExecutor) WorktreeAdd(ctx context.Context, repoDir, branch, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "add", "-b", branch, path)
	_, err := cmd.CombinedOutput()
	return err
}

// WorktreeRemove force-removes a worktree.
func (e *RealGitExecutor) WorktreeRemove(ctx context.Context, repoDir, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "remove", "--force", path)
	_, err := cmd.CombinedOutput()
	return err
}

// DeleteBranch force-deletes a branch.
func (e *RealGitExecutor) DeleteBranch(ctx context.Context, repoDir, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "branch", "-D", branch)
	_, err := cmd.CombinedOutput()
	return err
}

// ParseWorktreeListPorcelain parses `git worktree list --porcelain` output.
func ParseWorktreeListPorcelain(output string) []Info {
	result := []Info{}

	blocks := strings.Split(output, "\n\n")
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		info := parseWorktreeBlock(block)
		if info.Path != "" {
			result = append(result, info)
		}
	}
	return result
}

func parseWorktreeBlock(block string) Info {
	var info Info
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			info.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			info.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			info.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "bare":
			info.IsBare = true
		case line == "detached":
			info.Detached = true
		}
	}
	return info
}
