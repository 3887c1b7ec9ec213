// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worktreepool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/claudefleet/fleet/internal/logging"
)

// Allocation is a worker's assigned worktree.
type Allocation struct {
	Path   string
	Branch string
}

// Pool allocates one git worktree per worker spawn under baseDir, on a
// branch generated from the worker's handle, and reclaims it on release or
// during orphan purge.
type Pool struct {
	mu      sync.Mutex
	repoDir string
	baseDir string
	git     GitExecutor
	log     *logging.Logger
	known   map[string]Allocation // handle -> allocation
}

// New creates a Pool rooted at repoDir (where `git worktree` commands run)
// that creates new worktrees under baseDir.
func New(repoDir, baseDir string, git GitExecutor) *Pool {
	return &Pool{
		repoDir: repoDir,
		baseDir: baseDir,
		git:     git,
		log:     logging.New("worktreepool"),
		known:   make(map[string]Allocation),
	}
}

// sanitizeHandle makes handle safe for use as a path segment and branch
// name, matching the teacher's convention of collapsing slashes to dashes.
func sanitizeHandle(handle string) string {
	return strings.ReplaceAll(handle, "/", "-")
}

// Allocate creates a new worktree for handle on a generated branch
// fleet/<handle>, returning its path and branch name.
func (p *Pool) Allocate(ctx context.Context, handle string) (Allocation, error) {
	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return Allocation{}, fmt.Errorf("worktreepool: create base dir: %w", err)
	}

	sanitized := sanitizeHandle(handle)
	branch := "fleet/" + sanitized
	path := filepath.Join(p.baseDir, sanitized)

	if _, err := os.Stat(path); err == nil {
		return Allocation{}, fmt.Errorf("worktreepool: worktree directory already exists: %s", path)
	}

	if err := p.git.WorktreeAdd(ctx, p.repoDir, branch, path); err != nil {
		return Allocation{}, fmt.Errorf("worktreepool: allocate worktree for %s: %w", handle, err)
	}

	alloc := Allocation{Path: path, Branch: branch}
	p.mu.Lock()
	p.known[handle] = alloc
	p.mu.Unlock()

	return alloc, nil
}

// Release removes handle's worktree and, if deleteBranch is set, its branch.
func (p *Pool) Release(ctx context.Context, handle string, deleteBranch bool) error {
	p.mu.Lock()
	alloc, ok := p.known[handle]
	delete(p.known, handle)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := p.git.WorktreeRemove(ctx, p.repoDir, alloc.Path); err != nil {
		return fmt.Errorf("worktreepool: release worktree for %s: %w", handle, err)
	}

	if deleteBranch {
		if err := p.git.DeleteBranch(ctx, p.repoDir, alloc.Branch); err != nil {
			p.log.Printf("failed to delete branch %s for %s: %v", alloc.Branch, handle, err)
		}
	}
	return nil
}

// PurgeOrphaned removes every worktree under baseDir that isn't one of the
// still-live handles the caller passes in, per initialize()'s "purges
// orphaned worktrees" step (SPEC_FULL.md §4.4).
func (p *Pool) PurgeOrphaned(ctx context.Context, liveHandles map[string]struct{}) (int, error) {
	worktrees, err := p.git.WorktreeList(ctx, p.repoDir)
	if err != nil {
		return 0, fmt.Errorf("worktreepool: list worktrees: %w", err)
	}

	p.mu.Lock()
	for handle, alloc := range p.known {
		if _, live := liveHandles[handle]; !live {
			delete(p.known, handle)
			_ = alloc
		}
	}
	p.mu.Unlock()

	purged := 0
	for _, wt := range worktrees {
		if wt.IsBare {
			continue
		}
		rel, err := filepath.Rel(p.baseDir, wt.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue // not under our base dir
		}

		handle := rel
		if _, live := liveHandles[handle]; live {
			continue
		}

		if err := p.git.WorktreeRemove(ctx, p.repoDir, wt.Path); err != nil {
			p.log.Printf("failed to purge orphaned worktree %s: %v", wt.Path, err)
			continue
		}
		purged++
	}
	return purged, nil
}
