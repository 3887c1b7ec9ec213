// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package nativebridge implements the Native Bridge (SPEC_FULL.md §4.6):
// discovers the worker binary on PATH, prepares each spawned agent's
// per-agent filesystem workspace, and builds its environment. Grounded on
// internal/watcher/binary.go's fsnotify-based ref-counted watcher in the
// teacher, repurposed from "restart a service when its binary changes" to
// "notice when the worker binary becomes available/unavailable."
package nativebridge

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/claudefleet/fleet/internal/logging"
)

// SpawnEnv is the per-agent environment the Worker Manager passes to a
// natively spawned worker process, per §4.6.
type SpawnEnv struct {
	AgentID   string
	TeamName  string
	AgentName string
	AgentType string
	ServerURL string
}

// ToEnviron renders SpawnEnv as a process environment slice, appended to the
// current process's own environment.
func (e SpawnEnv) ToEnviron() []string {
	env := os.Environ()
	return append(env,
		"AGENT_ID="+e.AgentID,
		"TEAM_NAME="+e.TeamName,
		"AGENT_NAME="+e.AgentName,
		"AGENT_TYPE="+e.AgentType,
		"SERVER_URL="+e.ServerURL,
	)
}

// Bridge discovers the worker binary and prepares native-spawn inputs.
type Bridge struct {
	mu            sync.RWMutex
	binaryName    string
	workspaceRoot string
	resolved      string // last resolved absolute path, "" if not found
	watcher       *fsnotify.Watcher
	log           *logging.Logger
	closeCh       chan struct{}
	wg            sync.WaitGroup
}

// New creates a Bridge that looks for binaryName on PATH and stages
// per-agent workspaces under workspaceRoot.
func New(binaryName, workspaceRoot string) (*Bridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("nativebridge: create watcher: %w", err)
	}

	b := &Bridge{
		binaryName:    binaryName,
		workspaceRoot: workspaceRoot,
		watcher:       w,
		log:           logging.New("nativebridge"),
		closeCh:       make(chan struct{}),
	}

	b.probe()
	b.watchPathDirs()

	b.wg.Add(1)
	go b.processEvents()

	return b, nil
}

// watchPathDirs watches every directory on PATH so the bridge notices a
// worker binary that is installed after startup. Directories that fail to
// watch (missing, permission denied) are skipped; PATH commonly contains
// stale entries.
func (b *Bridge) watchPathDirs() {
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		_ = b.watcher.Add(dir)
	}
}

func (b *Bridge) processEvents() {
	defer b.wg.Done()
	for {
		select {
		case <-b.closeCh:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == b.binaryName {
				b.probe()
			}
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// probe re-resolves the binary path via exec.LookPath.
func (b *Bridge) probe() {
	path, err := exec.LookPath(b.binaryName)

	b.mu.Lock()
	prev := b.resolved
	if err != nil {
		b.resolved = ""
	} else {
		b.resolved = path
	}
	cur := b.resolved
	b.mu.Unlock()

	if prev == "" && cur != "" {
		b.log.Printf("discovered worker binary %s at %s", b.binaryName, cur)
	} else if prev != "" && cur == "" {
		b.log.Printf("worker binary %s no longer found on PATH, falling back", b.binaryName)
	}
}

// Discover returns the resolved absolute path to the worker binary and
// whether it is currently available.
func (b *Bridge) Discover() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resolved, b.resolved != ""
}

// ShouldFallback reports whether the manager should degrade to the default
// spawn mode because the native binary is unavailable.
func (b *Bridge) ShouldFallback() bool {
	_, ok := b.Discover()
	return !ok
}

// PrepareWorkspace creates (idempotently) the per-agent directory a natively
// spawned worker runs in, rooted at workspaceRoot/<teamName>/<agentID>.
func (b *Bridge) PrepareWorkspace(teamName, agentID string) (string, error) {
	dir := filepath.Join(b.workspaceRoot, teamName, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("nativebridge: prepare workspace for %s/%s: %w", teamName, agentID, err)
	}
	return dir, nil
}

// BuildEnv constructs the worker's environment per §4.6.
func (b *Bridge) BuildEnv(agentID, teamName, agentName, agentType, serverURL string) SpawnEnv {
	return SpawnEnv{
		AgentID:   agentID,
		TeamName:  teamName,
		AgentName: agentName,
		AgentType: agentType,
		ServerURL: serverURL,
	}
}

// Close stops the bridge's watcher goroutine.
func (b *Bridge) Close() error {
	select {
	case <-b.closeCh:
		return nil
	default:
	}
	close(b.closeCh)
	_ = b.watcher.Close()
	b.wg.Wait()
	return nil
}
