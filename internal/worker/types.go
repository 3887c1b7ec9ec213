// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the Worker Manager (SPEC_FULL.md §4.4): the
// central per-worker state machine and health monitor that spawns,
// supervises, restarts, and routes messages to workers. Grounded primarily
// on internal/claude/manager.go's Session/Manager in the teacher (process
// lifecycle, NDJSON readLoop, --resume continuation, fan-out subscriptions),
// with restart-policy and process-group signalling lifted from
// internal/service/manager.go's handleExit and internal/service/process.go.
package worker

import (
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/logparser"
)

// State is a worker's lifecycle state, per SPEC_FULL.md §3 "Worker".
type State string

const (
	StateSpawning  State = "spawning"
	StateReady     State = "ready"
	StateWorking   State = "working"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateError     State = "error"
	StateDismissed State = "dismissed"
)

// Health is a worker's derived liveness classification from the health
// monitor (SPEC_FULL.md §4.4 "Health monitor").
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SpawnRequest is spawnWorker's input, per §4.4's public contract table.
type SpawnRequest struct {
	Handle        string
	TeamName      string
	WorkingDir    string
	SessionID     string
	InitialPrompt string
	Role          string
	Model         string
	SpawnMode     config.SpawnMode
	SwarmID       string
	DepthLevel    int
	// ResumeLastState is the Log Parser event type last observed on this
	// handle before it was lost, when the caller already knows it (e.g.
	// Manager.Initialize's restart-on-boot path, which read it straight off
	// the persisted record). Left empty, SpawnWorker falls back to whatever
	// it finds in storage for the handle.
	ResumeLastState logparser.EventType
}

// Task is deliverTaskToWorker's input.
type Task struct {
	ID          string
	Title       string
	Description string
}

// Summary is the worker snapshot returned from spawn/register/get calls.
type Summary struct {
	ID             string
	Handle         string
	TeamName       string
	Role           string
	SwarmID        string
	DepthLevel     int
	SpawnMode      config.SpawnMode
	State          State
	Health         Health
	SessionID      string
	WorkingDir     string
	WorktreePath   string
	WorktreeBranch string
	PaneID         string
	PID            int
	CreatedAt      time.Time
	LastHeartbeat  time.Time
	RestartCount   int
}

// HealthStats is getHealthStats()'s return shape.
type HealthStats struct {
	Total     int
	Healthy   int
	Degraded  int
	Unhealthy int
}

// RestartStats is getRestartStats()'s return shape.
type RestartStats struct {
	Total    int
	LastHour int
}

// RoutingRecommendation is getRoutingRecommendation(task)'s return shape.
type RoutingRecommendation struct {
	Complexity string
	Strategy   string
	Model      string
	Confidence float64
}

// SpawnDecision is what a SpawnController returns for a proposed spawn.
type SpawnDecision struct {
	Allowed bool
	Warning string
	Reason  string
}

// SpawnController gates spawns by (role, depth), per §4.4 spawn algorithm
// step 2. A nil controller allows every spawn.
type SpawnController interface {
	AllowSpawn(role string, depthLevel int) SpawnDecision
	RegisterWorker(handle string)
	UnregisterWorker(handle string)
}

// worker is the live, in-memory record for one worker. Persisted fields
// mirror storage.WorkerRecord; process-facing fields live in the handle.
type worker struct {
	mu sync.Mutex

	id       string
	handle   string
	teamName string
	role     string
	model    string
	swarmID  string
	depth    int

	spawnMode config.SpawnMode
	state     State
	health    Health

	sessionID      string
	workingDir     string
	worktreePath   string
	worktreeBranch string

	createdAt     time.Time
	lastHeartbeat time.Time
	lastPersisted time.Time
	lastEventType logparser.EventType

	restartCount   int
	restartHistory []time.Time
	stopRequested  bool
	external       bool

	recentOutput []string
	parser       *logparser.Parser

	handleImpl processHandle
}

func (w *worker) summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Summary{
		ID:             w.id,
		Handle:         w.handle,
		TeamName:       w.teamName,
		Role:           w.role,
		SwarmID:        w.swarmID,
		DepthLevel:     w.depth,
		SpawnMode:      w.spawnMode,
		State:          w.state,
		Health:         w.health,
		SessionID:      w.sessionID,
		WorkingDir:     w.workingDir,
		WorktreePath:   w.worktreePath,
		WorktreeBranch: w.worktreeBranch,
		PaneID:         w.handleImpl.PaneID(),
		PID:            w.handleImpl.PID(),
		CreatedAt:      w.createdAt,
		LastHeartbeat:  w.lastHeartbeat,
		RestartCount:   w.restartCount,
	}
}

func appendBounded(lines []string, line string, max int) []string {
	lines = append(lines, line)
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	return lines
}
