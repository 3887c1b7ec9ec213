// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package compound implements the Compound Runner (SPEC_FULL.md §4.5): a
// closed-loop improvement mission against one target repository, driving
// the orchestration server as an internal HTTP client while it stages git,
// lays out a tmux session, spawns workers, and iterates quality gates to
// convergence.
package compound

import "time"

// MissionConfig is run()'s enumerated input, per §4.5 "Configuration".
type MissionConfig struct {
	TargetDir     string
	MaxIterations int
	NumWorkers    int
	Port          int
	ServerURL     string
	Objective     string
	IsLive        bool
}

// Status is the mission's terminal classification.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result is run()'s return value, per §4.5 step 12.
type Result struct {
	Status      Status
	Iterations  int
	Branch      string
	ProjectType string
	Diagnostic  string
	MissionID   string
	SwarmID     string
}

// Gate is one project-specific validation command, per the GLOSSARY.
type Gate struct {
	Name    string
	Command []string
}

// GateResult is one gate's outcome on one iteration.
type GateResult struct {
	Name    string
	Errors  []string
	RawTail []string
}

// Feedback is the structured report redispatched into worker prompts on a
// failing iteration, per §4.5 step 11d.
type Feedback struct {
	TotalErrors int
	Gates       []GateResult
}

// workerRole identifies a spawned worker's prompt and pane role.
type workerRole string

const (
	roleFixer    workerRole = "fixer"
	roleVerifier workerRole = "verifier"
)

// doneMarker is the tail-scan fallback text a worker pane prints to signal
// completion when isLive is false, or as the dual-signal fallback alongside
// the sentinel file when isLive is true.
const doneMarker = "TASK COMPLETE"

// pollInterval is how often the mission polls sentinel files / pane tails
// while waiting for workers, per §5's 100-500ms suspension-point guidance.
const pollInterval = 250 * time.Millisecond

// serverReadyTimeout bounds how long step 7 waits for the server's health
// endpoint before failing with a diagnostic.
const serverReadyTimeout = 30 * time.Second
