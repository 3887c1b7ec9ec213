// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/events"
	"github.com/claudefleet/fleet/internal/logparser"
	"github.com/google/uuid"
)

// fleetTmuxSession is the single tmux session the Worker Manager owns for
// its own tmux-mode spawns, distinct from any session the Compound Runner
// creates via internal/tmux.CreateMissionLayout for a mission.
const fleetTmuxSession = "fleet-workers"

var tmuxSessionOnce sync.Once

// SpawnWorker implements the spawn algorithm of SPEC_FULL.md §4.4.
func (m *Manager) SpawnWorker(ctx context.Context, req SpawnRequest) (Summary, error) {
	if req.Handle == "" {
		return Summary{}, fmt.Errorf("worker: spawn: handle is required")
	}
	if req.TeamName == "" {
		req.TeamName = m.cfg.WorkerManager.DefaultTeamName
	}

	max := m.cfg.WorkerManager.MaxWorkers
	if max <= 0 {
		max = 5
	}
	m.mu.Lock()
	if len(m.workers) >= max {
		m.mu.Unlock()
		return Summary{}, ErrMaxWorkersReached
	}
	if _, exists := m.byHandle[req.Handle]; exists {
		m.mu.Unlock()
		return Summary{}, ErrDuplicateHandle
	}
	m.mu.Unlock()

	// Step 2: spawn controller gate.
	if m.spawnCtrl != nil {
		decision := m.spawnCtrl.AllowSpawn(req.Role, req.DepthLevel)
		if !decision.Allowed {
			return Summary{}, &SpawnDeniedError{Reason: decision.Reason}
		}
		if decision.Warning != "" {
			m.log.Printf("spawn %s: %s", req.Handle, decision.Warning)
		}
	}

	// Step 3: reject or clear a stale persistent record. While we have the
	// record, remember its last observed Log Parser state, so Step 6 can
	// decide the --resume continuation prompt off real data instead of
	// assuming the worker was always mid-turn.
	priorLastState := req.ResumeLastState
	if m.store != nil {
		rec, err := m.store.GetWorkerByHandle(req.Handle)
		if err != nil {
			return Summary{}, fmt.Errorf("worker: spawn: check persisted record: %w", err)
		}
		if rec != nil {
			if rec.State != string(StateDismissed) && rec.State != string(StateError) {
				return Summary{}, ErrDuplicateHandle
			}
			if priorLastState == "" {
				priorLastState = logparser.EventType(rec.LastEventType)
			}
			if err := m.store.DeleteWorker(rec.ID); err != nil {
				return Summary{}, fmt.Errorf("worker: spawn: clear stale record: %w", err)
			}
		}
	}

	// Step 4/5: resolve spawn mode.
	mode := req.SpawnMode
	if mode == "" {
		mode = m.defaultSpawnMode
	}
	if mode == "" {
		mode = config.SpawnProcess
	}
	if m.nativeOnly && mode == config.SpawnProcess {
		return Summary{}, ErrInvalidModeInNativeOnly
	}
	if mode == config.SpawnNative {
		if m.native == nil {
			if m.nativeOnly {
				return Summary{}, ErrNativeRequiredButUnavailable
			}
			mode = config.SpawnProcess
		} else if _, ok := m.native.Discover(); !ok {
			if m.nativeOnly {
				return Summary{}, ErrNativeRequiredButUnavailable
			}
			mode = config.SpawnProcess
		}
	}

	// Step 6: compose initial prompt.
	prompt := composeInitialPrompt(m.bb, m.cfg.WorkerManager.InjectMail, req.Handle, req.Role, req.SwarmID, req.InitialPrompt)
	if req.SessionID != "" {
		resume := resumePrompt(priorLastState)
		if resume != "" && prompt == "" {
			prompt = resume
		} else if resume != "" {
			prompt = resume + "\n\n" + prompt
		}
	}

	// Step 7: worktree allocation.
	workingDir := req.WorkingDir
	var worktreePath, worktreeBranch string
	if workingDir == "" && m.cfg.WorkerManager.UseWorktrees && m.worktrees != nil {
		alloc, err := m.worktrees.Allocate(ctx, req.Handle)
		if err != nil {
			return Summary{}, fmt.Errorf("worker: spawn: allocate worktree: %w", err)
		}
		workingDir = alloc.Path
		worktreePath = alloc.Path
		worktreeBranch = alloc.Branch
	}

	w := &worker{
		id:             uuid.NewString(),
		handle:         req.Handle,
		teamName:       req.TeamName,
		role:           req.Role,
		model:          req.Model,
		swarmID:        req.SwarmID,
		depth:          req.DepthLevel,
		spawnMode:      mode,
		state:          StateSpawning,
		health:         HealthHealthy,
		sessionID:      req.SessionID,
		workingDir:     workingDir,
		worktreePath:   worktreePath,
		worktreeBranch: worktreeBranch,
		createdAt:      time.Now(),
		lastHeartbeat:  time.Now(),
		external:       mode == config.SpawnExternal,
		parser:         logparser.New(),
	}

	handleImpl, err := m.buildHandle(ctx, w, mode)
	if err != nil {
		return Summary{}, fmt.Errorf("worker: spawn: %w", err)
	}
	w.handleImpl = handleImpl

	// Step 8/9: start the process and install output/exit handlers.
	startErr := handleImpl.Start(ctx, prompt,
		func(line string) { m.handleStdoutLine(w, line) },
		func(line string) { m.handleStderrLine(w, line) },
		func(exitCode int) { m.handleExit(w, exitCode) },
	)
	if startErr != nil {
		if worktreePath != "" {
			_ = m.worktrees.Release(ctx, req.Handle, true)
		}
		return Summary{}, fmt.Errorf("worker: spawn: start: %w", startErr)
	}

	// Step 10: persist, register, emit.
	m.mu.Lock()
	m.workers[w.id] = w
	m.byHandle[w.handle] = w.id
	m.mu.Unlock()

	m.persistWorker(w)
	if m.spawnCtrl != nil {
		m.spawnCtrl.RegisterWorker(w.handle)
	}
	m.publishEvent(events.EventWorkerSpawned, w.handle, map[string]interface{}{"id": w.id, "spawnMode": string(mode)})

	return w.summary(), nil
}

// buildHandle constructs the spawn-mode-specific processHandle for w.
func (m *Manager) buildHandle(ctx context.Context, w *worker, mode config.SpawnMode) (processHandle, error) {
	switch mode {
	case config.SpawnProcess:
		return newProcessSpawnHandle(m.cfg.WorkerManager.WorkerBinary, processArgs(w), workerEnv(m.cfg.WorkerManager.ServerURL, w), w.workingDir), nil

	case config.SpawnNative:
		binary, _ := m.native.Discover()
		return newNativeSpawnHandle(binary, processArgs(w), workerEnv(m.cfg.WorkerManager.ServerURL, w), w.workingDir, m.inboxBridge, w.handle), nil

	case config.SpawnTmux:
		if m.tmuxExec == nil {
			return nil, fmt.Errorf("tmux spawn mode requires a tmux executor")
		}
		paneID, err := m.allocateTmuxPane(ctx, w.workingDir)
		if err != nil {
			return nil, err
		}
		return newTmuxSpawnHandle(m.tmuxExec, paneID), nil

	case config.SpawnExternal:
		return externalSpawnHandle{}, nil

	default:
		return nil, fmt.Errorf("unknown spawn mode %q", mode)
	}
}

func (m *Manager) allocateTmuxPane(ctx context.Context, workdir string) (string, error) {
	var firstPane string
	var sessionErr error
	tmuxSessionOnce.Do(func() {
		if !m.tmuxExec.HasSession(ctx, fleetTmuxSession) {
			firstPane, sessionErr = m.tmuxExec.NewSession(ctx, fleetTmuxSession, workdir)
		}
	})
	if sessionErr != nil {
		return "", fmt.Errorf("tmux: create %s session: %w", fleetTmuxSession, sessionErr)
	}
	if firstPane != "" {
		return firstPane, nil
	}
	return m.tmuxExec.SplitWindow(ctx, fleetTmuxSession, workdir, false)
}

// processArgs builds the worker command line per SPEC_FULL.md §6 "Worker
// spawn command line".
func processArgs(w *worker) []string {
	args := []string{"--print", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if w.sessionID != "" {
		args = append(args, "--resume", w.sessionID)
	}
	return args
}

// workerEnv builds the worker's environment per SPEC_FULL.md §6 "Worker
// environment": FORCE_COLOR=0 plus the agent/team/server variables.
func workerEnv(serverURL string, w *worker) []string {
	env := []string{"FORCE_COLOR=0"}
	spawnEnv := struct {
		AgentID, TeamName, AgentName, AgentType, ServerURL string
	}{w.id, w.teamName, w.handle, w.role, serverURL}
	env = append(env,
		"AGENT_ID="+spawnEnv.AgentID,
		"TEAM_NAME="+spawnEnv.TeamName,
		"AGENT_NAME="+spawnEnv.AgentName,
		"AGENT_TYPE="+spawnEnv.AgentType,
		"SERVER_URL="+spawnEnv.ServerURL,
	)
	return env
}

// handleStdoutLine runs the Log Parser over one decoded stdout line and
// applies SPEC_FULL.md §4.4 "Output processing".
func (m *Manager) handleStdoutLine(w *worker, line string) {
	ev, ok := w.parser.ParseLine(line)
	if !ok {
		w.mu.Lock()
		w.recentOutput = appendBounded(w.recentOutput, line, recentOutputLimit)
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.lastEventType = ev.EventType
	if w.health != HealthHealthy {
		w.health = HealthHealthy
	}

	switch ev.EventType {
	case logparser.EventSystem:
		if ev.Subtype == "init" {
			w.sessionID = ev.SessionID
			w.state = StateReady
		}
	case logparser.EventAssistant:
		w.state = StateWorking
		if ev.Text != "" {
			w.recentOutput = appendBounded(w.recentOutput, ev.Text, recentOutputLimit)
		}
	case logparser.EventResult:
		w.state = StateReady
	}
	state := w.state
	w.mu.Unlock()

	if ev.EventType == logparser.EventSystem && ev.Subtype == "init" {
		m.persistWorker(w)
		m.publishEvent(events.EventWorkerReady, w.handle, map[string]interface{}{"sessionId": ev.SessionID})
	}
	if ev.EventType == logparser.EventResult {
		m.publishEvent(events.EventWorkerResult, w.handle, map[string]interface{}{"text": ev.Text, "durationMs": ev.DurationMs})
	}
	_ = state

	m.publishEvent(events.EventWorkerOutput, w.handle, map[string]interface{}{"id": w.id, "event": line})
}

// handleStderrLine applies §4.4 "Stderr handling".
func (m *Manager) handleStderrLine(w *worker, line string) {
	if strings.TrimSpace(line) == "" || strings.Contains(line, "deprecated") {
		return
	}
	w.mu.Lock()
	w.recentOutput = appendBounded(w.recentOutput, "[stderr] "+line, recentOutputLimit)
	w.mu.Unlock()
	m.publishEvent(events.EventWorkerError, w.handle, map[string]interface{}{"line": line})
}

// handleExit applies §4.4 "Exit handling".
func (m *Manager) handleExit(w *worker, exitCode int) {
	w.mu.Lock()
	wasStopping := w.state == StateStopping
	w.state = StateStopped
	var finalState State
	if wasStopping || exitCode == 0 {
		finalState = StateDismissed
	} else {
		finalState = StateError
	}
	w.state = finalState
	worktreePath := w.worktreePath
	handle := w.handle
	id := w.id
	w.mu.Unlock()

	m.persistWorker(w)

	if (wasStopping || exitCode == 0) && worktreePath != "" && m.worktrees != nil {
		if err := m.worktrees.Release(context.Background(), handle, true); err != nil {
			m.log.Printf("exit cleanup: release worktree for %s: %v", handle, err)
		}
	}

	m.publishEvent(events.EventWorkerExit, handle, map[string]interface{}{"code": exitCode})

	m.mu.Lock()
	delete(m.workers, id)
	delete(m.byHandle, handle)
	m.mu.Unlock()

	if m.spawnCtrl != nil {
		m.spawnCtrl.UnregisterWorker(handle)
	}
}

// DismissWorker requests termination of id, waiting for it to exit (or be
// force-killed after 5s). Unknown ids are not an error.
func (m *Manager) DismissWorker(ctx context.Context, id string, cleanupWorktree bool) error {
	_, err := m.dismissWorker(ctx, id, cleanupWorktree)
	return err
}

// DismissWorkerByHandle is DismissWorker keyed by handle.
func (m *Manager) DismissWorkerByHandle(ctx context.Context, handle string, cleanupWorktree bool) error {
	m.mu.RLock()
	id, ok := m.byHandle[handle]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.DismissWorker(ctx, id, cleanupWorktree)
}

func (m *Manager) dismissWorker(ctx context.Context, id string, cleanupWorktree bool) (Summary, error) {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return Summary{}, nil
	}

	w.mu.Lock()
	external := w.external
	if w.state != StateStopped && w.state != StateDismissed {
		w.state = StateStopping
	}
	w.stopRequested = true
	handle := w.handle
	w.mu.Unlock()

	if external {
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		m.persistWorker(w)
		m.publishEvent(events.EventWorkerExit, handle, map[string]interface{}{"code": 0})
		m.mu.Lock()
		delete(m.workers, id)
		delete(m.byHandle, handle)
		m.mu.Unlock()
		return w.summary(), nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod+time.Second)
	defer cancel()
	w.handleImpl.Stop(stopCtx)

	if cleanupWorktree {
		// handleExit (invoked by the process's own exit callback) performs
		// the actual worktree release once the exit is observed.
	}

	return w.summary(), nil
}

// SendToWorker writes msg as a new turn to id's worker. Returns false if the
// worker is stopped, external, or has no writable input surface.
func (m *Manager) SendToWorker(id, msg string) bool {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	state := w.state
	external := w.external
	w.mu.Unlock()
	if external || state == StateStopped || state == StateStopping || state == StateDismissed {
		return false
	}
	return w.handleImpl.Send(msg)
}

// DeliverTaskToWorker formats task as a prompt and delivers it via
// SendToWorker.
func (m *Manager) DeliverTaskToWorker(id string, task Task) bool {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n\n%s", task.Description)
	}
	return m.SendToWorker(id, b.String())
}

// RegisterExternalWorker registers a worker with no managed process, in a
// synthetic ready state, per §4.4 "External workers".
func (m *Manager) RegisterExternalWorker(handle, teamName, workingDir, swarmID string) (Summary, error) {
	m.mu.Lock()
	if _, exists := m.byHandle[handle]; exists {
		m.mu.Unlock()
		return Summary{}, ErrDuplicateHandle
	}
	m.mu.Unlock()

	w := &worker{
		id:            uuid.NewString(),
		handle:        handle,
		teamName:      teamName,
		swarmID:       swarmID,
		spawnMode:     config.SpawnExternal,
		state:         StateReady,
		health:        HealthHealthy,
		workingDir:    workingDir,
		createdAt:     time.Now(),
		lastHeartbeat: time.Now(),
		external:      true,
		parser:        logparser.New(),
		handleImpl:    externalSpawnHandle{},
	}

	m.mu.Lock()
	m.workers[w.id] = w
	m.byHandle[w.handle] = w.id
	m.mu.Unlock()

	m.persistWorker(w)
	m.publishEvent(events.EventWorkerSpawned, handle, map[string]interface{}{"id": w.id, "spawnMode": string(config.SpawnExternal)})

	return w.summary(), nil
}

// InjectWorkerOutput appends event to handle's recentOutput and resets its
// heartbeat, per §4.4. Used by external workers (and by tmux-mode workers
// whose output the compound runner observes via pane capture rather than a
// stdout pipe) to report activity.
func (m *Manager) InjectWorkerOutput(handle, event string) {
	m.mu.RLock()
	id, ok := m.byHandle[handle]
	var w *worker
	if ok {
		w = m.workers[id]
	}
	m.mu.RUnlock()
	if w == nil {
		return
	}

	w.mu.Lock()
	w.recentOutput = appendBounded(w.recentOutput, event, recentOutputLimit)
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()

	m.publishEvent(events.EventWorkerOutput, handle, map[string]interface{}{"id": id, "event": event})
}
