// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/claudefleet/fleet/internal/blackboard"
	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/events"
	"github.com/claudefleet/fleet/internal/inbox"
	"github.com/claudefleet/fleet/internal/logging"
	"github.com/claudefleet/fleet/internal/logparser"
	"github.com/claudefleet/fleet/internal/nativebridge"
	"github.com/claudefleet/fleet/internal/storage"
	"github.com/claudefleet/fleet/internal/tmux"
	"github.com/claudefleet/fleet/internal/worktreepool"
	ps "github.com/mitchellh/go-ps"
)

// Errors returned by SpawnWorker, per SPEC_FULL.md §4.4's public contract
// table.
var (
	ErrMaxWorkersReached            = errors.New("worker: max workers reached")
	ErrDuplicateHandle              = errors.New("worker: duplicate handle")
	ErrNativeRequiredButUnavailable = errors.New("worker: native binary required but unavailable")
	ErrInvalidModeInNativeOnly      = errors.New("worker: process spawn mode disallowed in native-only mode")
)

// SpawnDeniedError wraps a spawn controller's denial reason.
type SpawnDeniedError struct{ Reason string }

func (e *SpawnDeniedError) Error() string { return "worker: spawn denied: " + e.Reason }

// recentOutputLimit bounds getWorkerOutput's reply, per §4.4's accessor row.
const recentOutputLimit = 100

// EventPublisher is the subset of events.EventBus the Worker Manager uses to
// emit lifecycle events, e.g. worker:spawned, worker:output.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Manager is the Worker Manager (SPEC_FULL.md §4.4): construction,
// liveness, and routing for every worker in the fleet.
type Manager struct {
	cfg *config.Config
	log *logging.Logger

	store       *storage.Store
	bus         EventPublisher
	bb          *blackboard.Blackboard
	inboxBridge *inbox.Bridge
	worktrees   *worktreepool.Pool
	native      *nativebridge.Bridge
	tmuxExec    tmux.Executor
	spawnCtrl   SpawnController

	mu       sync.RWMutex
	workers  map[string]*worker // id -> worker
	byHandle map[string]string  // handle -> id

	nativeOnly       bool
	defaultSpawnMode config.SpawnMode
}

// Deps bundles the Manager's optional collaborators. Every field may be nil
// except cfg; a nil field disables the feature it backs (e.g. a nil
// SpawnController allows every spawn, a nil Blackboard disables mail
// injection).
type Deps struct {
	Store           *storage.Store
	Bus             EventPublisher
	Blackboard      *blackboard.Blackboard
	InboxBridge     *inbox.Bridge
	Worktrees       *worktreepool.Pool
	Native          *nativebridge.Bridge
	TmuxExec        tmux.Executor
	SpawnController SpawnController
}

// New constructs a Manager. If deps.Native is set and its worker binary is
// discoverable, defaultSpawnMode is auto-promoted from process to native,
// per §4.4 construction options.
func New(cfg *config.Config, deps Deps) *Manager {
	m := &Manager{
		cfg:              cfg,
		log:              logging.New("worker"),
		store:            deps.Store,
		bus:              deps.Bus,
		bb:               deps.Blackboard,
		inboxBridge:      deps.InboxBridge,
		worktrees:        deps.Worktrees,
		native:           deps.Native,
		tmuxExec:         deps.TmuxExec,
		spawnCtrl:        deps.SpawnController,
		workers:          make(map[string]*worker),
		byHandle:         make(map[string]string),
		nativeOnly:       cfg.WorkerManager.NativeOnly,
		defaultSpawnMode: cfg.WorkerManager.DefaultSpawnMode,
	}

	if deps.Native != nil {
		if _, ok := deps.Native.Discover(); ok && m.defaultSpawnMode == config.SpawnProcess {
			m.defaultSpawnMode = config.SpawnNative
		}
	}

	return m
}

// Start launches the background health monitor. Cancel ctx to stop it.
func (m *Manager) Start(ctx context.Context) {
	go m.startHealthMonitor(ctx)
}

// Initialize restores persisted workers on startup, per §4.4's initialize()
// row: a still-alive PID is left running untouched, a worker with a
// sessionId is respawned via --resume, and anything else is marked error.
// It also purges worktrees not claimed by any restored worker.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	records, err := m.store.ListWorkers()
	if err != nil {
		return fmt.Errorf("worker: initialize: list workers: %w", err)
	}

	live := make(map[string]struct{})
	for _, rec := range records {
		if rec.State == string(StateDismissed) || rec.State == string(StateError) || !rec.TrashedAt.IsZero() {
			continue
		}

		if rec.PID != 0 && processAlive(rec.PID) {
			m.adoptRecord(rec)
			live[rec.Handle] = struct{}{}
			continue
		}

		if rec.SessionID != "" {
			_, err := m.SpawnWorker(ctx, SpawnRequest{
				Handle:          rec.Handle,
				TeamName:        rec.TeamName,
				WorkingDir:      rec.WorkingDir,
				SessionID:       rec.SessionID,
				Role:            rec.Role,
				SpawnMode:       config.SpawnMode(rec.SpawnMode),
				SwarmID:         rec.SwarmID,
				DepthLevel:      rec.DepthLevel,
				ResumeLastState: logparser.EventType(rec.LastEventType),
			})
			if err != nil {
				m.log.Printf("initialize: respawn %s failed: %v", rec.Handle, err)
				rec.State = string(StateError)
				_ = m.store.SaveWorker(rec)
				continue
			}
			live[rec.Handle] = struct{}{}
			continue
		}

		rec.State = string(StateError)
		if err := m.store.SaveWorker(rec); err != nil {
			m.log.Printf("initialize: persist error state for %s: %v", rec.Handle, err)
		}
	}

	if m.worktrees != nil {
		if n, err := m.worktrees.PurgeOrphaned(ctx, live); err != nil {
			m.log.Printf("initialize: purge orphaned worktrees: %v", err)
		} else if n > 0 {
			m.log.Printf("initialize: purged %d orphaned worktrees", n)
		}
	}

	return nil
}

func processAlive(pid int) bool {
	proc, err := ps.FindProcess(pid)
	return err == nil && proc != nil
}

// adoptRecord re-registers an already-running worker found alive at
// startup, without spawning a new process for it.
func (m *Manager) adoptRecord(rec storage.WorkerRecord) {
	w := &worker{
		id:            rec.ID,
		handle:        rec.Handle,
		teamName:      rec.TeamName,
		role:          rec.Role,
		swarmID:       rec.SwarmID,
		depth:         rec.DepthLevel,
		spawnMode:     config.SpawnMode(rec.SpawnMode),
		state:         State(rec.State),
		health:        HealthHealthy,
		sessionID:     rec.SessionID,
		workingDir:    rec.WorkingDir,
		createdAt:     rec.CreatedAt,
		lastHeartbeat: time.Now(),
		lastEventType: logparser.EventType(rec.LastEventType),
		parser:        logparser.New(),
		handleImpl:    newProcessSpawnHandle("", nil, nil, ""),
	}
	m.mu.Lock()
	m.workers[w.id] = w
	m.byHandle[w.handle] = w.id
	m.mu.Unlock()
}

func (m *Manager) publishEvent(eventType, handle string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(context.Background(), events.Event{
		Type:    eventType,
		Handle:  handle,
		Payload: payload,
	})
}

func (m *Manager) persistWorker(w *worker) {
	if m.store == nil {
		return
	}
	w.mu.Lock()
	rec := storage.WorkerRecord{
		ID: w.id, Handle: w.handle, TeamName: w.teamName, Role: w.role,
		SwarmID: w.swarmID, DepthLevel: w.depth, SpawnMode: string(w.spawnMode),
		State: string(w.state), SessionID: w.sessionID, WorkingDir: w.workingDir,
		PaneID: w.handleImpl.PaneID(), PID: w.handleImpl.PID(),
		CreatedAt: w.createdAt, LastHeartbeat: w.lastHeartbeat,
		LastEventType: string(w.lastEventType),
	}
	w.mu.Unlock()
	if err := m.store.SaveWorker(rec); err != nil {
		m.log.Printf("persist worker %s: %v", rec.Handle, err)
	}
}

// GetWorker returns a worker summary by id.
func (m *Manager) GetWorker(id string) (Summary, bool) {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	return w.summary(), true
}

// GetWorkerByHandle returns a worker summary by handle.
func (m *Manager) GetWorkerByHandle(handle string) (Summary, bool) {
	m.mu.RLock()
	id, ok := m.byHandle[handle]
	m.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	return m.GetWorker(id)
}

// GetWorkers returns every live worker's summary.
func (m *Manager) GetWorkers() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.summary())
	}
	return out
}

// GetWorkerCount returns the number of live workers.
func (m *Manager) GetWorkerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// GetWorkerOutput returns a worker's last up-to-100 output lines.
func (m *Manager) GetWorkerOutput(id string) []string {
	m.mu.RLock()
	w, ok := m.workers[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.recentOutput))
	copy(out, w.recentOutput)
	return out
}

// GetHealthStats snapshots health classification counts across all live
// workers.
func (m *Manager) GetHealthStats() HealthStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s HealthStats
	for _, w := range m.workers {
		w.mu.Lock()
		h := w.health
		w.mu.Unlock()
		s.Total++
		switch h {
		case HealthHealthy:
			s.Healthy++
		case HealthDegraded:
			s.Degraded++
		case HealthUnhealthy:
			s.Unhealthy++
		}
	}
	return s
}

// GetRestartStats snapshots total restarts and restarts within the last
// hour across all live workers.
func (m *Manager) GetRestartStats() RestartStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s RestartStats
	cutoff := time.Now().Add(-time.Hour)
	for _, w := range m.workers {
		w.mu.Lock()
		s.Total += len(w.restartHistory)
		for _, t := range w.restartHistory {
			if t.After(cutoff) {
				s.LastHour++
			}
		}
		w.mu.Unlock()
	}
	return s
}

// DismissAll gracefully shuts down: stops the health check loop (by virtue
// of the caller cancelling the context passed to Start) and dismisses every
// worker.
func (m *Manager) DismissAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.dismissWorker(ctx, id, true); err != nil {
			m.log.Printf("dismissAll: dismiss %s failed: %v", id, err)
		}
	}
}

// GetRoutingRecommendation applies a simple heuristic classifier over task
// text length (the rune count of title plus description) to suggest a
// complexity tier, execution strategy, and model, per §4.4's
// getRoutingRecommendation. Keywords in the text are not considered.
func (m *Manager) GetRoutingRecommendation(task Task) *RoutingRecommendation {
	text := task.Title + " " + task.Description
	words := len([]rune(text))

	switch {
	case words < 120:
		return &RoutingRecommendation{Complexity: "low", Strategy: "single-worker", Model: "haiku", Confidence: 0.6}
	case words < 600:
		return &RoutingRecommendation{Complexity: "medium", Strategy: "single-worker", Model: "sonnet", Confidence: 0.55}
	default:
		return &RoutingRecommendation{Complexity: "high", Strategy: "fixer-verifier", Model: "opus", Confidence: 0.5}
	}
}
