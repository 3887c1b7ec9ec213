// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"time"

	"github.com/claudefleet/fleet/internal/config"
	"github.com/claudefleet/fleet/internal/events"
	"golang.org/x/sync/errgroup"
)

// defaultHealthTick, defaultDegradedAfter, defaultUnhealthyAfter,
// defaultPersistThrottle and defaultMaxRestarts are the values SPEC_FULL.md
// §4.4 names in prose; Manager overrides them from config.Config.Health when
// non-zero.
const (
	defaultHealthTick      = 15 * time.Second
	defaultDegradedAfter   = 30 * time.Second
	defaultUnhealthyAfter  = 60 * time.Second
	defaultPersistThrottle = 10 * time.Second
	defaultMaxRestarts     = 3
)

// startHealthMonitor runs the periodic health tick until ctx is cancelled.
// Grounded on SPEC_FULL.md §4.4 "Health monitor": per-worker liveness checks
// within a tick run concurrently (one goroutine per worker, no concurrency
// limit) so one slow persistence
// write cannot delay the rest of the tick past its period, the same
// "errgroup-style join, don't let one slow branch stall the others" shape
// internal/trace's manager.go uses for its own periodic scans.
func (m *Manager) startHealthMonitor(ctx context.Context) {
	interval := m.cfg.Health.TickInterval
	if interval <= 0 {
		interval = defaultHealthTick
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthTick(ctx)
		}
	}
}

func (m *Manager) healthTick(ctx context.Context) {
	m.mu.RLock()
	live := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		live = append(live, w)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range live {
		w := w
		g.Go(func() error {
			m.checkWorkerHealth(gctx, w)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) checkWorkerHealth(ctx context.Context, w *worker) {
	w.mu.Lock()
	state := w.state
	external := w.external
	if state == StateStopping || state == StateStopped {
		w.mu.Unlock()
		return
	}
	delta := time.Since(w.lastHeartbeat)
	w.mu.Unlock()

	degradedAfter := m.cfg.Health.DegradedAfter
	if degradedAfter <= 0 {
		degradedAfter = defaultDegradedAfter
	}
	unhealthyAfter := m.cfg.Health.UnhealthyAfter
	if unhealthyAfter <= 0 {
		unhealthyAfter = defaultUnhealthyAfter
	}

	var newHealth Health
	switch {
	case delta > unhealthyAfter:
		newHealth = HealthUnhealthy
	case delta > degradedAfter:
		newHealth = HealthDegraded
	default:
		newHealth = HealthHealthy
	}

	w.mu.Lock()
	wasUnhealthy := w.health == HealthUnhealthy
	w.health = newHealth
	shouldPersist := time.Since(w.lastPersisted) >= m.persistThrottle()
	if shouldPersist {
		w.lastPersisted = time.Now()
	}
	restartEligible := newHealth == HealthUnhealthy && !wasUnhealthy && m.cfg.WorkerManager.AutoRestart &&
		!external && w.spawnMode != config.SpawnExternal && w.restartCount < m.maxRestarts()
	w.mu.Unlock()

	if shouldPersist {
		m.persistWorker(w)
	}

	if newHealth == HealthUnhealthy && !wasUnhealthy {
		m.publishEvent(events.EventWorkerUnhealthy, w.handle, nil)
		if restartEligible {
			m.restartWorker(ctx, w)
		}
	}
}

func (m *Manager) persistThrottle() time.Duration {
	if m.cfg.Health.PersistThrottle > 0 {
		return m.cfg.Health.PersistThrottle
	}
	return defaultPersistThrottle
}

func (m *Manager) maxRestarts() int {
	if m.cfg.Health.MaxRestarts > 0 {
		return m.cfg.Health.MaxRestarts
	}
	return defaultMaxRestarts
}

// restartWorker snapshots the live config, dismisses the old worker, and
// respawns it, per SPEC_FULL.md §4.4 "Restart." Failure is logged with no
// further retry within this health tick.
func (m *Manager) restartWorker(ctx context.Context, w *worker) {
	w.mu.Lock()
	req := SpawnRequest{
		Handle:     w.handle,
		TeamName:   w.teamName,
		WorkingDir: w.workingDir,
		SessionID:  w.sessionID,
		Role:       w.role,
		Model:      w.model,
		SpawnMode:  w.spawnMode,
		SwarmID:    w.swarmID,
		DepthLevel: w.depth,
	}
	restartCount := w.restartCount + 1
	w.restartHistory = append(w.restartHistory, time.Now())
	w.mu.Unlock()

	if _, err := m.dismissWorker(ctx, w.id, true); err != nil {
		m.log.Printf("restart: dismiss %s failed: %v", w.handle, err)
	}

	summary, err := m.SpawnWorker(ctx, req)
	if err != nil {
		m.log.Printf("restart: respawn %s failed: %v", w.handle, err)
		return
	}

	m.mu.RLock()
	nw, ok := m.workers[summary.ID]
	m.mu.RUnlock()
	if ok {
		nw.mu.Lock()
		nw.restartCount = restartCount
		nw.mu.Unlock()
	}

	m.publishEvent(events.EventWorkerRestarted, w.handle, map[string]interface{}{"restartCount": restartCount})
}
