// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/claudefleet/fleet/internal/events"
	"github.com/claudefleet/fleet/internal/tmux"
)

// Runner drives one compound mission end to end, per §4.5's 13-step
// lifecycle. It is an internal HTTP client of the orchestration server, not
// a direct caller of the Worker Manager or Blackboard.
type Runner struct {
	exec   tmux.Executor
	client OrchestrationClient
	log    *slog.Logger
	events events.EventBus
}

// NewRunner builds a Runner. bus may be nil, in which case mission
// lifecycle events are not published anywhere.
func NewRunner(exec tmux.Executor, client OrchestrationClient, log *slog.Logger, bus events.EventBus) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{exec: exec, client: client, log: log, events: bus}
}

// publish emits a mission lifecycle event if a bus was configured. Publish
// errors are logged, never surfaced: event delivery is best-effort and must
// not affect mission outcome.
func (r *Runner) publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	err := r.events.Publish(ctx, events.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		r.log.Warn("compound: publish event failed", "type", eventType, "error", err)
	}
}

type paneWorker struct {
	handle string
	role   workerRole
	pane   string
	index  int
}

// Run executes a complete mission against cfg.TargetDir, returning the
// terminal Result. Every failure comes with a non-nil error except one: when
// the iterations run out with gate errors left, the failed Result is returned
// with a nil error.
func (r *Runner) Run(parent context.Context, cfg MissionConfig) (Result, error) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := preflight(ctx, cfg, r.exec); err != nil {
		return Result{Status: StatusFailed, Branch: "none", Diagnostic: err.Error()}, err
	}

	projectType, gates, err := detectProject(cfg.TargetDir)
	if err != nil {
		return Result{Status: StatusFailed, Diagnostic: err.Error()}, err
	}

	stage, err := stageGit(ctx, cfg.TargetDir)
	if err != nil {
		return Result{Status: StatusFailed, ProjectType: projectType, Diagnostic: err.Error()}, err
	}

	promptDir, err := os.MkdirTemp("", "fleet-mission-*")
	if err != nil {
		_ = restoreGit(ctx, r.log, stage)
		return Result{Status: StatusFailed, ProjectType: projectType, Diagnostic: err.Error()}, err
	}
	defer os.RemoveAll(promptDir)

	result, runErr := r.runMission(ctx, cfg, projectType, gates, stage.fleetBranch, promptDir)

	if err := restoreGit(ctx, r.log, stage); err != nil && runErr == nil {
		r.log.Warn("compound: git restore had errors", "error", err)
	}

	return result, runErr
}

func restoreGit(ctx context.Context, log *slog.Logger, stage *gitStage) error {
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	errs := stage.restore(restoreCtx)
	for _, e := range errs {
		log.Warn("compound: git restore step failed", "error", e)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// runMission is steps 5-12: mission setup through the compound loop and
// final result. Git staging (step 4) and cleanup's git half (step 13) are
// the caller's responsibility so they always run regardless of how this
// function exits.
func (r *Runner) runMission(ctx context.Context, cfg MissionConfig, projectType string, gates []Gate, branch, promptDir string) (Result, error) {
	// Step 5: mission setup creates a swarm (a blackboard/mail namespace)
	// and allocates a missionId identifying this run, per §4.5 step 5.
	missionID := uuid.NewString()
	swarmID := uuid.NewString()

	r.publish(ctx, events.EventMissionStarted, map[string]interface{}{
		"missionId":   missionID,
		"swarmId":     swarmID,
		"objective":   cfg.Objective,
		"projectType": projectType,
		"numWorkers":  cfg.NumWorkers,
	})

	result := func(status Status, iterations int, diagnostic string) Result {
		return Result{
			Status: status, Iterations: iterations, Branch: branch, ProjectType: projectType,
			Diagnostic: diagnostic, MissionID: missionID, SwarmID: swarmID,
		}
	}

	token, err := r.client.Auth(ctx)
	if err != nil {
		return result(StatusFailed, 0, "auth: "+err.Error()), err
	}

	layout, err := tmux.CreateMissionLayout(ctx, r.exec, missionSessionName, cfg.TargetDir, cfg.NumWorkers)
	if err != nil {
		return result(StatusFailed, 0, err.Error()), err
	}

	if err := r.startServer(ctx, layout, cfg); err != nil {
		return result(StatusFailed, 0, err.Error()), err
	}
	r.startDashboard(ctx, layout, cfg)

	workers, err := r.spawnWorkers(ctx, cfg, token, swarmID, layout, promptDir, 1)
	if err != nil {
		return result(StatusFailed, 0, err.Error()), err
	}

	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	for _, w := range workers {
		go r.forwardPaneOutput(forwardCtx, token, swarmID, cfg, w)
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	iteration := 1
	for {
		if ctx.Err() != nil {
			res := result(StatusFailed, iteration, ctx.Err().Error())
			r.publish(ctx, events.EventMissionFinished, map[string]interface{}{"missionId": missionID, "status": string(res.Status), "iterations": iteration})
			return res, ctx.Err()
		}

		r.waitForWorkers(ctx, workers, promptDir, iteration)

		if err := commitIfDirty(ctx, cfg.TargetDir, fmt.Sprintf("iteration %d fixes", iteration)); err != nil {
			r.log.Warn("compound: commit failed", "iteration", iteration, "error", err)
		}

		feedback := runGates(ctx, cfg.TargetDir, gates)
		r.publish(ctx, events.EventMissionIterated, map[string]interface{}{
			"missionId":   missionID,
			"iteration":   iteration,
			"totalErrors": feedback.TotalErrors,
		})
		if feedback.TotalErrors == 0 {
			res := result(StatusSucceeded, iteration, "")
			r.publish(ctx, events.EventMissionFinished, map[string]interface{}{"missionId": missionID, "status": string(res.Status), "iterations": iteration})
			return res, nil
		}

		if iteration >= maxIter {
			res := result(StatusFailed, iteration, fmt.Sprintf("%d error(s) remained after %d iteration(s)", feedback.TotalErrors, iteration))
			r.publish(ctx, events.EventMissionFinished, map[string]interface{}{"missionId": missionID, "status": string(res.Status), "iterations": iteration})
			return res, nil
		}

		iteration++
		r.redispatch(ctx, token, promptDir, workers, feedback, iteration)
	}
}

func (r *Runner) startServer(ctx context.Context, layout *tmux.Layout, cfg MissionConfig) error {
	cmd := fmt.Sprintf("fleet serve --port %d\n", cfg.Port)
	if err := r.exec.SendText(ctx, layout.ServerPane, cmd); err != nil {
		return fmt.Errorf("compound: start server: %w", err)
	}

	deadline := time.Now().Add(serverReadyTimeout)
	for {
		if err := r.client.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("compound: server did not become healthy within %s", serverReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// startDashboard is best-effort: a dashboard failing to start doesn't abort
// the mission.
func (r *Runner) startDashboard(ctx context.Context, layout *tmux.Layout, cfg MissionConfig) {
	cmd := fmt.Sprintf("fleet dashboard --port %d\n", cfg.Port)
	if err := r.exec.SendText(ctx, layout.DashboardPane, cmd); err != nil {
		r.log.Warn("compound: dashboard did not start", "error", err)
	}
}

func (r *Runner) spawnWorkers(ctx context.Context, cfg MissionConfig, token, swarmID string, layout *tmux.Layout, promptDir string, iteration int) ([]paneWorker, error) {
	workers := make([]paneWorker, 0, len(layout.WorkerPanes))

	for i, pane := range layout.WorkerPanes {
		role := roleVerifier
		handle := workerHandle("verifier", i)
		if i == 0 {
			role = roleFixer
			handle = "fixer"
		}

		sentinel := sentinelFilePath(promptDir, handle, iteration)
		prompt := initialPromptFor(role, cfg.Objective, sentinel)

		promptPath, err := writePromptFile(promptDir, handle, prompt)
		if err != nil {
			return workers, err
		}

		req := SpawnWorkerRequest{
			Handle:        handle,
			InitialPrompt: prompt,
			Role:          string(role),
			WorkingDir:    cfg.TargetDir,
			SwarmID:       swarmID,
		}
		if cfg.IsLive {
			req.SpawnMode = "tmux"
		} else {
			req.SpawnMode = "external"
		}

		if _, err := r.client.SpawnWorker(ctx, token, req); err != nil {
			return workers, fmt.Errorf("compound: spawn %s: %w", handle, err)
		}

		if cfg.IsLive {
			_, scriptPath, err := writeLiveWorkerFiles(promptDir, handle, cfg.ServerURL, promptPath)
			if err != nil {
				return workers, err
			}
			if err := r.exec.SendText(ctx, pane, fmt.Sprintf("sh %s\n", shellQuote(scriptPath))); err != nil {
				return workers, fmt.Errorf("compound: launch %s: %w", handle, err)
			}
		} else {
			if err := r.exec.SendText(ctx, pane, prompt+"\n"); err != nil {
				return workers, fmt.Errorf("compound: prime pane for %s: %w", handle, err)
			}
		}

		workers = append(workers, paneWorker{handle: handle, role: role, pane: pane, index: i})
	}

	return workers, nil
}

// waitForWorkers blocks until every worker signals completion for
// iteration, via sentinel file or pane tail-scan (§4.5 step 11a).
func (r *Runner) waitForWorkers(ctx context.Context, workers []paneWorker, promptDir string, iteration int) {
	var wg sync.WaitGroup
	wg.Add(len(workers))
	for _, w := range workers {
		go func(w paneWorker) {
			defer wg.Done()
			sentinel := sentinelFilePath(promptDir, w.handle, iteration)
			tmux.CapturePaneUntil(ctx, r.exec, w.pane, pollInterval, func(content string) bool {
				return sentinelExists(sentinel) || paneSignalsDone(content, iteration)
			})
		}(w)
	}
	wg.Wait()
}

func (r *Runner) redispatch(ctx context.Context, token, promptDir string, workers []paneWorker, fb Feedback, iteration int) {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			sentinel := sentinelFilePath(promptDir, w.handle, iteration)
			prompt := redispatchPrompt(fb, sentinel, iteration)
			if err := r.client.SendToWorker(gctx, token, w.handle, prompt); err != nil {
				r.log.Warn("compound: redispatch failed", "handle", w.handle, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// forwardPaneOutput periodically tails a worker's pane and forwards it to
// the blackboard, so the dashboard can see live-mode worker progress that
// never passes through the server's own stdout pipe.
func (r *Runner) forwardPaneOutput(ctx context.Context, token, swarmID string, cfg MissionConfig, w paneWorker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			content, err := r.exec.CapturePane(ctx, w.pane, 50)
			if err != nil {
				continue
			}
			_ = r.client.PostBlackboard(ctx, token, BlackboardPost{
				SwarmID:      swarmID,
				SenderHandle: w.handle,
				MessageType:  "pane-output",
				Payload:      string(content),
			})
		}
	}
}
