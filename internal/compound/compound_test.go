// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claudefleet/fleet/internal/tmux"
)

func TestShellQuote(t *testing.T) {
	require.Equal(t, `'hello'`, shellQuote("hello"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestPaneSignalsDone_FirstIteration(t *testing.T) {
	require.True(t, paneSignalsDone("some output\nTASK COMPLETE\n", 1))
	require.False(t, paneSignalsDone("still working\n", 1))
}

func TestPaneSignalsDone_LaterIterationRequiresBannerFirst(t *testing.T) {
	stale := "TASK COMPLETE\n=== ITERATION 2: RE-ENGAGED ===\nstill working"
	require.False(t, paneSignalsDone(stale, 2))

	fresh := "=== ITERATION 2: RE-ENGAGED ===\nworking...\nTASK COMPLETE"
	require.True(t, paneSignalsDone(fresh, 2))

	require.False(t, paneSignalsDone("no banner here", 2))
}

func TestSentinelFilePath_ExistsOnlyAfterWrite(t *testing.T) {
	dir := t.TempDir()
	path := sentinelFilePath(dir, "fixer", 1)
	require.Equal(t, filepath.Join(dir, "fixer-iter1.done"), path)
	require.False(t, sentinelExists(path))

	require.NoError(t, os.WriteFile(path, nil, 0644))
	require.True(t, sentinelExists(path))
}

func TestInitialPromptFor_RoleSelectsTemplate(t *testing.T) {
	fixer := initialPromptFor(roleFixer, "make it compile", "/tmp/fixer-iter1.done")
	require.Contains(t, fixer, "You are the fixer")
	require.Contains(t, fixer, "make it compile")
	require.Contains(t, fixer, doneMarker)

	verifier := initialPromptFor(roleVerifier, "make it compile", "/tmp/verifier-1-iter1.done")
	require.Contains(t, verifier, "You are a verifier")
}

func TestRedispatchPrompt_IncludesBannerAndErrors(t *testing.T) {
	fb := Feedback{
		TotalErrors: 2,
		Gates: []GateResult{
			{Name: "vet", Errors: []string{"undefined: foo"}},
			{Name: "build", Errors: nil},
		},
	}
	prompt := redispatchPrompt(fb, "/tmp/fixer-iter3.done", 3)
	require.Contains(t, prompt, "=== ITERATION 3: RE-ENGAGED ===")
	require.Contains(t, prompt, "2 error(s) across 2 gate(s)")
	require.Contains(t, prompt, "--- vet ---")
	require.Contains(t, prompt, "undefined: foo")
	require.NotContains(t, prompt, "--- build ---")
	require.Contains(t, prompt, doneMarker)
}

func TestWriteLiveWorkerFiles(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "fixer.prompt")
	require.NoError(t, os.WriteFile(promptPath, []byte("hi"), 0644))

	mcpPath, scriptPath, err := writeLiveWorkerFiles(dir, "fixer", "http://127.0.0.1:8900", promptPath)
	require.NoError(t, err)
	require.FileExists(t, mcpPath)
	require.FileExists(t, scriptPath)

	script, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	require.Contains(t, string(script), workerBinaryName)
	require.Contains(t, string(script), "--mcp-config")
}

func TestDetectProject_GoModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n"), 0644))

	projectType, gates, err := detectProject(dir)
	require.NoError(t, err)
	require.Equal(t, "go", projectType)
	require.NotEmpty(t, gates)
}

func TestDetectProject_NoMarkerFails(t *testing.T) {
	_, _, err := detectProject(t.TempDir())
	require.Error(t, err)
}

func TestDetectProject_GatesOverride(t *testing.T) {
	dir := t.TempDir()
	override := "projectType: custom\ngates:\n  - name: smoke\n    command: [\"true\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, gatesOverrideFile), []byte(override), 0644))

	projectType, gates, err := detectProject(dir)
	require.NoError(t, err)
	require.Equal(t, "custom", projectType)
	require.Len(t, gates, 1)
	require.Equal(t, "smoke", gates[0].Name)
}

func TestRunGates_PassAndFail(t *testing.T) {
	gates := []Gate{
		{Name: "ok", Command: []string{"true"}},
		{Name: "bad", Command: []string{"sh", "-c", "echo boom 1>&2; exit 1"}},
	}
	fb := runGates(context.Background(), t.TempDir(), gates)
	require.Equal(t, 1, fb.TotalErrors)
	require.Len(t, fb.Gates, 2)
	require.Empty(t, fb.Gates[0].Errors)
	require.Contains(t, strings.Join(fb.Gates[1].Errors, "\n"), "boom")
}

func TestGitStage_StageCommitRestore(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	ctx := context.Background()

	run := func(args ...string) {
		cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "fleet@example.com")
	run("config", "user.name", "fleet")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0644))
	run("add", "-A")
	run("commit", "-m", "initial")

	stage, err := stageGit(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, "main", stage.originalBranch)
	require.False(t, stage.hasStashed)

	current, err := gitCurrentBranch(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, stage.fleetBranch, current)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("two"), 0644))
	require.NoError(t, commitIfDirty(ctx, dir, "fleet: test commit"))
	require.False(t, gitIsDirty(ctx, dir))

	errs := stage.restore(ctx)
	require.Empty(t, errs)

	current, err = gitCurrentBranch(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, "main", current)
}

func TestPreflight_PortFree(t *testing.T) {
	require.False(t, portInUse(1))
}

// fakeClient is a minimal OrchestrationClient test double.
type fakeClient struct {
	mu        sync.Mutex
	healthy   bool
	spawned   []SpawnWorkerRequest
	sent      map[string][]string
	dismissed []string
	posted    []BlackboardPost
}

func newFakeClient() *fakeClient {
	return &fakeClient{healthy: true, sent: make(map[string][]string)}
}

func (f *fakeClient) Health(ctx context.Context) error {
	if f.healthy {
		return nil
	}
	return fmt.Errorf("not healthy")
}

func (f *fakeClient) Auth(ctx context.Context) (string, error) { return "test-token", nil }

func (f *fakeClient) SpawnWorker(ctx context.Context, token string, req SpawnWorkerRequest) (WorkerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawned = append(f.spawned, req)
	return WorkerSummary{ID: req.Handle, Handle: req.Handle}, nil
}

func (f *fakeClient) SendToWorker(ctx context.Context, token, handle, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[handle] = append(f.sent[handle], message)
	return nil
}

func (f *fakeClient) DismissWorker(ctx context.Context, token, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, handle)
	return nil
}

func (f *fakeClient) PostBlackboard(ctx context.Context, token string, msg BlackboardPost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, msg)
	return nil
}

// fakeExecutor is a minimal tmux.Executor test double.
type fakeExecutor struct {
	mu       sync.Mutex
	panes    int
	captures map[string]string
	sentText map[string][]string
}

func newFakeTmuxExecutor() *fakeExecutor {
	return &fakeExecutor{captures: make(map[string]string), sentText: make(map[string][]string)}
}

func (f *fakeExecutor) nextPane() string {
	f.panes++
	return fmt.Sprintf("%%%d", f.panes)
}

func (f *fakeExecutor) HasSession(ctx context.Context, session string) bool { return false }
func (f *fakeExecutor) NewSession(ctx context.Context, session, workdir string) (string, error) {
	return f.nextPane(), nil
}
func (f *fakeExecutor) KillSession(ctx context.Context, session string) error { return nil }
func (f *fakeExecutor) SplitWindow(ctx context.Context, target, workdir string, vertical bool) (string, error) {
	return f.nextPane(), nil
}
func (f *fakeExecutor) SetPaneTitle(ctx context.Context, paneID, title string) error { return nil }
func (f *fakeExecutor) CapturePane(ctx context.Context, paneID string, lines int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.captures[paneID]), nil
}
func (f *fakeExecutor) SendKeys(ctx context.Context, paneID, keys string, literal bool) error {
	return nil
}
func (f *fakeExecutor) SendText(ctx context.Context, paneID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentText[paneID] = append(f.sentText[paneID], text)
	return nil
}

func (f *fakeExecutor) setCapture(paneID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[paneID] = content
}

func TestSpawnWorkers_AssignsFixerAndVerifierRoles(t *testing.T) {
	exec_ := newFakeTmuxExecutor()
	client := newFakeClient()
	r := NewRunner(exec_, client, nil, nil)

	dir := t.TempDir()
	layout := &tmux.Layout{WorkerPanes: []string{exec_.nextPane(), exec_.nextPane(), exec_.nextPane()}}

	cfg := MissionConfig{TargetDir: dir, Objective: "ship it", IsLive: false}
	workers, err := r.spawnWorkers(context.Background(), cfg, "token", "swarm1", layout, dir, 1)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	require.Equal(t, "fixer", workers[0].handle)
	require.Equal(t, roleFixer, workers[0].role)
	require.Equal(t, "verifier-1", workers[1].handle)
	require.Equal(t, roleVerifier, workers[1].role)
	require.Equal(t, "verifier-2", workers[2].handle)

	require.Len(t, client.spawned, 3)
	require.Equal(t, "swarm1", client.spawned[0].SwarmID)
	require.FileExists(t, filepath.Join(dir, "fixer.prompt"))
}

func TestWaitForWorkers_ReturnsOnSentinelFile(t *testing.T) {
	exec_ := newFakeTmuxExecutor()
	client := newFakeClient()
	r := NewRunner(exec_, client, nil, nil)

	dir := t.TempDir()
	pane := exec_.nextPane()
	workers := []paneWorker{{handle: "fixer", role: roleFixer, pane: pane}}

	sentinel := sentinelFilePath(dir, "fixer", 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(sentinel, nil, 0644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.waitForWorkers(ctx, workers, dir, 1)
	require.True(t, sentinelExists(sentinel))
}

func TestRedispatch_SendsFeedbackToEveryWorker(t *testing.T) {
	exec_ := newFakeTmuxExecutor()
	client := newFakeClient()
	r := NewRunner(exec_, client, nil, nil)

	workers := []paneWorker{
		{handle: "fixer", role: roleFixer},
		{handle: "verifier-1", role: roleVerifier},
	}
	fb := Feedback{TotalErrors: 1, Gates: []GateResult{{Name: "vet", Errors: []string{"x"}}}}

	r.redispatch(context.Background(), "token", t.TempDir(), workers, fb, 2)

	require.Len(t, client.sent["fixer"], 1)
	require.Len(t, client.sent["verifier-1"], 1)
	require.Contains(t, client.sent["fixer"][0], "=== ITERATION 2: RE-ENGAGED ===")
}
