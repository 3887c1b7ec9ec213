// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/claudefleet/fleet/internal/inbox"
	"github.com/claudefleet/fleet/internal/tmux"
)

// stopGracePeriod is how long dismissWorker waits for a polite exit before
// force-killing, per SPEC_FULL.md §4.4 dismissWorker / §5 cancellation.
const stopGracePeriod = 5 * time.Second

// processHandle is the spawn-mode-specific half of a worker: how it is
// started, how messages reach it, how it is stopped, and what identifies it
// externally (PID for process/native, pane id for tmux). Grounded on
// internal/service/process.go's Process for the process-group lifecycle and
// internal/claude/manager.go's ensureProcess for the stdin-pipe shape;
// generalized into an interface since tmux/native/external spawn modes
// replace the OS process entirely (SPEC_FULL.md §4.4 "Tmux/native spawn").
type processHandle interface {
	// Start launches the handle's backing process/pane/binary, wiring
	// outLine to every decoded stdout line and onExit to its terminal
	// transition. initialPrompt is delivered as the first input.
	Start(ctx context.Context, initialPrompt string, outLine func(line string), errLine func(line string), onExit func(exitCode int)) error
	// Send delivers msg as a new turn. Returns false if the handle has no
	// writable input surface (stopped, or external).
	Send(msg string) bool
	// Stop requests termination, then force-kills after stopGracePeriod.
	Stop(ctx context.Context)
	PID() int
	PaneID() string
}

// processSpawnHandle runs the worker binary as a direct child process,
// piping stdout/stderr and writing subsequent turns to stdin. Grounded on
// internal/service/process.go's Start/Stop (process-group creation,
// SIGTERM→timeout→SIGKILL) and internal/claude/manager.go's ensureProcess
// (stdin/stdout pipe wiring, background read pump).
type processSpawnHandle struct {
	binary string
	args   []string
	env    []string
	dir    string

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	pid           int
	stopRequested bool
}

func newProcessSpawnHandle(binary string, args, env []string, dir string) *processSpawnHandle {
	return &processSpawnHandle{binary: binary, args: args, env: env, dir: dir}
}

func (h *processSpawnHandle) Start(ctx context.Context, initialPrompt string, outLine, errLine func(string), onExit func(int)) error {
	cmd := exec.CommandContext(ctx, h.binary, h.args...)
	cmd.Dir = h.dir
	cmd.Env = h.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("worker: start process: %w", err)
	}

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdin
	h.pid = cmd.Process.Pid
	h.mu.Unlock()

	if _, err := io.WriteString(stdin, initialPrompt+"\n"); err != nil {
		errLine(fmt.Sprintf("failed to write initial prompt: %v", err))
	}

	go pumpLines(stdout, outLine)
	go pumpLines(stderr, errLine)
	go func() {
		err := cmd.Wait()
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}
		h.mu.Lock()
		h.pid = 0
		h.mu.Unlock()
		onExit(exitCode)
	}()

	return nil
}

func pumpLines(r io.Reader, handle func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		handle(scanner.Text())
	}
}

func (h *processSpawnHandle) Send(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil || h.stopRequested {
		return false
	}
	if _, err := io.WriteString(h.stdin, msg+"\n"); err != nil {
		return false
	}
	return true
}

func (h *processSpawnHandle) Stop(ctx context.Context) {
	h.mu.Lock()
	h.stopRequested = true
	pid := h.pid
	h.mu.Unlock()
	if pid == 0 {
		return
	}

	syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.NewTimer(stopGracePeriod)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			syscall.Kill(-pid, syscall.SIGKILL)
			return
		case <-ctx.Done():
			syscall.Kill(-pid, syscall.SIGKILL)
			return
		case <-time.After(100 * time.Millisecond):
			h.mu.Lock()
			stillRunning := h.pid != 0
			h.mu.Unlock()
			if !stillRunning {
				return
			}
		}
	}
}

func (h *processSpawnHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *processSpawnHandle) PaneID() string { return "" }

// nativeSpawnHandle launches the native worker binary (resolved via
// nativebridge) with a well-known per-agent inbox directory instead of a
// stdin pipe, per SPEC_FULL.md §4.4 "Tmux/native spawn" and §4.6. Sending a
// message delivers it through the Inbox Bridge rather than stdin.
type nativeSpawnHandle struct {
	*processSpawnHandle
	inboxBridge *inbox.Bridge
	handle      string
}

func newNativeSpawnHandle(binary string, args, env []string, dir string, inboxBridge *inbox.Bridge, handle string) *nativeSpawnHandle {
	return &nativeSpawnHandle{
		processSpawnHandle: newProcessSpawnHandle(binary, args, env, dir),
		inboxBridge:        inboxBridge,
		handle:             handle,
	}
}

func (h *nativeSpawnHandle) Send(msg string) bool {
	if h.inboxBridge == nil {
		return false
	}
	payload, err := json.Marshal(map[string]string{"text": msg})
	if err != nil {
		return false
	}
	err = h.inboxBridge.Send(h.handle, inbox.Message{
		From:      "manager",
		Type:      "prompt",
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return err == nil
}

// tmuxSpawnHandle replaces the OS process with a tmux pane. Output is not
// streamed line-by-line; the compound runner polls pane content directly
// (internal/tmux.CapturePaneUntil), and the health monitor sees only the
// heartbeats reported through InjectWorkerOutput, so Start here only
// records the pane and sends the initial prompt as pasted text.
type tmuxSpawnHandle struct {
	exec   tmux.Executor
	paneID string
}

func newTmuxSpawnHandle(exec tmux.Executor, paneID string) *tmuxSpawnHandle {
	return &tmuxSpawnHandle{exec: exec, paneID: paneID}
}

func (h *tmuxSpawnHandle) Start(ctx context.Context, initialPrompt string, outLine, errLine func(string), onExit func(int)) error {
	if initialPrompt == "" {
		return nil
	}
	return h.exec.SendText(ctx, h.paneID, initialPrompt+"\n")
}

func (h *tmuxSpawnHandle) Send(msg string) bool {
	if h.exec == nil || h.paneID == "" {
		return false
	}
	return h.exec.SendText(context.Background(), h.paneID, msg+"\n") == nil
}

func (h *tmuxSpawnHandle) Stop(ctx context.Context) {
	if h.exec == nil {
		return
	}
	_ = h.exec.SendKeys(ctx, h.paneID, "C-c", false)
}

func (h *tmuxSpawnHandle) PID() int { return 0 }

func (h *tmuxSpawnHandle) PaneID() string { return h.paneID }

// externalSpawnHandle backs a registerExternalWorker entry: there is no
// process to start, stop, or write to. Per §4.4 "External workers".
type externalSpawnHandle struct{}

func (externalSpawnHandle) Start(context.Context, string, func(string), func(string), func(int)) error {
	return nil
}
func (externalSpawnHandle) Send(string) bool     { return false }
func (externalSpawnHandle) Stop(context.Context) {}
func (externalSpawnHandle) PID() int             { return 0 }
func (externalSpawnHandle) PaneID() string       { return "" }

var _ processHandle = (*processSpawnHandle)(nil)
var _ processHandle = (*nativeSpawnHandle)(nil)
var _ processHandle = (*tmuxSpawnHandle)(nil)
var _ processHandle = externalSpawnHandle{}
