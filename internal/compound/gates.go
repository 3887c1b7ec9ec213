// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
)

// gateErrorTail and gateRawTail bound how much output feeds back into the
// result record and the redispatched prompt, mirroring the bounded
// recentOutput convention used elsewhere (SPEC_FULL.md §5 backpressure).
const (
	gateErrorTail = 50
	gateRawTail   = 20
)

// runGates executes every gate in order and collects structured feedback,
// per §4.5 step 11d. Grounded on internal/workflow/runner.go's
// executeStreaming: run the command, capture combined output, classify by
// exit code. The Compound Runner does not need per-line streaming to
// subscribers, only a definitive pass/fail and tail for prompt feedback.
func runGates(ctx context.Context, targetDir string, gates []Gate) Feedback {
	var fb Feedback

	for _, gate := range gates {
		cmd := exec.CommandContext(ctx, gate.Command[0], gate.Command[1:]...)
		cmd.Dir = targetDir
		output, err := cmd.CombinedOutput()

		lines := splitLines(string(output))
		result := GateResult{Name: gate.Name, RawTail: tail(lines, gateRawTail)}

		if err != nil {
			result.Errors = tail(lines, gateErrorTail)
			if len(result.Errors) == 0 {
				result.Errors = []string{err.Error()}
			}
		}

		fb.TotalErrors += len(result.Errors)
		fb.Gates = append(fb.Gates, result)
	}

	return fb
}

func splitLines(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
