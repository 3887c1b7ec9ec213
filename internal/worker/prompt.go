// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"strings"

	"github.com/claudefleet/fleet/internal/blackboard"
	"github.com/claudefleet/fleet/internal/logparser"
)

// rolePrompts are the role system-prompt blocks composed into a spawn's
// initial prompt (SPEC_FULL.md §4.4 spawn algorithm step 6). Neither the
// teacher nor the rest of the retrieval pack defines a multi-role agent
// concept, so these are authored directly from the role names SPEC_FULL.md
// uses elsewhere (fixer/verifier, per the Compound Runner's pane roles).
var rolePrompts = map[string]string{
	"fixer":    "You are the fixer. Diagnose and resolve the reported failure directly in the working tree.",
	"verifier": "You are the verifier. Check the fixer's change against the quality gates and report pass/fail with evidence.",
}

const resumeContinuationPrompt = "Continue from where you left off. The orchestrator was restarted."

// memoryEntryLimit bounds the agent-memory block to the 10 most recent
// entries, per SPEC_FULL.md §4.4 spawn algorithm step 6.
const memoryEntryLimit = 10

// composeInitialPrompt concatenates, in order: the pending mail block (if
// injectMail and a blackboard is present), the role system-prompt block,
// the agent-memory block, and the caller's initialPrompt.
func composeInitialPrompt(bb *blackboard.Blackboard, injectMail bool, handle, role, swarmID, callerPrompt string) string {
	var sections []string

	if injectMail && bb != nil && swarmID != "" {
		if mail := pendingMailBlock(bb, handle, swarmID); mail != "" {
			sections = append(sections, mail)
		}
	}

	if role != "" {
		if rp, ok := rolePrompts[role]; ok {
			sections = append(sections, rp)
		}
	}

	if bb != nil && swarmID != "" {
		if mem := agentMemoryBlock(bb, handle, swarmID); mem != "" {
			sections = append(sections, mem)
		}
	}

	if callerPrompt != "" {
		sections = append(sections, callerPrompt)
	}

	return strings.Join(sections, "\n\n")
}

// pendingMailBlock renders a worker's unread, targeted blackboard mail as a
// prompt preamble. Mail is a blackboard message of any type addressed to
// handle; rendering it does not mark it read, since delivery happens via
// the Worker Manager rather than the worker itself calling readMessages.
func pendingMailBlock(bb *blackboard.Blackboard, handle, swarmID string) string {
	msgs, err := bb.ReadMessages(swarmID, blackboard.ReadOptions{
		TargetHandle: handle,
		UnreadOnly:   true,
		ReaderHandle: handle,
	})
	if err != nil || len(msgs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have pending mail:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "- [%s] from %s: %s\n", m.MessageType, m.SenderHandle, string(m.Payload))
	}
	return b.String()
}

// agentMemoryBlock renders up to the 10 most recent "memory" messages
// addressed to handle, authored by prior incarnations of the same worker
// (e.g. across a restart or a tmux rollover).
func agentMemoryBlock(bb *blackboard.Blackboard, handle, swarmID string) string {
	msgs, err := bb.ReadMessages(swarmID, blackboard.ReadOptions{
		MessageType:     "memory",
		TargetHandle:    handle,
		Limit:           memoryEntryLimit,
		IncludeArchived: true,
	})
	if err != nil || len(msgs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Recent memory:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "- %s\n", string(m.Payload))
	}
	return b.String()
}

// resumePrompt decides the continuation prompt sent when a worker is
// respawned via --resume, per SPEC_FULL.md §4.4's decided Open Question: a
// worker last seen mid-turn gets nudged to continue, but one that had
// already reached a clean "result" idle point is left to wait for the next
// sendToWorker, since re-prompting it would restart work that already
// finished.
func resumePrompt(lastState logparser.EventType) string {
	if lastState == logparser.EventResult {
		return ""
	}
	return resumeContinuationPrompt
}
