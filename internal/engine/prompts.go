package engine

import (
	"fmt"
	"strings"
)

// Prompt builders for the agent tasks. Every prompt that expects machine
// parsing states the exact JSON shape and forbids extra commentary; the
// parsers stay tolerant anyway.

func planPrompt(goal string) string {
	return fmt.Sprintf(`You are working in a git checkout of this repository.

Produce an ordered implementation plan for the following goal. Each step
must be a small, independently verifiable change to the codebase.

Goal:
%s

Respond with ONLY a JSON object of this exact shape, no other text:
{"steps": ["first step", "second step", ...]}`, goal)
}

func stepPrompt(goal string, steps []string, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working in a git checkout of this repository.\n\n")
	fmt.Fprintf(&b, "Overall goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "The full plan:\n")
	for i, s := range steps {
		marker := " "
		if i < index {
			marker = "x"
		}
		fmt.Fprintf(&b, "  [%s] %d. %s\n", marker, i+1, s)
	}
	fmt.Fprintf(&b, "\nImplement ONLY step %d now:\n%s\n\n", index+1, steps[index])
	fmt.Fprintf(&b, "Edit the files directly. Do not implement later steps.\n")
	return b.String()
}

func fixPrompt(goal string, failureSummary string) string {
	return fmt.Sprintf(`You are working in a git checkout of this repository.

The verification commands are failing after changes made for this goal:
%s

Failure output:
%s

Fix the failures by editing the files directly. Keep the changes minimal
and stay within the intent of the goal.`, goal, failureSummary)
}

func structurePrompt(goal string) string {
	return fmt.Sprintf(`You are reviewing a git checkout of this repository after changes made
for this goal:
%s

Review the current state of the changed code for structural problems:
duplicated logic, misplaced files, missing tests, dead code. Do NOT edit
any files.

Respond with ONLY a JSON object of this exact shape, no other text:
{"issues": ["description of issue", ...]}

Use an empty array if the structure is sound.`, goal)
}

func commitMessagePrompt(goal string, diff string) string {
	const maxDiff = 8000
	if len(diff) > maxDiff {
		diff = diff[:maxDiff] + "\n... (diff truncated)"
	}
	return fmt.Sprintf(`Write a single-line conventional commit message for the staged changes
below. Respond with ONLY the message line, no quotes, no commentary.

Goal of the change:
%s

Staged diff:
%s`, goal, diff)
}
