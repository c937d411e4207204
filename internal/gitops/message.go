package gitops

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// maxMessageLen bounds sanitized agent-generated commit messages.
const maxMessageLen = 120

// ResolveCommitMessage applies the strict priority order for commit
// messages:
//
//  1. A user-supplied message is used verbatim, untrimmed.
//  2. A non-empty agent-generated message wins after sanitization.
//  3. Otherwise the deterministic fingerprinted fallback is used.
func ResolveCommitMessage(userMessage string, userProvided bool, agentMessage, goal string, files []string, diff string) string {
	if userProvided {
		return userMessage
	}
	if sanitized := SanitizeAgentMessage(agentMessage); sanitized != "" {
		return sanitized
	}
	return FallbackMessage(goal, files, diff)
}

// SanitizeAgentMessage reduces raw agent output to a single commit-message
// line: code fences and surrounding quotes are stripped, the first
// non-empty line is kept, and the result is capped at 120 characters.
func SanitizeAgentMessage(raw string) string {
	s := strings.ReplaceAll(raw, "```", "")
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, "\"'`")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxMessageLen {
			line = line[:maxMessageLen]
		}
		return line
	}
	return ""
}

// FallbackMessage builds the deterministic commit message
// `chore(evolution): <slug> (<file summary>) [<8-hex fingerprint>]`.
// Identical (goal, files, diff) inputs always produce an identical message;
// the fingerprint is order-sensitive over all three.
func FallbackMessage(goal string, files []string, diff string) string {
	return fmt.Sprintf("chore(evolution): %s (%s) [%s]",
		slug(goal, 48), fileSummary(files), Fingerprint(goal, files, diff))
}

// Fingerprint computes a stable FNV-1a 32-bit hash over goal, file list and
// diff text, rendered as 8 hex characters.
func Fingerprint(goal string, files []string, diff string) string {
	h := fnv.New32a()
	h.Write([]byte(goal))
	for _, f := range files {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	h.Write([]byte{0})
	h.Write([]byte(diff))
	return fmt.Sprintf("%08x", h.Sum32())
}

// slug lowercases the text and collapses runs of non-alphanumerics to
// single hyphens, capped at maxLen.
func slug(text string, maxLen int) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// fileSummary names up to three files, then summarizes the remainder.
func fileSummary(files []string) string {
	switch {
	case len(files) == 0:
		return "no files"
	case len(files) <= 3:
		return strings.Join(files, ", ")
	default:
		return fmt.Sprintf("%s +%d more", strings.Join(files[:3], ", "), len(files)-3)
	}
}
