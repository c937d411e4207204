package engine

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParsePlan extracts an ordered step list from agent output. Agents wrap
// JSON in prose and markdown fences more often than not, so the decode is
// tolerant: the first balanced JSON object in the text wins. A missing or
// empty steps array reports not-ok.
func ParsePlan(output string) ([]string, bool) {
	var parsed struct {
		Steps []string `json:"steps"`
	}
	raw := extractJSON(output)
	if raw == "" {
		return nil, false
	}
	if err := json.UnmarshalFromString(raw, &parsed); err != nil {
		return nil, false
	}

	var steps []string
	for _, s := range parsed.Steps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return nil, false
	}
	return steps, true
}

// ParseIssues extracts structure-review findings from agent output. Parse
// failures yield nil: review output is advisory and never blocks.
func ParseIssues(output string) []string {
	var parsed struct {
		Issues []string `json:"issues"`
	}
	raw := extractJSON(output)
	if raw == "" {
		return nil
	}
	if err := json.UnmarshalFromString(raw, &parsed); err != nil {
		return nil
	}

	var issues []string
	for _, s := range parsed.Issues {
		if s = strings.TrimSpace(s); s != "" {
			issues = append(issues, s)
		}
	}
	return issues
}

// extractJSON returns the first balanced top-level JSON object in text,
// skipping markdown fences and surrounding prose.
func extractJSON(text string) string {
	text = stripFences(text)
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func stripFences(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
