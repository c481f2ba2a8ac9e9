// Package jsonreply extracts a JSON object embedded in a chat reply. Agents
// answer in prose wrapped around JSON, inside a fenced code block, or as a
// bare object — the Orchestrator Router and the Planning Controller both
// need the same extraction rule (spec.md §4.8 step 4, §4.10), so it lives
// here once rather than duplicated in each package.
package jsonreply

import (
	"encoding/json"
	"strings"
)

// Extract returns the first JSON object found in text, trying in order:
// the whole trimmed text as raw JSON, the contents of the first fenced code
// block (``` or ```json), then the first balanced {...} substring. ok is
// false when none of these parse as a JSON object.
func Extract(text string) (raw string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if looksLikeObject(trimmed) {
		return trimmed, true
	}

	if fenced, found := firstFencedBlock(text); found {
		fenced = strings.TrimSpace(fenced)
		if looksLikeObject(fenced) {
			return fenced, true
		}
	}

	if sub, found := firstBalancedObject(text); found {
		return sub, true
	}

	return "", false
}

// Decode extracts a JSON object from text and unmarshals it into v.
func Decode(text string, v any) bool {
	raw, ok := Extract(text)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

func looksLikeObject(s string) bool {
	if s == "" || s[0] != '{' {
		return false
	}
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

func firstFencedBlock(text string) (string, bool) {
	const fence = "```"
	start := strings.Index(text, fence)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || strings.EqualFold(firstLine, "json") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, fence)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

func firstBalancedObject(text string) (string, bool) {
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				candidate := text[start : i+1]
				var v map[string]any
				if json.Unmarshal([]byte(candidate), &v) == nil {
					return candidate, true
				}
				start = -1
			}
		}
	}
	return "", false
}
