// Package json recovers JSON documents from model output.
//
// Models often wrap JSON in a markdown code fence or surround it with
// commentary. These helpers strip the wrapper and locate the document.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripCodeFence removes one leading ```lang line and one trailing ``` from
// text, if present. Inner fences are left alone.
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		// Drop the language tag: everything up to the first newline, if the
		// tag is a bare word such as json or JSON.
		if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 && !strings.ContainsAny(trimmed[:nl], "{[") {
			trimmed = trimmed[nl+1:]
		} else if strings.HasPrefix(strings.ToLower(trimmed), "json") {
			trimmed = trimmed[len("json"):]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	return trimmed
}

// ParseDocument returns the JSON document contained in text:
//  1. the whole text once a code fence is stripped
//  2. otherwise the span from the first '{' or '[' to the matching last
//     '}' or ']'
func ParseDocument(text string) (string, error) {
	text = StripCodeFence(text)
	if json.Valid([]byte(text)) {
		return text, nil
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(text, pair[0])
		end := strings.LastIndex(text, pair[1])
		if start == -1 || end <= start {
			continue
		}
		if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	preview := text
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

// Extract parses the JSON document found in text into T.
func Extract[T any](text string) (T, error) {
	var result T
	doc, err := ParseDocument(text)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}
