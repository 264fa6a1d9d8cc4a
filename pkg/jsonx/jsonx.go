// Package jsonx decodes JSON out of messy LLM output. Models wrap payloads in
// markdown fences, prose, smart quotes and trailing commas; Decode runs a
// fixed sequence of recovery steps and reports which one succeeded so callers
// can put the step number in telemetry.
package jsonx

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ErrParseFailed is returned when every recovery step is exhausted.
var ErrParseFailed = fmt.Errorf("response parse failed")

// Steps, in the order Decode attempts them.
const (
	StepDirect  = 1
	StepFenced  = 2
	StepExtract = 3
	StepRepair  = 4
)

const snippetLen = 160

// Decode unmarshals raw into v, trying direct parse, fence stripping, balanced
// extraction and a repair pass in that order. It returns the step that
// succeeded, or 0 and an error wrapping ErrParseFailed.
func Decode(raw string, v any) (int, error) {
	candidates := []struct {
		step int
		text string
	}{
		{StepDirect, raw},
		{StepFenced, stripFences(raw)},
		{StepExtract, extractBalanced(stripFences(raw))},
	}
	for _, c := range candidates {
		if c.text == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.text), v); err == nil {
			return c.step, nil
		}
	}
	repaired := repair(extractBalanced(stripFences(raw)))
	if repaired != "" {
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			return StepRepair, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrParseFailed, snippet(raw))
}

// DecodeList decodes into a slice of T, accepting either a JSON array or a
// single object (normalized to a one-element slice).
func DecodeList[T any](raw string) ([]T, int, error) {
	var list []T
	if step, err := Decode(raw, &list); err == nil {
		return list, step, nil
	}
	var single T
	step, err := Decode(raw, &single)
	if err != nil {
		return nil, 0, err
	}
	return []T{single}, step, nil
}

// stripFences removes markdown code fences around the payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "```") {
		return s
	}
	// Prefer the content of the first fenced block when one exists.
	if start := strings.Index(s, "```"); start >= 0 {
		rest := s[start+3:]
		// Drop an optional language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			first := strings.TrimSpace(rest[:nl])
			if first == "json" || first == "" || !strings.ContainsAny(first, "{[") {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return s
}

// extractBalanced returns the first balanced {...} or [...] substring,
// ignoring braces inside string literals.
func extractBalanced(s string) string {
	start := -1
	var open, match byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				match = '}'
			} else {
				match = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case open:
			depth++
		case match:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced: return the tail so the repair step can close it.
	return s[start:]
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	lineCommentRe   = regexp.MustCompile(`(?m)^\s*//.*$`)
)

// repair applies best-effort fixes for the malformations models actually
// produce: smart quotes, trailing commas, unquoted keys, line comments and
// unclosed braces.
func repair(s string) string {
	if s == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", `'`, "’", `'`,
	)
	s = replacer.Replace(s)
	s = lineCommentRe.ReplaceAllString(s, "")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = balance(s)
	return strings.TrimSpace(s)
}

// balance appends closing brackets for any that were left open.
func balance(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > snippetLen {
		s = s[:snippetLen] + "..."
	}
	return s
}
