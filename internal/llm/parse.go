package llm

import (
	"encoding/json"
	"strings"
)

// recoverySuffixes are appended, in order, when strict parsing of an
// extracted object fails. Local models routinely truncate their output one
// or two closing braces short.
var recoverySuffixes = []string{`}`, `}}`, `}}}`, `"}`}

// extractJSONObject returns the first balanced {...} object in s.
//
// Implemented as a small state machine (in-string flag, escape flag, depth
// counter) rather than a regex: braces inside quoted strings and escaped
// quotes must not affect the depth count, and model output frequently nests
// JSON inside string values.
//
// When the object never closes, the unbalanced tail from the opening brace is
// returned with ok=false so callers can attempt recovery.
func extractJSONObject(s string) (fragment string, ok bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range s {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if escaped {
			escaped = false
			continue
		}

		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	if start == -1 {
		return "", false
	}
	return s[start:], false
}

// parseFunctionCall extracts a {"function_call": {"name":..., "arguments":...}}
// object from raw model output. Returns nil when nothing parseable remains
// after all recovery attempts; the caller then treats the output as plain text.
func parseFunctionCall(content string) *ToolCall {
	fragment, balanced := extractJSONObject(content)
	if fragment == "" {
		return nil
	}

	candidates := []string{fragment}
	if !balanced {
		for _, suffix := range recoverySuffixes {
			candidates = append(candidates, fragment+suffix)
		}
	}

	for _, candidate := range candidates {
		var envelope struct {
			FunctionCall *struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function_call"`
		}
		if err := json.Unmarshal([]byte(candidate), &envelope); err != nil {
			continue
		}
		if envelope.FunctionCall == nil || envelope.FunctionCall.Name == "" {
			continue
		}
		return &ToolCall{
			Name:      envelope.FunctionCall.Name,
			Arguments: decodeNestedArgs(envelope.FunctionCall.Arguments),
		}
	}
	return nil
}

// decodeNestedArgs re-parses string argument values that are themselves
// JSON arrays or objects. Local models sometimes double-encode structured
// arguments ("{\"x\":1}" instead of {"x":1}).
func decodeNestedArgs(args map[string]any) map[string]any {
	for k, v := range args {
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		trimmed := strings.TrimSpace(s)
		looksJSON := (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
			(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
		if !looksJSON {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			args[k] = decoded
		}
	}
	return args
}
