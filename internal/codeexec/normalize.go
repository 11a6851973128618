package codeexec

import (
	"encoding/json"
	"strings"
)

// NormalizedResult is the flat, predictable shape every tool response is
// reduced to before it crosses back into a generated program. It always
// satisfies: Items is a sequence, Success is a bool, and Raw holds the
// untouched input.
type NormalizedResult map[string]any

// envelopeContentPart mirrors the MCP content-part shape without importing
// the mcp package, so the normalizer can be exercised on any JSON value
// that happens to look like a protocol envelope.
type envelopeContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type envelope struct {
	Content []envelopeContentPart `json:"content"`
	IsError bool                  `json:"isError,omitempty"`
}

// NormalizeResponse flattens a raw tool response into a predictable shape.
// raw is the JSON-decoded value of whatever the tool returned: either an
// MCP protocol envelope ({content:[...], isError}) or an arbitrary value.
func NormalizeResponse(raw any) NormalizedResult {
	if env, ok := asEnvelope(raw); ok {
		return normalizeEnvelope(env, raw)
	}
	return normalizeStructure(raw)
}

// NormalizeResponseJSON is a convenience wrapper for callers holding raw
// JSON bytes rather than an already-decoded value.
func NormalizeResponseJSON(raw json.RawMessage) NormalizedResult {
	var v any
	if len(raw) == 0 {
		return normalizeStructure(nil)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return NormalizedResult{
			"success": false,
			"error":   "could not parse response: " + err.Error(),
			"_raw":    string(raw),
		}
	}
	return NormalizeResponse(v)
}

func asEnvelope(raw any) (envelope, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return envelope{}, false
	}
	rawContent, ok := m["content"]
	if !ok {
		return envelope{}, false
	}
	items, ok := rawContent.([]any)
	if !ok {
		return envelope{}, false
	}
	var env envelope
	if isErr, ok := m["isError"].(bool); ok {
		env.IsError = isErr
	}
	for _, item := range items {
		part, ok := item.(map[string]any)
		if !ok {
			return envelope{}, false
		}
		typ, _ := part["type"].(string)
		if typ == "" {
			return envelope{}, false
		}
		text, _ := part["text"].(string)
		data, _ := part["data"].(string)
		mime, _ := part["mimeType"].(string)
		env.Content = append(env.Content, envelopeContentPart{Type: typ, Text: text, Data: data, MimeType: mime})
	}
	return env, true
}

func normalizeEnvelope(env envelope, raw any) NormalizedResult {
	if env.IsError {
		var lines []string
		for _, part := range env.Content {
			if part.Type == "text" && part.Text != "" {
				lines = append(lines, part.Text)
			}
		}
		return NormalizedResult{
			"success": false,
			"error":   strings.Join(lines, "\n"),
			"_raw":    raw,
		}
	}

	var textParts []string
	for _, part := range env.Content {
		if part.Type == "text" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) == 0 {
		return NormalizedResult{
			"success": true,
			"content": env.Content,
			"_raw":    raw,
		}
	}

	if len(textParts) == 1 {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(textParts[0]), &parsed); err == nil {
			result := NormalizedResult(parsed)
			if _, hasSuccess := result["success"]; !hasSuccess {
				result["success"] = true
			}
			result["_raw"] = raw
			return result
		}
		return NormalizedResult{
			"success": true,
			"text":    textParts[0],
			"_raw":    raw,
		}
	}

	results := make([]any, 0, len(textParts))
	for _, text := range textParts {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			results = append(results, parsed)
		} else {
			results = append(results, text)
		}
	}
	return NormalizedResult{
		"success": true,
		"results": results,
		"_raw":    raw,
	}
}

// containerKeyPriority is the order in which structure normalization looks
// for an array-shaped field to alias as items/data/first/last/length.
var containerKeyPriority = []string{"items", "data", "results", "content", "results"}

// textKeyPriority is the order structure normalization looks for a
// string-shaped field to alias as text/output/stdout/content/value.
var textKeyPriority = []string{"text", "output", "stdout", "content", "value"}

func normalizeStructure(raw any) NormalizedResult {
	out := NormalizedResult{"_raw": raw}

	m, isMap := raw.(map[string]any)
	if !isMap {
		out["success"] = true
		out["items"] = toSequence(raw)
		return out
	}

	hasFalseSuccess := false
	if v, ok := m["success"]; ok {
		if b, ok := v.(bool); ok && !b {
			hasFalseSuccess = true
		}
	}
	_, hasError := m["error"]
	isErr := false
	if v, ok := m["isError"]; ok {
		if b, ok := v.(bool); ok {
			isErr = b
		}
	}
	out["success"] = !hasFalseSuccess && !hasError && !isErr

	for _, key := range containerKeyPriority {
		if v, ok := m[key]; ok {
			if seq, ok := v.([]any); ok {
				out["items"] = seq
				if len(seq) > 0 {
					out["first"] = seq[0]
					out["last"] = seq[len(seq)-1]
				}
				out["length"] = len(seq)
				break
			}
		}
	}
	if _, ok := out["items"]; !ok {
		out["items"] = []any{}
		out["length"] = 0
	}

	for _, key := range textKeyPriority {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				out["text"] = s
				break
			}
		}
	}

	if errVal, ok := m["error"]; ok {
		out["error"] = errVal
	}

	for k, v := range m {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}

	return out
}

func toSequence(v any) []any {
	if v == nil {
		return []any{}
	}
	if seq, ok := v.([]any); ok {
		return seq
	}
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"items", "data", "results", "content"} {
			if seq, ok := m[key].([]any); ok {
				return seq
			}
		}
	}
	return []any{v}
}
