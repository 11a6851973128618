package codeexec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParamResult is the outcome of normalizing one set of call arguments
// toward a tool's declared input schema.
type ParamResult struct {
	Normalized json.RawMessage
	Warnings   []string
	IsValid    bool
}

// schemaProperty is the minimal JSON Schema shape the normalizer reasons
// about: a type tag, whether it's required, an item schema for arrays, and
// nested properties for objects.
type schemaProperty struct {
	Type       string
	Required   bool
	Items      *schemaProperty
	Properties map[string]*schemaProperty
}

// NormalizeParameters coerces loosely-typed, LLM-generated arguments toward
// a tool's declared input schema. schema may be nil or empty, in which case
// only the shape-heuristic and deep-clone steps run.
func NormalizeParameters(toolName string, args json.RawMessage, schema json.RawMessage) ParamResult {
	var warnings []string

	var decoded any
	if len(strings.TrimSpace(string(args))) == 0 {
		decoded = nil
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		decoded = nil
		warnings = append(warnings, fmt.Sprintf("could not parse arguments: %v", err))
	}

	normalized := normalizeShape(toolName, decoded, &warnings)

	cloned, warnings2 := deepClone(normalized)
	warnings = append(warnings, warnings2...)
	normalized = cloned

	props := parseSchemaProperties(schema)
	if len(props) > 0 {
		normalized = coerceAgainstSchema(normalized, props, &warnings)
	}

	isValid := true
	for _, w := range warnings {
		if strings.HasPrefix(w, "missing required") {
			isValid = false
			break
		}
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		payload = []byte("{}")
		warnings = append(warnings, fmt.Sprintf("could not serialize normalized arguments: %v", err))
	}

	return ParamResult{Normalized: payload, Warnings: warnings, IsValid: isValid}
}

// normalizeShape handles steps 1-3 of parameter normalization: null/undefined
// becomes an empty record, non-record primitives are wrapped by a
// name-sensitive heuristic, and bare arrays are wrapped similarly.
func normalizeShape(toolName string, v any, warnings *[]string) map[string]any {
	lower := strings.ToLower(toolName)

	switch val := v.(type) {
	case nil:
		*warnings = append(*warnings, "arguments were null or missing, defaulting to empty object")
		return map[string]any{}
	case map[string]any:
		return val
	case []any:
		key := "items"
		if strings.Contains(lower, "extract") || strings.Contains(lower, "batch") {
			key = "urls"
		}
		*warnings = append(*warnings, fmt.Sprintf("wrapped array argument as { %s: ... }", key))
		return map[string]any{key: val}
	default:
		key := "input"
		switch {
		case strings.Contains(lower, "scrape"), strings.Contains(lower, "crawl"):
			key = "url"
		case strings.Contains(lower, "search"):
			key = "query"
		case strings.Contains(lower, "extract"):
			*warnings = append(*warnings, "wrapped scalar argument as { urls: [...] }")
			return map[string]any{"urls": []any{val}}
		}
		*warnings = append(*warnings, fmt.Sprintf("wrapped scalar argument as { %s: ... }", key))
		return map[string]any{key: val}
	}
}

// deepClone round-trips the value through JSON to produce an independent
// copy, matching the defensive posture of the original normalizer.
func deepClone(m map[string]any) (map[string]any, []string) {
	payload, err := json.Marshal(m)
	if err != nil {
		return m, []string{fmt.Sprintf("arguments are not fully serializable: %v", err)}
	}
	var clone map[string]any
	if err := json.Unmarshal(payload, &clone); err != nil {
		return m, []string{fmt.Sprintf("arguments are not fully serializable: %v", err)}
	}
	return clone, nil
}

func parseSchemaProperties(schema json.RawMessage) map[string]*schemaProperty {
	if len(schema) == 0 {
		return nil
	}
	var raw struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(schema, &raw); err != nil {
		return nil
	}
	required := make(map[string]bool, len(raw.Required))
	for _, name := range raw.Required {
		required[name] = true
	}
	props := make(map[string]*schemaProperty, len(raw.Properties))
	for name, rawProp := range raw.Properties {
		props[name] = parseSchemaProperty(rawProp, required[name])
	}
	return props
}

func parseSchemaProperty(raw json.RawMessage, required bool) *schemaProperty {
	var decoded struct {
		Type       string                     `json:"type"`
		Items      json.RawMessage            `json:"items"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return &schemaProperty{Type: "string", Required: required}
	}
	prop := &schemaProperty{Type: decoded.Type, Required: required}
	if len(decoded.Items) > 0 {
		prop.Items = parseSchemaProperty(decoded.Items, false)
	}
	if len(decoded.Properties) > 0 {
		nestedRequired := make(map[string]bool, len(decoded.Required))
		for _, name := range decoded.Required {
			nestedRequired[name] = true
		}
		prop.Properties = make(map[string]*schemaProperty, len(decoded.Properties))
		for name, rawNested := range decoded.Properties {
			prop.Properties[name] = parseSchemaProperty(rawNested, nestedRequired[name])
		}
	}
	return prop
}

// coerceAgainstSchema implements step 5 of parameter normalization:
// missing-required warnings, scalar type coercion, and array/object
// item-wrapping for array-of-object properties observed as scalars.
func coerceAgainstSchema(m map[string]any, props map[string]*schemaProperty, warnings *[]string) map[string]any {
	for name, prop := range props {
		v, present := m[name]
		if !present {
			if prop.Required {
				*warnings = append(*warnings, fmt.Sprintf("missing required field: %s", name))
			}
			continue
		}
		m[name] = coerceValue(name, v, prop, warnings)
	}
	return m
}

func coerceValue(name string, v any, prop *schemaProperty, warnings *[]string) any {
	switch prop.Type {
	case "string":
		if s, ok := v.(string); ok {
			return s
		}
		coerced := fmt.Sprintf("%v", v)
		*warnings = append(*warnings, fmt.Sprintf("coerced field %s to string", name))
		return coerced
	case "number", "integer":
		switch val := v.(type) {
		case float64:
			return val
		case string:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				*warnings = append(*warnings, fmt.Sprintf("coerced field %s to number", name))
				return f
			}
		}
		return v
	case "boolean":
		switch val := v.(type) {
		case bool:
			return val
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				*warnings = append(*warnings, fmt.Sprintf("coerced field %s to boolean", name))
				return b
			}
		}
		return v
	case "array":
		seq, ok := v.([]any)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("wrapped scalar field %s as singleton array", name))
			seq = []any{v}
		}
		if prop.Items != nil && prop.Items.Type == "object" {
			for i, item := range seq {
				if _, isObj := item.(map[string]any); !isObj {
					seq[i] = wrapScalarAsItem(item, prop.Items, warnings, name)
				}
			}
		}
		return seq
	default:
		return v
	}
}

// wrapScalarAsItem wraps a scalar observed where an array-of-object
// property expected an item, using the schema to pick the target key:
// a required string property, else a property named type/value/url/name,
// else the first string property, else any property, else "value".
func wrapScalarAsItem(v any, itemSchema *schemaProperty, warnings *[]string, fieldName string) map[string]any {
	key := "value"
	if len(itemSchema.Properties) > 0 {
		for name, p := range itemSchema.Properties {
			if p.Required && p.Type == "string" {
				key = name
				goto wrapped
			}
		}
		for _, candidate := range []string{"type", "value", "url", "name"} {
			if _, ok := itemSchema.Properties[candidate]; ok {
				key = candidate
				goto wrapped
			}
		}
		for name, p := range itemSchema.Properties {
			if p.Type == "string" {
				key = name
				goto wrapped
			}
		}
		for name := range itemSchema.Properties {
			key = name
			break
		}
	}
wrapped:
	*warnings = append(*warnings, fmt.Sprintf("wrapped scalar item in field %s as { %s: ... }", fieldName, key))
	return map[string]any{key: v}
}
