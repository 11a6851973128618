package codeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/progrun/internal/agent"
)

// CodeExecutionToolName is the name the meta-tool registers under.
const CodeExecutionToolName = "code_execution"

// CodeExecutionSchema is the meta-tool's fixed input schema: a single
// JavaScript program, with every bound tool bridged in as a callable
// function instead of a separate tool-call turn.
var CodeExecutionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "code": {
      "type": "string",
      "description": "JavaScript program to run in an isolated sandbox. Call the bound tool functions directly as async functions; nothing persists between executions."
    }
  },
  "required": ["code"]
}`)

// Caller is the Programmatic Tool Caller: it exposes code_execution as a
// single agent.Tool, documents every bound local and MCP function for the
// prompt, and accounts for the token savings each execution produced.
type Caller struct {
	controller   *Controller
	localNames   []string
	mcpNames     []string
	localSchemas map[string]json.RawMessage
	mcpSchemas   map[string]json.RawMessage
	savings      *SavingsAccountant
}

// NewCaller builds a Caller over a controller, a local tool registry, and
// an optional MCP bridge.
func NewCaller(controller *Controller, registry *agent.ToolRegistry, bridge *Bridge) *Caller {
	c := &Caller{controller: controller, savings: NewSavingsAccountant()}

	if registry != nil {
		c.localNames = registry.Names()
		c.localSchemas = make(map[string]json.RawMessage, len(c.localNames))
		for _, name := range c.localNames {
			if tool, ok := registry.Get(name); ok {
				c.localSchemas[name] = tool.Schema()
			}
		}
	}
	if bridge != nil {
		c.mcpNames = bridge.Names()
		c.mcpSchemas = make(map[string]json.RawMessage, len(c.mcpNames))
		for _, name := range c.mcpNames {
			if schema, ok := bridge.Schema(name); ok {
				c.mcpSchemas[name] = schema
			}
		}
	}

	return c
}

// AllToolNames returns every bound tool function name, local and MCP,
// sorted for stable documentation output.
func (c *Caller) AllToolNames() []string {
	names := make([]string, 0, len(c.localNames)+len(c.mcpNames))
	names = append(names, c.localNames...)
	names = append(names, c.mcpNames...)
	sort.Strings(names)
	return names
}

// GenerateToolDocumentation renders a function-signature listing of every
// bound tool, for embedding in the prompt that introduces code_execution.
func (c *Caller) GenerateToolDocumentation() string {
	var b strings.Builder
	b.WriteString("Bound functions available inside code_execution:\n\n")

	names := append([]string{}, c.localNames...)
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "async function %s(...args) // local tool\n", name)
		if schema, ok := c.localSchemas[name]; ok && len(schema) > 0 {
			fmt.Fprintf(&b, "  input schema: %s\n", schema)
		}
	}

	mcpNames := append([]string{}, c.mcpNames...)
	sort.Strings(mcpNames)
	for _, name := range mcpNames {
		fmt.Fprintf(&b, "async function %s(params) // MCP tool\n", name)
		if schema, ok := c.mcpSchemas[name]; ok && len(schema) > 0 {
			fmt.Fprintf(&b, "  input schema: %s\n", schema)
		}
	}

	return b.String()
}

// CreateCodeExecutionTool builds the code_execution agent.Tool: it runs the
// given program through the controller, serializes the result (degrading
// gracefully if the result resists JSON encoding), and reports the token
// savings the execution produced.
func (c *Caller) CreateCodeExecutionTool() agent.Tool {
	return agent.NewFuncTool(
		CodeExecutionToolName,
		"Execute a JavaScript program with bound tool functions. Only the final result re-enters the conversation, not every intermediate tool call.",
		CodeExecutionSchema,
		func(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
			var req struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(params, &req); err != nil {
				return &agent.ToolResult{IsError: true, Content: fmt.Sprintf("invalid code_execution arguments: %v", err)}, nil
			}
			if strings.TrimSpace(req.Code) == "" {
				return &agent.ToolResult{IsError: true, Content: "code_execution requires a non-empty code string"}, nil
			}

			outcome, err := c.controller.Execute(ctx, req.Code, c.localNames, c.mcpNames)
			if err != nil {
				msg := err.Error()
				if outcome != nil && outcome.Partial != nil {
					if partial, perr := json.Marshal(outcome.Partial); perr == nil {
						msg = fmt.Sprintf("%s (partial result preserved: %s)", msg, partial)
					}
				}
				return &agent.ToolResult{IsError: true, Content: msg}, nil
			}

			body, warnings := serializeResult(outcome.Output)
			breakdown := c.savings.Compute(outcome.ToolCalls)

			content := body
			if len(warnings) > 0 {
				content = fmt.Sprintf("%s\n\n(%s)", content, strings.Join(warnings, "; "))
			}
			content = fmt.Sprintf("%s\n\n%s", content, breakdown.Summary)

			var elapsed time.Duration
			for _, call := range outcome.ToolCalls {
				elapsed += time.Duration(call.ElapsedMs) * time.Millisecond
			}
			metadata := BuildExecutionMetadata(outcome.ToolCalls, breakdown, elapsed)
			metadataJSON, merr := json.Marshal(metadata)
			if merr != nil {
				return &agent.ToolResult{Content: content}, nil
			}

			return &agent.ToolResult{Content: content, Metadata: metadataJSON}, nil
		},
	)
}

// Close releases the controller's cached sandbox worker, if any was
// provisioned. Callers should invoke this once at process shutdown.
func (c *Caller) Close() error {
	return c.controller.Close()
}

// CreateEnhancedToolSet returns the tool set a runtime should register in
// place of every individually bound tool: just code_execution, documented
// with the full function listing so the LLM knows what it can call from
// inside generated code.
func (c *Caller) CreateEnhancedToolSet() (agent.Tool, string) {
	return c.CreateCodeExecutionTool(), c.GenerateToolDocumentation()
}

// serializeResult marshals a program's return value to JSON, degrading in
// stages when the value resists encoding: drop unserializable keys/items,
// then fall back to a string representation, then to a minimal stub
// describing the value's shape.
func serializeResult(value any) (string, []string) {
	var warnings []string

	if payload, err := json.Marshal(value); err == nil {
		return string(payload), warnings
	}

	cloned, cloneWarnings := cloneSerializable(value)
	warnings = append(warnings, cloneWarnings...)
	if payload, err := json.Marshal(cloned); err == nil {
		return string(payload), warnings
	}

	warnings = append(warnings, "result degraded to a string representation")
	str := fmt.Sprintf("%v", value)
	if payload, err := json.Marshal(str); err == nil {
		return string(payload), warnings
	}

	warnings = append(warnings, "result could not be serialized; returning a stub")
	stub := map[string]any{"_unserializable": true, "type": fmt.Sprintf("%T", value)}
	if m, ok := value.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		stub["keys"] = keys
	}
	payload, _ := json.Marshal(stub)
	return string(payload), warnings
}

func cloneSerializable(value any) (any, []string) {
	var warnings []string
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if _, err := json.Marshal(val); err == nil {
				out[k] = val
			} else {
				warnings = append(warnings, fmt.Sprintf("dropped unserializable key %q", k))
			}
		}
		return out, warnings
	case []any:
		out := make([]any, 0, len(v))
		for i, val := range v {
			if _, err := json.Marshal(val); err == nil {
				out = append(out, val)
			} else {
				warnings = append(warnings, fmt.Sprintf("dropped unserializable index %d", i))
			}
		}
		return out, warnings
	default:
		return value, warnings
	}
}
