package codeexec

import (
	"fmt"
	"strings"
	"time"
)

// ScriptPaths names the well-known RPC file paths the generated program and
// the sandbox controller's monitor both honor. All paths are relative to
// the worker's scratch directory.
type ScriptPaths struct {
	LocalRequest  func(id string) string
	LocalResponse func(id string) string
	MCPRequest    func(id string) string
	MCPResponse   func(id string) string
	Output        string
}

// DefaultScriptPaths matches the file protocol at the worker filesystem
// boundary: tool_call_<id>.json / tool_result_<id>.json for local tools,
// mcp_call_<id>.json / mcp_result_<id>.json for MCP tools, and a single
// sandbox_output.json per run.
func DefaultScriptPaths() ScriptPaths {
	return ScriptPaths{
		LocalRequest:  func(id string) string { return fmt.Sprintf("tool_call_%s.json", id) },
		LocalResponse: func(id string) string { return fmt.Sprintf("tool_result_%s.json", id) },
		MCPRequest:    func(id string) string { return fmt.Sprintf("mcp_call_%s.json", id) },
		MCPResponse:   func(id string) string { return fmt.Sprintf("mcp_result_%s.json", id) },
		Output:        "sandbox_output.json",
	}
}

// StubPollInterval is how often a tool stub inside the generated program
// polls for its response file.
const StubPollInterval = 50 * time.Millisecond

// GenerateScript emits a self-contained Node.js program: the value
// coercion library, RPC stubs for every local and MCP tool name, the
// user's program body wrapped in an async outer function, and output
// handling that writes a result document to paths.Output.
func GenerateScript(localTools, mcpTools []string, userProgram string, stubTimeout time.Duration, paths ScriptPaths) string {
	var b strings.Builder

	b.WriteString(valueCoercionSource)
	b.WriteString("\n")
	b.WriteString(rpcRuntimeSource(stubTimeout, paths))
	b.WriteString("\n")

	b.WriteString("const allResults = {};\n\n")

	for _, name := range localTools {
		fmt.Fprintf(&b, "async function %s(...args) {\n", name)
		fmt.Fprintf(&b, "  const result = await callLocalTool(%q, args);\n", name)
		fmt.Fprintf(&b, "  (allResults[%q] = allResults[%q] || []).push(result);\n", name, name)
		b.WriteString("  return result;\n}\n\n")
	}

	for _, name := range mcpTools {
		fmt.Fprintf(&b, "async function %s(record) {\n", name)
		fmt.Fprintf(&b, "  const result = await callMCPTool(%q, record === undefined ? {} : record);\n", name)
		fmt.Fprintf(&b, "  (allResults[%q] = allResults[%q] || []).push(result);\n", name, name)
		b.WriteString("  return result;\n}\n\n")
	}

	b.WriteString("async function __userProgram() {\n")
	b.WriteString(indent(userProgram, "  "))
	b.WriteString("\n}\n\n")

	b.WriteString(runnerSource())

	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func rpcRuntimeSource(stubTimeout time.Duration, paths ScriptPaths) string {
	timeoutMs := stubTimeout.Milliseconds()
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	return fmt.Sprintf(`
const fs = require("fs");
const path = require("path");
const crypto = require("crypto");

const __scratchDir = process.env.SANDBOX_SCRATCH_DIR || process.cwd();
const __stubTimeoutMs = %d;
const __stubPollMs = %d;

function __newID() {
  return crypto.randomBytes(8).toString("hex");
}

function __sleep(ms) {
  return new Promise((resolve) => setTimeout(resolve, ms));
}

async function __rpc(requestPath, responsePath, body) {
  fs.writeFileSync(requestPath, JSON.stringify(body));
  const deadline = Date.now() + __stubTimeoutMs;
  while (Date.now() < deadline) {
    if (fs.existsSync(responsePath)) {
      const raw = fs.readFileSync(responsePath, "utf8");
      try { fs.unlinkSync(requestPath); } catch (e) {}
      try { fs.unlinkSync(responsePath); } catch (e) {}
      const envelope = JSON.parse(raw);
      if (envelope.error !== undefined) {
        throw new Error(envelope.error);
      }
      return envelope.data;
    }
    await __sleep(__stubPollMs);
  }
  throw new Error("tool call timed out waiting for a response");
}

async function callLocalTool(name, args) {
  const id = __newID();
  const reqPath = path.join(__scratchDir, %q);
  const resPath = path.join(__scratchDir, %q);
  return __rpc(reqPath.replace("__ID__", id), resPath.replace("__ID__", id), { toolName: name, args, type: "local" });
}

async function callMCPTool(name, record) {
  const id = __newID();
  const reqPath = path.join(__scratchDir, %q);
  const resPath = path.join(__scratchDir, %q);
  return __rpc(reqPath.replace("__ID__", id), resPath.replace("__ID__", id), { toolName: name, args: record, callId: id, type: "mcp" });
}
`, timeoutMs, StubPollInterval.Milliseconds(),
		paths.LocalRequest("__ID__"), paths.LocalResponse("__ID__"),
		paths.MCPRequest("__ID__"), paths.MCPResponse("__ID__"))
}

func runnerSource() string {
	return `
(async () => {
  const outputPath = path.join(__scratchDir, "sandbox_output.json");
  try {
    let result = await __userProgram();
    if (result === undefined) {
      const names = Object.keys(allResults);
      if (names.length === 1 && allResults[names[0]].length === 1) {
        result = allResults[names[0]][0];
      } else if (names.length > 0) {
        const flat = [];
        for (const name of names) for (const r of allResults[name]) flat.push(r);
        result = {
          autoGenerated: true,
          count: flat.length,
          results: flat,
          lastResult: flat.length > 0 ? flat[flat.length - 1] : undefined,
        };
      }
    }
    fs.writeFileSync(outputPath, JSON.stringify({ success: true, result }));
  } catch (err) {
    fs.writeFileSync(outputPath, JSON.stringify({
      success: false,
      error: err && err.message ? err.message : String(err),
      stack: err && err.stack ? err.stack : undefined,
      partialResult: Object.keys(allResults).length > 0 ? allResults : undefined,
    }));
  }
})();
`
}

// SyntaxError describes a rejected program with actionable advice, mapping
// common parser complaints (unclosed brackets/strings, missing tokens) to
// hints a human or LLM can act on.
type SyntaxError struct {
	Message string
	Hint    string
}

func (e *SyntaxError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
	}
	return e.Message
}

// ValidateSyntax performs a best-effort surface syntax check of a program
// body before it is wrapped into the generated script: balanced brackets,
// balanced quotes, and no incomplete statements at end of input. It does
// not run a full parser; it catches the mistakes LLM-generated code most
// commonly makes. Complaints about top-level await are never raised here,
// because the body is always wrapped in an async function by the
// generator.
func ValidateSyntax(program string) error {
	stack := make([]rune, 0, 8)
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	opens := map[rune]bool{'(': true, '[': true, '{': true}

	inString := rune(0)
	escaped := false

	for _, r := range program {
		if inString != 0 {
			if escaped {
				escaped = false
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == inString {
				inString = 0
			}
			continue
		}
		switch {
		case r == '"' || r == '\'' || r == '`':
			inString = r
		case opens[r]:
			stack = append(stack, r)
		case r == ')' || r == ']' || r == '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return &SyntaxError{
					Message: fmt.Sprintf("unexpected closing %q", r),
					Hint:    "check for a missing or extra bracket",
				}
			}
			stack = stack[:len(stack)-1]
		}
	}

	if inString != 0 {
		return &SyntaxError{
			Message: "unterminated string literal",
			Hint:    fmt.Sprintf("look for a missing closing %q", inString),
		}
	}
	if len(stack) > 0 {
		return &SyntaxError{
			Message: fmt.Sprintf("unclosed %q", stack[len(stack)-1]),
			Hint:    "every opening bracket needs a matching close",
		}
	}
	if strings.TrimSpace(program) == "" {
		return &SyntaxError{Message: "program is empty"}
	}
	return nil
}
