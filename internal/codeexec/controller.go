package codeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/progrun/internal/agent"
)

// DefaultMonitorInterval is how often the controller polls the worker's
// scratch directory for new RPC request files and for the final output
// document, matching the poll cadence the generated script's stubs use.
const DefaultMonitorInterval = 100 * time.Millisecond

// DefaultExecutionTimeout bounds one full program execution end to end:
// provisioning, running, and draining.
const DefaultExecutionTimeout = 25 * time.Second

const (
	localReqPrefix = "tool_call_"
	mcpReqPrefix   = "mcp_call_"
	reqSuffix      = ".json"
)

// WorkerFactory opens a fresh worker session bound to one program execution.
type WorkerFactory func(ctx context.Context) (Worker, error)

// Controller is the Sandbox Controller: it hands a generated script to a
// Worker, services local and MCP tool calls via file-mediated RPC while the
// script runs, and assembles the final execution outcome once the script
// writes its output document.
type Controller struct {
	workers      WorkerFactory
	registry     *agent.ToolRegistry
	bridge       *Bridge
	paths        ScriptPaths
	stubTimeout  time.Duration
	monitorEvery time.Duration
	execTimeout  time.Duration

	// workerMu guards the single cached worker slot: one worker session is
	// provisioned lazily on the first Execute call and reused by every
	// subsequent one, only replaced when isStaleSession detects the remote
	// session has gone away. Execute calls serialize on this lock, matching
	// the controller's single-worker-per-process model.
	workerMu sync.Mutex
	worker   Worker
}

// NewController builds a controller over a worker factory, a local tool
// registry, and an optional MCP bridge (nil if no MCP servers are wired).
func NewController(workers WorkerFactory, registry *agent.ToolRegistry, bridge *Bridge) *Controller {
	return &Controller{
		workers:      workers,
		registry:     registry,
		bridge:       bridge,
		paths:        DefaultScriptPaths(),
		stubTimeout:  DefaultBridgeTimeout,
		monitorEvery: DefaultMonitorInterval,
		execTimeout:  DefaultExecutionTimeout,
	}
}

// WithExecutionTimeout overrides the end-to-end execution timeout.
func (c *Controller) WithExecutionTimeout(d time.Duration) *Controller {
	c.execTimeout = d
	return c
}

// WithMonitorInterval overrides the RPC file poll cadence.
func (c *Controller) WithMonitorInterval(d time.Duration) *Controller {
	c.monitorEvery = d
	return c
}

// ToolCallRecord is one physical tool invocation made during a program
// execution, local or MCP, normalized so callers don't need to know which.
type ToolCallRecord struct {
	ToolName  string          `json:"toolName"`
	IsMCP     bool            `json:"isMCP"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ElapsedMs int64           `json:"elapsedMs"`
}

// ExecutionOutcome is the result of driving one generated program to
// completion: its return value plus every tool call it made along the way.
type ExecutionOutcome struct {
	Output    any
	ToolCalls []ToolCallRecord
	Error     string
	Partial   any
}

// Execute runs program to completion against a freshly opened worker
// session, servicing localTools and mcpTools calls as file-mediated RPC
// requests arrive, and returns the aggregate outcome. It implements the
// controller's Idle -> Validating -> Provisioning -> Running -> Draining ->
// Reporting -> Idle state progression: ValidateSyntax gates entry,
// provisioning happens via the worker factory, running is the monitor loop
// racing the script, draining stops the monitor once output appears, and
// reporting is the returned ExecutionOutcome.
func (c *Controller) Execute(ctx context.Context, program string, localTools, mcpTools []string) (*ExecutionOutcome, error) {
	if c.bridge != nil {
		c.bridge.Reset()
	}
	if err := ValidateSyntax(program); err != nil {
		return nil, NewExecutionError(ErrSyntaxInvalid, "program failed syntax validation", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	worker, err := c.acquireWorkerLocked(execCtx)
	if err != nil {
		return nil, NewExecutionError(provisioningErrorKind(err), "provisioning sandbox worker", err)
	}

	script := GenerateScript(localTools, mcpTools, program, c.stubTimeout, c.paths)
	launch := func(w Worker) error {
		if err := w.WriteFile(execCtx, "script.js", []byte(script)); err != nil {
			return err
		}
		return w.StartBackground(execCtx, "node script.js")
	}

	if err := launch(worker); err != nil {
		if !isStaleSession(err) {
			return nil, NewExecutionError(ErrProvisioningFailed, "preparing sandboxed program", err)
		}
		worker, err = c.replaceWorkerLocked(execCtx)
		if err != nil {
			return nil, NewExecutionError(provisioningErrorKind(err), "reprovisioning sandbox worker after stale session", err)
		}
		if err := launch(worker); err != nil {
			return nil, NewExecutionError(ErrStaleSessionKind, "preparing sandboxed program after reprovisioning", err)
		}
	}

	var (
		recMu   sync.Mutex
		records = make([]ToolCallRecord, 0, 8)
	)

	monitorDone := make(chan struct{})
	go c.monitor(execCtx, worker, &records, &recMu, monitorDone)

	outcome, runErr := c.awaitOutput(execCtx, worker)
	close(monitorDone)

	recMu.Lock()
	calls := append([]ToolCallRecord{}, records...)
	recMu.Unlock()

	if c.bridge != nil {
		for _, r := range c.bridge.Records() {
			calls = append(calls, ToolCallRecord{
				ToolName:  r.ToolName,
				IsMCP:     true,
				Args:      r.NormalizedArgs,
				Result:    r.Result,
				Error:     r.Error,
				ElapsedMs: r.ElapsedMs,
			})
		}
	}

	if runErr != nil {
		if outcome != nil {
			outcome.ToolCalls = calls
		}
		return outcome, runErr
	}
	outcome.ToolCalls = calls
	return outcome, nil
}

// acquireWorkerLocked returns the cached worker, provisioning it on first
// use. Callers must hold workerMu.
func (c *Controller) acquireWorkerLocked(ctx context.Context) (Worker, error) {
	if c.worker != nil {
		return c.worker, nil
	}
	worker, err := c.workers(ctx)
	if err != nil {
		return nil, err
	}
	c.worker = worker
	return worker, nil
}

// replaceWorkerLocked discards the cached worker (closing it best-effort)
// and provisions a fresh one in its place. Callers must hold workerMu.
func (c *Controller) replaceWorkerLocked(ctx context.Context) (Worker, error) {
	if c.worker != nil {
		_ = c.worker.Close()
		c.worker = nil
	}
	worker, err := c.workers(ctx)
	if err != nil {
		return nil, err
	}
	c.worker = worker
	return worker, nil
}

// Close releases the cached worker session, if one was provisioned. Callers
// should invoke this once when the controller's hosting process shuts down,
// not between individual Execute calls.
func (c *Controller) Close() error {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.worker == nil {
		return nil
	}
	err := c.worker.Close()
	c.worker = nil
	return err
}

func (c *Controller) monitor(ctx context.Context, worker Worker, records *[]ToolCallRecord, mu *sync.Mutex, done <-chan struct{}) {
	seen := make(map[string]bool)
	ticker := time.NewTicker(c.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, worker, seen, records, mu)
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context, worker Worker, seen map[string]bool, records *[]ToolCallRecord, mu *sync.Mutex) {
	localFiles, _ := worker.ListFiles(ctx, localReqPrefix+"*"+reqSuffix)
	for _, name := range localFiles {
		if seen[name] {
			continue
		}
		seen[name] = true
		c.handleLocalRequest(ctx, worker, name, records, mu)
	}

	mcpFiles, _ := worker.ListFiles(ctx, mcpReqPrefix+"*"+reqSuffix)
	for _, name := range mcpFiles {
		if seen[name] {
			continue
		}
		seen[name] = true
		c.handleMCPRequest(ctx, worker, name)
	}
}

func requestID(name, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), reqSuffix)
}

func (c *Controller) handleLocalRequest(ctx context.Context, worker Worker, reqName string, records *[]ToolCallRecord, mu *sync.Mutex) {
	id := requestID(reqName, localReqPrefix)
	start := time.Now()

	raw, err := worker.ReadFile(ctx, reqName)
	if err != nil {
		// The script may still be mid-write; try again on the next tick.
		return
	}

	var req struct {
		ToolName string          `json:"toolName"`
		Args     json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeResponse(ctx, worker, c.paths.LocalResponse(id), nil, fmt.Sprintf("malformed tool call: %v", err))
		return
	}

	tool, ok := c.registry.Get(req.ToolName)
	if !ok {
		unknownErr := NewExecutionError(ErrUnknownTool, fmt.Sprintf("unknown tool: %s", req.ToolName), nil)
		mu.Lock()
		*records = append(*records, ToolCallRecord{ToolName: req.ToolName, Args: req.Args, Error: unknownErr.Error(), ElapsedMs: time.Since(start).Milliseconds()})
		mu.Unlock()
		c.writeResponse(ctx, worker, c.paths.LocalResponse(id), nil, unknownErr.Error())
		return
	}

	params := unwrapSingleArg(req.Args)
	normalized := NormalizeParameters(req.ToolName, params, tool.Schema())

	result, err := c.registry.Execute(ctx, req.ToolName, normalized.Normalized)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		mu.Lock()
		*records = append(*records, ToolCallRecord{ToolName: req.ToolName, Args: normalized.Normalized, Error: err.Error(), ElapsedMs: elapsed})
		mu.Unlock()
		c.writeResponse(ctx, worker, c.paths.LocalResponse(id), nil, err.Error())
		return
	}

	envelope := map[string]any{
		"isError": result.IsError,
		"content": []any{map[string]any{"type": "text", "text": result.Content}},
	}
	normalizedResult := NormalizeResponse(envelope)

	if result.IsError {
		errMsg, _ := normalizedResult["error"].(string)
		if errMsg == "" {
			errMsg = result.Content
		}
		mu.Lock()
		*records = append(*records, ToolCallRecord{ToolName: req.ToolName, Args: normalized.Normalized, Error: errMsg, ElapsedMs: elapsed})
		mu.Unlock()
		c.writeResponse(ctx, worker, c.paths.LocalResponse(id), nil, errMsg)
		return
	}

	mu.Lock()
	*records = append(*records, ToolCallRecord{ToolName: req.ToolName, Args: normalized.Normalized, Result: normalizedResult, ElapsedMs: elapsed})
	mu.Unlock()
	c.writeResponse(ctx, worker, c.paths.LocalResponse(id), normalizedResult, "")
}

func (c *Controller) handleMCPRequest(ctx context.Context, worker Worker, reqName string) {
	id := requestID(reqName, mcpReqPrefix)

	raw, err := worker.ReadFile(ctx, reqName)
	if err != nil {
		return
	}

	var req struct {
		ToolName string          `json:"toolName"`
		Args     json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeResponse(ctx, worker, c.paths.MCPResponse(id), nil, fmt.Sprintf("malformed tool call: %v", err))
		return
	}

	if c.bridge == nil {
		c.writeResponse(ctx, worker, c.paths.MCPResponse(id), nil, "no MCP bridge configured")
		return
	}

	result, err := c.bridge.Handle(ctx, req.ToolName, req.Args)
	if err != nil {
		c.writeResponse(ctx, worker, c.paths.MCPResponse(id), nil, err.Error())
		return
	}
	c.writeResponse(ctx, worker, c.paths.MCPResponse(id), result, "")
}

func (c *Controller) writeResponse(ctx context.Context, worker Worker, path string, data any, errMsg string) {
	resp := map[string]any{}
	if errMsg != "" {
		resp["error"] = errMsg
	} else {
		resp["data"] = data
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(map[string]any{"error": fmt.Sprintf("result not serializable: %v", err)})
	}
	_ = worker.WriteFile(ctx, path, payload)
}

func (c *Controller) awaitOutput(ctx context.Context, worker Worker) (*ExecutionOutcome, error) {
	ticker := time.NewTicker(c.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, NewExecutionError(ErrExecutionTimeout, "execution timed out before output document appeared", ctx.Err())
		case <-ticker.C:
			exists, err := worker.Exists(ctx, c.paths.Output)
			if err != nil || !exists {
				continue
			}
			raw, err := worker.ReadFile(ctx, c.paths.Output)
			if err != nil {
				continue
			}
			var doc struct {
				Success       bool            `json:"success"`
				Result        json.RawMessage `json:"result"`
				Error         string          `json:"error"`
				Stack         string          `json:"stack"`
				PartialResult json.RawMessage `json:"partialResult"`
			}
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, NewExecutionError(ErrMalformedOutput, "malformed sandbox output document", err)
			}
			if !doc.Success {
				var partial any
				_ = json.Unmarshal(doc.PartialResult, &partial)
				return &ExecutionOutcome{Error: doc.Error, Partial: partial}, NewExecutionError(ErrToolExecutionFailure, "sandboxed program raised an exception", errors.New(doc.Error))
			}
			var result any
			_ = json.Unmarshal(doc.Result, &result)
			return &ExecutionOutcome{Output: result}, nil
		}
	}
}

// unwrapSingleArg turns the JSON array of positional arguments a local tool
// stub collects (myTool(a, b, c)) into the single value the tool registry
// expects: the lone element if exactly one was passed, an empty object if
// none were, or the array itself otherwise.
func unwrapSingleArg(raw json.RawMessage) json.RawMessage {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return raw
	}
	switch len(arr) {
	case 0:
		return json.RawMessage("{}")
	case 1:
		return arr[0]
	default:
		return raw
	}
}

// provisioningErrorKind classifies a worker-factory failure: credential
// rejections are terminal (ErrAuthRequired), everything else is treated as
// a possibly-transient ErrProvisioningFailed the caller may retry.
func provisioningErrorKind(err error) ErrorKind {
	if isAuthRequired(err) {
		return ErrAuthRequired
	}
	return ErrProvisioningFailed
}

// isAuthRequired recognizes the error strings a sandbox provider returns
// when it rejects credentials outright, as opposed to a transient
// provisioning failure.
func isAuthRequired(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "invalid credentials", "invalid api key", "forbidden"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isStaleSession recognizes the handful of error strings that indicate the
// remote sandbox session has gone away rather than a transient failure.
func isStaleSession(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"410", "gone", "econnreset", "sandbox not found", "session expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
