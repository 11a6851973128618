package codeexec

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/progrun/internal/agent"
	"github.com/haasonsaas/progrun/internal/mcp"
)

// DefaultMaxRetries is the circuit breaker's failure threshold: once a
// (tool, normalized-arguments) signature has failed this many times, further
// calls are short-circuited without contacting the tool.
const DefaultMaxRetries = 3

// DefaultBridgeTimeout bounds a single MCP call made through the bridge.
const DefaultBridgeTimeout = 30 * time.Second

// MCPRawCaller is implemented by mcp.ToolBridge: it exposes both the
// agent.Tool contract (for registration elsewhere) and a way to invoke the
// tool and get back the unflattened protocol envelope, which the bridge
// needs in order to apply response normalization itself.
type MCPRawCaller interface {
	agent.Tool
	CallRaw(ctx context.Context, arguments map[string]any) (*mcp.ToolCallResult, error)
}

// BridgeRecord is a single tool-call record: the history the bridge keeps
// of every physical call it has dispatched since construction or Reset.
type BridgeRecord struct {
	ToolName       string
	Args           json.RawMessage
	NormalizedArgs json.RawMessage
	RawResult      any
	Result         NormalizedResult
	Error          string
	IsMCP          bool
	ElapsedMs      int64
	StartedAt      time.Time
}

// LearnedSchema is an inferred description of a tool's successful
// responses, refined monotonically toward more detail as more calls
// succeed.
type LearnedSchema struct {
	Kind       string                    `json:"kind"` // null|undefined|array|object|primitive
	Properties map[string]*LearnedSchema `json:"properties,omitempty"`
	ItemType   *LearnedSchema            `json:"itemType,omitempty"`
	Length     int                       `json:"length,omitempty"`
}

// Bridge is the MCP Bridge: a per-tool dispatcher that normalizes
// arguments in, executes, normalizes the response out, learns an output
// schema from successful calls, and circuit-breaks repeated failures of
// the same (tool, arguments) signature.
type Bridge struct {
	mu          sync.Mutex
	tools       map[string]MCPRawCaller
	schemas     map[string]json.RawMessage
	records     []BridgeRecord
	failures    map[string]int
	learned     map[string]*LearnedSchema
	maxRetries  int
	timeout     time.Duration
	warnings    []string
}

// NewBridge constructs a bridge over the given MCP-prefixed tool set.
func NewBridge(tools map[string]MCPRawCaller) *Bridge {
	schemas := make(map[string]json.RawMessage, len(tools))
	for name, tool := range tools {
		schemas[name] = tool.Schema()
	}
	return &Bridge{
		tools:      tools,
		schemas:    schemas,
		failures:   make(map[string]int),
		learned:    make(map[string]*LearnedSchema),
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultBridgeTimeout,
	}
}

// WithMaxRetries overrides the circuit breaker threshold (default 3).
func (b *Bridge) WithMaxRetries(n int) *Bridge {
	b.maxRetries = n
	return b
}

// WithTimeout overrides the per-call timeout (default 30s).
func (b *Bridge) WithTimeout(d time.Duration) *Bridge {
	b.timeout = d
	return b
}

// Names returns the bridge's MCP-prefixed tool names.
func (b *Bridge) Names() []string {
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the declared input schema for a bridged tool.
func (b *Bridge) Schema(name string) (json.RawMessage, bool) {
	s, ok := b.schemas[name]
	return s, ok
}

// ErrCircuitOpen is returned when a (tool, arguments) signature has failed
// MaxRetries times in a row.
type ErrCircuitOpen struct {
	ToolName string
	Attempts int
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("%s failed %d times with the same parameters; call is short-circuited", e.ToolName, e.Attempts)
}

// Handle dispatches a single MCP call: normalize arguments, check the
// circuit breaker, execute, normalize the response, learn the output
// schema, and record the outcome.
func (b *Bridge) Handle(ctx context.Context, name string, args json.RawMessage) (NormalizedResult, error) {
	start := time.Now()

	tool, ok := b.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown MCP tool: %s", name)
	}

	schema, _ := b.schemas[name]
	paramResult := NormalizeParameters(name, args, schema)
	b.mu.Lock()
	b.warnings = append(b.warnings, paramResult.Warnings...)
	b.mu.Unlock()

	sig := signature(name, paramResult.Normalized, start)

	b.mu.Lock()
	failCount := b.failures[sig]
	b.mu.Unlock()
	if failCount >= b.maxRetries {
		return nil, NewExecutionError(ErrCircuitOpenKind, fmt.Sprintf("MCP tool %s", name), &ErrCircuitOpen{ToolName: name, Attempts: failCount})
	}

	record := BridgeRecord{
		ToolName:       name,
		Args:           args,
		NormalizedArgs: paramResult.Normalized,
		IsMCP:          true,
		StartedAt:      start,
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var arguments map[string]any
	_ = json.Unmarshal(paramResult.Normalized, &arguments)

	raw, err := tool.CallRaw(callCtx, arguments)
	record.ElapsedMs = time.Since(start).Milliseconds()

	if err != nil {
		record.Error = err.Error()
		b.recordFailure(sig)
		b.appendRecord(record)
		if !paramResult.IsValid {
			return nil, NewExecutionError(ErrMCPValidationFailure,
				fmt.Sprintf("%s (original args: %s, normalized args: %s)", name, args, paramResult.Normalized), err)
		}
		return nil, err
	}

	envelope := map[string]any{"isError": raw.IsError}
	var content []any
	for _, part := range raw.Content {
		content = append(content, map[string]any{"type": part.Type, "text": part.Text, "data": part.Data, "mimeType": part.MimeType})
	}
	envelope["content"] = content

	transformed := NormalizeResponse(envelope)
	record.RawResult = envelope
	record.Result = transformed

	if raw.IsError {
		errMsg, _ := transformed["error"].(string)
		record.Error = errMsg
		b.recordFailure(sig)
		b.appendRecord(record)
		return nil, fmt.Errorf("%s: %s", name, errMsg)
	}

	b.clearFailure(sig)
	b.learnOutputSchema(name, transformed)
	b.appendRecord(record)
	return transformed, nil
}

// BatchRequest is one call in a concurrent batch dispatched through
// ExecuteBatch.
type BatchRequest struct {
	ToolName string
	Args     json.RawMessage
}

// BatchResponse is the outcome of one call within a batch, paired by index
// with its originating request.
type BatchResponse struct {
	Result NormalizedResult
	Err    error
}

// ExecuteBatch fans requests out concurrently and returns results in the
// same order the requests were given, regardless of completion order.
func (b *Bridge) ExecuteBatch(ctx context.Context, requests []BatchRequest) []BatchResponse {
	responses := make([]BatchResponse, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req BatchRequest) {
			defer wg.Done()
			result, err := b.Handle(ctx, req.ToolName, req.Args)
			responses[i] = BatchResponse{Result: result, Err: err}
		}(i, req)
	}
	wg.Wait()
	return responses
}

// Reset clears call records, failure counts, and normalization warnings,
// but preserves learned output schemas (they only get more accurate over
// time, so there is no reason to forget them between executions).
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.failures = make(map[string]int)
	b.warnings = nil
}

// Records returns the tool-call records observed since construction or the
// last Reset.
func (b *Bridge) Records() []BridgeRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BridgeRecord, len(b.records))
	copy(out, b.records)
	return out
}

// FailureCount returns the current circuit breaker count for a signature,
// chiefly useful for tests.
func (b *Bridge) FailureCount(name string, args json.RawMessage) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[signature(name, args, time.Time{})]
}

func (b *Bridge) recordFailure(sig string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[sig]++
}

func (b *Bridge) clearFailure(sig string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, sig)
}

func (b *Bridge) appendRecord(r BridgeRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, r)
}

// signature computes the circuit breaker key tool-name ⊕ JSON(arguments).
// If the arguments cannot be serialized deterministically, it falls back to
// tool-name ⊕ timestamp so a single malformed call never jams the breaker.
func signature(name string, normalized json.RawMessage, fallbackTime time.Time) string {
	var v any
	if err := json.Unmarshal(normalized, &v); err != nil {
		return fmt.Sprintf("%s\x00%d", name, fallbackTime.UnixNano())
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%s\x00%d", name, fallbackTime.UnixNano())
	}
	sum := sha1.Sum(canon)
	return name + "\x00" + hex.EncodeToString(sum[:])
}

// learnOutputSchema infers a shape for a successful response and merges it
// into the cached schema for this tool, but only when the new observation
// is strictly more detailed: more object properties, or a larger sampled
// array.
func (b *Bridge) learnOutputSchema(name string, value any) {
	inferred := inferSchema(value, 0)

	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.learned[name]
	if !ok || isMoreDetailed(inferred, existing) {
		b.learned[name] = inferred
	}
}

// LearnedSchemaFor returns the currently cached learned schema for a tool,
// if any calls to it have succeeded.
func (b *Bridge) LearnedSchemaFor(name string) (*LearnedSchema, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.learned[name]
	return s, ok
}

const maxSchemaDepth = 3

func inferSchema(value any, depth int) *LearnedSchema {
	if depth >= maxSchemaDepth {
		return &LearnedSchema{Kind: "primitive"}
	}
	switch v := value.(type) {
	case nil:
		return &LearnedSchema{Kind: "null"}
	case []any:
		s := &LearnedSchema{Kind: "array", Length: len(v)}
		if len(v) > 0 {
			s.ItemType = inferSchema(v[0], depth+1)
		}
		return s
	case map[string]any:
		s := &LearnedSchema{Kind: "object", Properties: make(map[string]*LearnedSchema)}
		for k, val := range v {
			if k == "_raw" || k == "_normalized" {
				continue
			}
			s.Properties[k] = inferSchema(val, depth+1)
		}
		return s
	default:
		return &LearnedSchema{Kind: "primitive"}
	}
}

func isMoreDetailed(candidate, existing *LearnedSchema) bool {
	if existing == nil {
		return true
	}
	if candidate.Kind != existing.Kind {
		return len(candidate.Properties) > len(existing.Properties) || candidate.Length > existing.Length
	}
	switch candidate.Kind {
	case "object":
		return len(candidate.Properties) > len(existing.Properties)
	case "array":
		return candidate.Length > existing.Length
	default:
		return false
	}
}
