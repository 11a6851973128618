package codeexec

import "fmt"

// ErrorKind classifies why a program execution failed, so a caller can
// decide whether to retry, surface the message to the LLM, or give up.
type ErrorKind string

const (
	// ErrSyntaxInvalid means ValidateSyntax rejected the program before any
	// sandbox work began. Propagation: return the hint to the LLM so it can
	// correct the program; no sandbox was touched.
	ErrSyntaxInvalid ErrorKind = "syntax_invalid"

	// ErrProvisioningFailed means the worker factory could not produce a
	// session. Propagation: surface as a tool error; the caller may retry
	// with backoff.
	ErrProvisioningFailed ErrorKind = "provisioning_failed"

	// ErrAuthRequired is a sub-kind of ErrProvisioningFailed: the sandbox
	// provider rejected credentials. Propagation: terminal, do not retry
	// without operator intervention.
	ErrAuthRequired ErrorKind = "auth_required"

	// ErrStaleSessionKind means a worker operation failed because the
	// remote session had gone away. Propagation: retried at most once
	// against a freshly opened session.
	ErrStaleSessionKind ErrorKind = "stale_session"

	// ErrUnknownTool means the generated program called a function name
	// the controller never bound. Propagation: surfaced as the RPC error
	// payload so the running script's catch block sees it.
	ErrUnknownTool ErrorKind = "unknown_tool"

	// ErrToolExecutionFailure means a bound local tool returned an error or
	// an error-shaped result. Propagation: surfaced as the RPC error
	// payload; the program may catch and continue.
	ErrToolExecutionFailure ErrorKind = "tool_execution_failure"

	// ErrMCPValidationFailure means an MCP call's normalized arguments
	// still failed the server's own validation. Propagation: surfaced with
	// both original and normalized arguments attached for diagnosis.
	ErrMCPValidationFailure ErrorKind = "mcp_validation_failure"

	// ErrCircuitOpenKind means a (tool, arguments) signature tripped the
	// circuit breaker. Propagation: surfaced immediately without contacting
	// the tool again.
	ErrCircuitOpenKind ErrorKind = "circuit_open"

	// ErrExecutionTimeout means the end-to-end execution timeout elapsed
	// before the program produced an output document. Propagation: the
	// sandbox is torn down; any tool calls already recorded are still
	// returned.
	ErrExecutionTimeout ErrorKind = "execution_timeout"

	// ErrMalformedOutput means an output document existed but didn't parse
	// as the expected {success, result} | {success, error} shape.
	ErrMalformedOutput ErrorKind = "malformed_output"
)

// ExecutionError wraps a failure with its classification and, when known,
// the underlying cause.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewExecutionError constructs an ExecutionError of the given kind.
func NewExecutionError(kind ErrorKind, message string, cause error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message, Cause: cause}
}

// State is a Controller's position in its execution state machine.
type State string

const (
	StateIdle         State = "idle"
	StateValidating   State = "validating"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateReporting    State = "reporting"
)
