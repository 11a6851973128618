package sandbox

import (
	"github.com/haasonsaas/progrun/internal/agent"
)

// Register registers the sandbox executor as a tool on the given registry.
// This is the raw-code-execution path (one direct sandbox.Executor call);
// wiring it through internal/codeexec's Caller instead gets the
// file-mediated RPC bridge that lets generated programs call other bound
// tools from inside the sandbox.
func Register(registry *agent.ToolRegistry, opts ...Option) error {
	executor, err := NewExecutor(opts...)
	if err != nil {
		return err
	}

	registry.Register(executor)
	return nil
}

// MustRegister registers the sandbox executor and panics on error.
// Use this in initialization code where errors should be fatal.
func MustRegister(registry *agent.ToolRegistry, opts ...Option) {
	if err := Register(registry, opts...); err != nil {
		panic(err)
	}
}
