package sandbox

import (
	"context"
	"errors"
	"time"
)

// DaytonaRunnerOptions configures the Daytona command runner.
type DaytonaRunnerOptions struct {
	DefaultCPU      int
	DefaultMemoryMB int
	DefaultTimeout  time.Duration
	NetworkEnabled  bool
	WorkspaceAccess WorkspaceAccessMode
}

// DaytonaRunner drives Daytona sandboxes as a remote scratch filesystem: it
// provisions sessions, each pinned to one sandbox and run directory, that
// support file writes/reads and a backgrounded command start. This is the
// primitive a polling RPC driver needs, as opposed to Executor's one-shot
// upload-then-run Run call.
type DaytonaRunner struct {
	executor *daytonaExecutor
	config   *Config
}

// NewDaytonaRunner creates a command runner using the Daytona backend.
func NewDaytonaRunner(cfg DaytonaConfig, opts DaytonaRunnerOptions) (*DaytonaRunner, error) {
	config := &Config{
		Backend:         BackendDaytona,
		PoolSize:        1,
		MaxPoolSize:     1,
		DefaultTimeout:  30 * time.Second,
		DefaultCPU:      1000,
		DefaultMemory:   512,
		NetworkEnabled:  opts.NetworkEnabled,
		WorkspaceAccess: WorkspaceReadOnly,
		Daytona:         &cfg,
	}

	if opts.DefaultTimeout > 0 {
		config.DefaultTimeout = opts.DefaultTimeout
	}
	if opts.DefaultCPU > 0 {
		config.DefaultCPU = opts.DefaultCPU
	}
	if opts.DefaultMemoryMB > 0 {
		config.DefaultMemory = opts.DefaultMemoryMB
	}
	if opts.WorkspaceAccess != "" {
		config.WorkspaceAccess = opts.WorkspaceAccess
	}

	resolved, err := resolveDaytonaConfig(config.Daytona)
	if err != nil {
		return nil, err
	}
	config.Daytona = resolved
	client, err := newDaytonaClient(resolved)
	if err != nil {
		return nil, err
	}
	config.daytonaClient = client

	executor, err := newDaytonaExecutor("nodejs", config)
	if err != nil {
		return nil, err
	}

	return &DaytonaRunner{
		executor: executor,
		config:   config,
	}, nil
}

// DaytonaSession is the exported handle to a live sandbox run directory.
// It satisfies codeexec's Worker interface structurally.
type DaytonaSession struct {
	inner *daytonaSession
}

// OpenSession provisions a sandbox and run directory, optionally seeded from
// a local workspace directory, and returns a handle for file-mediated RPC.
func (r *DaytonaRunner) OpenSession(ctx context.Context, workspace string, params *ExecuteParams) (*DaytonaSession, error) {
	if r == nil || r.executor == nil {
		return nil, errors.New("daytona runner not initialized")
	}
	if params == nil {
		params = &ExecuteParams{
			Timeout:         int(r.config.DefaultTimeout.Seconds()),
			CPULimit:        r.config.DefaultCPU,
			MemLimit:        r.config.DefaultMemory,
			WorkspaceAccess: r.config.WorkspaceAccess,
		}
	}
	if params.Timeout <= 0 {
		params.Timeout = int(r.config.DefaultTimeout.Seconds())
	}
	if params.CPULimit <= 0 {
		params.CPULimit = r.config.DefaultCPU
	}
	if params.MemLimit <= 0 {
		params.MemLimit = r.config.DefaultMemory
	}
	if params.WorkspaceAccess == "" {
		params.WorkspaceAccess = r.config.WorkspaceAccess
	}

	session, err := r.executor.OpenSession(ctx, params, workspace)
	if err != nil {
		return nil, err
	}
	return &DaytonaSession{inner: session}, nil
}

// WriteFile writes content to a path relative to the session's run
// directory.
func (s *DaytonaSession) WriteFile(ctx context.Context, relPath string, data []byte) error {
	return s.inner.WriteFile(ctx, relPath, data)
}

// ReadFile reads content from a path relative to the run directory.
func (s *DaytonaSession) ReadFile(ctx context.Context, relPath string) ([]byte, error) {
	return s.inner.ReadFile(ctx, relPath)
}

// Exists reports whether a path relative to the run directory exists.
func (s *DaytonaSession) Exists(ctx context.Context, relPath string) (bool, error) {
	return s.inner.Exists(ctx, relPath)
}

// Delete removes a path relative to the run directory.
func (s *DaytonaSession) Delete(ctx context.Context, relPath string) error {
	return s.inner.Delete(ctx, relPath)
}

// ListFiles lists file names directly inside the run directory matching a
// shell glob.
func (s *DaytonaSession) ListFiles(ctx context.Context, glob string) ([]string, error) {
	return s.inner.ListFiles(ctx, glob)
}

// StartBackground launches command in the run directory without blocking.
func (s *DaytonaSession) StartBackground(ctx context.Context, command string) error {
	return s.inner.StartBackground(ctx, command)
}

// Close tears down the session's run directory and, for non-reused
// sandboxes, the sandbox itself.
func (s *DaytonaSession) Close() error {
	s.inner.Close()
	return nil
}

// Close releases any retained Daytona sandboxes.
func (r *DaytonaRunner) Close() error {
	if r == nil || r.executor == nil {
		return nil
	}
	return r.executor.Close()
}
