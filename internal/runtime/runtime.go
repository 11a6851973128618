// Package runtime wires the programmatic tool-calling stack together: a
// tool registry, the sandbox executor, the MCP bridge, the code_execution
// Caller, and the session/job stores that give a host process a record of
// what ran. cmd/progrun is the thin CLI shell around this package.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/progrun/internal/agent"
	"github.com/haasonsaas/progrun/internal/codeexec"
	"github.com/haasonsaas/progrun/internal/config"
	agentctx "github.com/haasonsaas/progrun/internal/context"
	"github.com/haasonsaas/progrun/internal/jobs"
	"github.com/haasonsaas/progrun/internal/mcp"
	"github.com/haasonsaas/progrun/internal/observability"
	"github.com/haasonsaas/progrun/internal/sessions"
	execTool "github.com/haasonsaas/progrun/internal/tools/exec"
	"github.com/haasonsaas/progrun/internal/tools/files"
	"github.com/haasonsaas/progrun/internal/tools/sandbox"
	"github.com/haasonsaas/progrun/internal/tools/sandbox/firecracker"
	"github.com/haasonsaas/progrun/pkg/models"
)

// Prometheus collectors register against the global default registerer, and
// a process only gets to register each metric name once. New is safe to call
// more than once per process (every test in this package does), so the
// Metrics instance is built once and shared across every Runtime.
var (
	metricsOnce   sync.Once
	sharedMetrics *observability.Metrics
)

func processMetrics() *observability.Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = observability.NewMetrics()
	})
	return sharedMetrics
}

// Runtime bundles the components a program execution needs: the registry of
// callable tools (local and MCP), the sandboxed Caller that runs generated
// programs against them, and the stores that persist what happened.
type Runtime struct {
	Registry *agent.ToolRegistry
	Bridge   *codeexec.Bridge
	Caller   *codeexec.Caller
	Filter   *codeexec.ContextFilter
	Sessions sessions.Store
	Jobs     jobs.Store

	// MCP is nil unless the config enabled at least one MCP server; its
	// tools are already registered in Registry and wrapped into Bridge by
	// the time New returns.
	MCP *mcp.Manager

	// Window tracks the host conversation's estimated token usage across
	// code_execution calls, independent of the per-execution savings the
	// Caller reports; it is what a caller consults before deciding whether
	// the session needs compaction.
	Window *agentctx.Window

	Log     *observability.Logger
	Metrics *observability.Metrics

	// Events records a run-level timeline (start/end/error) independent of
	// the bridge's own per-call tool-call records, so a host can replay what
	// happened across an entire RunProgram call after the fact.
	Events *observability.EventRecorder
}

// New builds a Runtime from a loaded Config. Local filesystem tools are
// scoped to cfg.Workspace.Path; the sandbox executor and code_execution
// worker backend are selected from cfg.Tools.Sandbox.Backend ("local" when
// unset, which runs generated programs as plain OS subprocesses instead of
// a remote Daytona/Firecracker session). When cfg.MCP.Enabled, New connects
// to every configured server up front so its tools are bindable from the
// first generated program.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	registry := agent.NewToolRegistry()

	filesCfg := files.Config{Workspace: cfg.Workspace.Path, MaxReadBytes: 0}
	registry.Register(files.NewReadTool(filesCfg))
	registry.Register(files.NewWriteTool(filesCfg))
	registry.Register(files.NewEditTool(filesCfg))
	registry.Register(files.NewApplyPatchTool(filesCfg))
	registry.Register(execTool.NewExecTool("exec", execTool.NewManager(cfg.Workspace.Path)))

	if cfg.Tools.Sandbox.Enabled {
		// Best-effort: the pool itself falls back to Docker when the
		// firecracker backend was never initialized or the host lacks KVM.
		if cfg.Tools.Sandbox.Backend == "firecracker" {
			_ = initFirecrackerBackend()
		}

		opts := []sandbox.Option{
			sandbox.WithWorkspaceRoot(cfg.Workspace.Path),
		}
		if backend := sandboxBackend(cfg.Tools.Sandbox.Backend); backend != "" {
			opts = append(opts, sandbox.WithBackend(backend))
		}
		if cfg.Tools.Sandbox.PoolSize > 0 {
			opts = append(opts, sandbox.WithPoolSize(cfg.Tools.Sandbox.PoolSize))
		}
		if cfg.Tools.Sandbox.MaxPoolSize > 0 {
			opts = append(opts, sandbox.WithMaxPoolSize(cfg.Tools.Sandbox.MaxPoolSize))
		}
		if cfg.Tools.Sandbox.Timeout > 0 {
			opts = append(opts, sandbox.WithDefaultTimeout(cfg.Tools.Sandbox.Timeout))
		}
		opts = append(opts, sandbox.WithNetworkEnabled(cfg.Tools.Sandbox.NetworkEnabled))
		if err := sandbox.Register(registry, opts...); err != nil {
			return nil, fmt.Errorf("register sandbox executor: %w", err)
		}
	}

	var mcpManager *mcp.Manager
	mcpTools := map[string]codeexec.MCPRawCaller{}
	if cfg.MCP.Enabled {
		mcpManager = mcp.NewManager(&cfg.MCP, nil)
		if err := mcpManager.Start(ctx); err != nil {
			return nil, fmt.Errorf("start mcp manager: %w", err)
		}
		for _, name := range mcp.RegisterTools(registry, mcpManager) {
			tool, ok := registry.Get(name)
			if !ok {
				continue
			}
			if raw, ok := tool.(codeexec.MCPRawCaller); ok {
				mcpTools[name] = raw
			}
		}
	}
	bridge := codeexec.NewBridge(mcpTools)

	factory, err := workerFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build worker factory: %w", err)
	}
	controller := codeexec.NewController(factory, registry, bridge)
	caller := codeexec.NewCaller(controller, registry, bridge)
	registry.Register(caller.CreateCodeExecutionTool())

	model := ""
	if provider, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok {
		model = provider.DefaultModel
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	return &Runtime{
		Registry: registry,
		Bridge:   bridge,
		Caller:   caller,
		Filter:   codeexec.NewContextFilter(),
		Sessions: sessions.NewMemoryStore(),
		Jobs:     jobs.NewMemoryStore(),
		MCP:      mcpManager,
		Window:   agentctx.NewWindowForModel(model),
		Log:      logger,
		Metrics:  processMetrics(),
		Events:   observability.NewEventRecorder(observability.NewMemoryEventStore(0), logger),
	}, nil
}

// Close releases resources a Runtime holds across its lifetime: the cached
// sandbox worker session and the MCP server connections, when any were
// opened.
func (rt *Runtime) Close() error {
	closeErr := rt.Caller.Close()
	if rt.MCP == nil {
		return closeErr
	}
	if err := rt.MCP.Stop(); err != nil {
		return err
	}
	return closeErr
}

var (
	firecrackerInitOnce sync.Once
	firecrackerInitErr  error
)

// initFirecrackerBackend builds the microVM pool backing the "firecracker"
// sandbox backend and registers it with sandbox.InitFirecrackerBackend. The
// pool is process-wide (sandbox's own lazy-init guard only accepts the
// first caller), so this only ever constructs it once per process.
func initFirecrackerBackend() error {
	firecrackerInitOnce.Do(func() {
		if !firecracker.IsAvailable() {
			firecrackerInitErr = fmt.Errorf("firecracker requirements not met on this host")
			return
		}
		backend, err := firecracker.NewBackendWithOptions()
		if err != nil {
			firecrackerInitErr = fmt.Errorf("build firecracker backend: %w", err)
			return
		}
		sandbox.InitFirecrackerBackend(backend)
	})
	return firecrackerInitErr
}

// sandboxBackend maps the config's backend name to the sandbox package's
// Backend constant, leaving the executor's own default (Docker) in place
// for an empty or unrecognized value.
func sandboxBackend(name string) sandbox.Backend {
	switch name {
	case "docker":
		return sandbox.BackendDocker
	case "firecracker":
		return sandbox.BackendFirecracker
	case "daytona":
		return sandbox.BackendDaytona
	default:
		return ""
	}
}

// workerFactory picks the Worker backend the generated program runs under.
// "local" (the default) needs nothing but a node binary on PATH; "daytona"
// opens a remote sandbox session per execution, configured from
// DAYTONA_* environment variables the same way the execute_code tool's
// own Daytona backend resolves them.
func workerFactory(cfg *config.Config) (codeexec.WorkerFactory, error) {
	switch cfg.Tools.Sandbox.Backend {
	case "daytona":
		runner, err := sandbox.NewDaytonaRunner(sandbox.DaytonaConfig{}, sandbox.DaytonaRunnerOptions{
			DefaultTimeout: cfg.Tools.Sandbox.Timeout,
			NetworkEnabled: cfg.Tools.Sandbox.NetworkEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("create daytona runner: %w", err)
		}
		params := &sandbox.ExecuteParams{Language: "nodejs"}
		return codeexec.NewDaytonaWorkerFactory(runner, cfg.Workspace.Path, params), nil
	default:
		return codeexec.NewLocalWorkerFactory("node"), nil
	}
}

// RunResult is what RunProgram returns: the tool's raw content plus the
// structured execution metadata the code_execution tool attached, if any
// (nil when the tool produced none, e.g. on a transport-level failure).
type RunResult struct {
	Content  string
	Metadata map[string]any
}

// RunProgram executes one code_execution program within sessionKey's
// history: it records a queued Job, appends the resulting tool message
// to session history, and returns the tool's raw content and metadata.
func (rt *Runtime) RunProgram(ctx context.Context, sessionKey, program string) (*RunResult, error) {
	session, err := rt.Sessions.GetOrCreate(ctx, sessionKey, "default", models.ChannelAPI, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	runID := uuid.NewString()
	ctx = observability.AddRunID(ctx, runID)
	ctx = observability.AddSessionID(ctx, session.ID)
	rt.Log.Info(ctx, "starting code_execution run", "session_id", session.ID)
	_ = rt.Events.RecordRunStart(ctx, runID, map[string]interface{}{"session_id": session.ID})

	runStart := time.Now()
	job := &jobs.Job{
		ID:        uuid.NewString(),
		ToolName:  codeexec.CodeExecutionToolName,
		Status:    jobs.StatusRunning,
		CreatedAt: time.Now(),
		StartedAt: time.Now(),
	}
	if err := rt.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}

	tool, ok := rt.Registry.Get(codeexec.CodeExecutionToolName)
	if !ok {
		return nil, fmt.Errorf("code_execution tool not registered")
	}
	args, err := json.Marshal(map[string]string{"code": program})
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	start := time.Now()
	result, err := tool.Execute(ctx, args)
	duration := time.Since(start).Seconds()

	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = jobs.StatusFailed
		job.Error = err.Error()
		_ = rt.Jobs.Update(ctx, job)
		rt.Log.Error(ctx, "code_execution transport error", "job_id", job.ID, "error", err.Error())
		rt.Metrics.RecordToolExecution(codeexec.CodeExecutionToolName, "error", duration)
		_ = rt.Events.RecordRunEnd(ctx, time.Since(runStart), err)
		return nil, err
	}

	var metadata map[string]any
	if len(result.Metadata) > 0 {
		if err := json.Unmarshal(result.Metadata, &metadata); err != nil {
			rt.Log.Warn(ctx, "failed to decode execution metadata", "job_id", job.ID, "error", err.Error())
			metadata = nil
		}
	}

	if result.IsError {
		job.Status = jobs.StatusFailed
		job.Error = result.Content
		rt.Log.Warn(ctx, "code_execution run failed", "job_id", job.ID)
		rt.Metrics.RecordToolExecution(codeexec.CodeExecutionToolName, "error", duration)
	} else {
		job.Status = jobs.StatusSucceeded
		job.Result = &models.ToolResult{Content: result.Content, IsError: result.IsError, Metadata: metadata}
		rt.Log.Info(ctx, "code_execution run succeeded", "job_id", job.ID)
		rt.Metrics.RecordToolExecution(codeexec.CodeExecutionToolName, "success", duration)
	}
	_ = rt.Jobs.Update(ctx, job)

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   models.ChannelAPI,
		Role:      models.RoleTool,
		Content:   result.Content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if err := rt.Sessions.AppendMessage(ctx, session.ID, msg); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	rt.Filter.Admit(codeexec.Message{
		Role:     string(models.RoleTool),
		ToolName: codeexec.CodeExecutionToolName,
		Content:  result.Content,
	})
	rt.Window.AddText(result.Content)

	runResult := &RunResult{Content: result.Content, Metadata: metadata}
	if result.IsError {
		runErr := fmt.Errorf("program failed: %s", result.Content)
		_ = rt.Events.RecordRunEnd(ctx, time.Since(runStart), runErr)
		return runResult, runErr
	}
	_ = rt.Events.RecordRunEnd(ctx, time.Since(runStart), nil)
	return runResult, nil
}
