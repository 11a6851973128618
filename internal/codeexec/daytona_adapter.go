package codeexec

import (
	"context"

	"github.com/haasonsaas/progrun/internal/tools/sandbox"
)

// NewDaytonaWorkerFactory adapts a sandbox.DaytonaRunner into a
// WorkerFactory: each call opens a fresh sandbox session, optionally seeded
// from a local workspace directory, that satisfies the Worker interface.
func NewDaytonaWorkerFactory(runner *sandbox.DaytonaRunner, workspace string, params *sandbox.ExecuteParams) WorkerFactory {
	return func(ctx context.Context) (Worker, error) {
		session, err := runner.OpenSession(ctx, workspace, params)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}
