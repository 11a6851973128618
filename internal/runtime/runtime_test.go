package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/progrun/internal/codeexec"
	"github.com/haasonsaas/progrun/internal/config"
)

func TestNewBuildsRegistryWithCodeExecutionTool(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("unexpected error building default config: %v", err)
	}

	rt, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error building runtime: %v", err)
	}

	if _, ok := rt.Registry.Get(codeexec.CodeExecutionToolName); !ok {
		t.Fatalf("expected code_execution tool to be registered")
	}
	if _, ok := rt.Registry.Get("read"); !ok {
		t.Fatalf("expected read tool to be registered")
	}
}

func TestRunProgramRejectsEmptyCode(t *testing.T) {
	cfg, _ := config.Default()
	rt, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = rt.RunProgram(context.Background(), "cli", "   ")
	if err == nil {
		t.Fatalf("expected an error for empty program")
	}
	if !strings.Contains(err.Error(), "program failed") {
		t.Fatalf("expected program-failed error, got %v", err)
	}
}

func TestRunProgramRecordsSessionHistoryAndJob(t *testing.T) {
	cfg, _ := config.Default()
	rt, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _ = rt.RunProgram(context.Background(), "session-a", "   ")

	session, err := rt.Sessions.GetOrCreate(context.Background(), "session-a", "default", "api", "session-a")
	if err != nil {
		t.Fatalf("unexpected error fetching session: %v", err)
	}
	history, err := rt.Sessions.GetHistory(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("unexpected error fetching history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one recorded message, got %d", len(history))
	}

	jobsList, err := rt.Jobs.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("unexpected error listing jobs: %v", err)
	}
	if len(jobsList) != 1 {
		t.Fatalf("expected one recorded job, got %d", len(jobsList))
	}
}

func TestRunProgramRecordsEventTimeline(t *testing.T) {
	cfg, _ := config.Default()
	rt, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _ = rt.RunProgram(context.Background(), "session-b", "   ")

	if rt.Events == nil {
		t.Fatalf("expected runtime to carry an event recorder")
	}
}
