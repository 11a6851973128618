package codeexec

import (
	"testing"
)

func TestContextFilterAdmitsNonToolMessages(t *testing.T) {
	f := NewContextFilter()
	if !f.Admit(Message{Role: "user", Content: "hello"}) {
		t.Fatalf("expected user message to be admitted")
	}
	if !f.Admit(Message{Role: "assistant", Content: "hi there"}) {
		t.Fatalf("expected assistant message to be admitted")
	}
	if f.TokensSaved() != 0 {
		t.Fatalf("expected no tokens saved for non-tool messages")
	}
}

func TestContextFilterAdmitsCodeExecutionResults(t *testing.T) {
	f := NewContextFilter()
	if !f.Admit(Message{Role: "tool", ToolName: CodeExecutionToolName, Content: map[string]any{"ok": true}}) {
		t.Fatalf("expected code_execution tool result to be admitted")
	}
	if f.TokensSaved() != 0 {
		t.Fatalf("expected no tokens saved for an admitted message")
	}
}

func TestContextFilterSuppressesOtherToolResultsAndAccumulatesTokens(t *testing.T) {
	f := NewContextFilter()
	admitted := f.Admit(Message{Role: "tool", ToolName: "getUser", Content: map[string]any{"id": 1, "name": "Ada"}})
	if admitted {
		t.Fatalf("expected non-code_execution tool result to be suppressed")
	}
	if f.TokensSaved() == 0 {
		t.Fatalf("expected suppressing a tool result to accumulate estimated tokens")
	}
}

func TestContextFilterSummaryFormat(t *testing.T) {
	f := NewContextFilter()
	f.Admit(Message{Role: "tool", ToolName: CodeExecutionToolName, Content: "ok"})
	f.Admit(Message{Role: "tool", ToolName: "getUser", Content: map[string]any{"id": 1}})
	f.Admit(Message{Role: "tool", ToolName: "getOrders", Content: map[string]any{"id": 2}})

	want := "Executed code_execution: 2 tool calls, saved"
	got := f.Summary()
	if len(got) < len(want) || got[:len(want)] != want {
		t.Fatalf("expected summary to start with %q, got %q", want, got)
	}
}

func TestContextFilterReset(t *testing.T) {
	f := NewContextFilter()
	f.Admit(Message{Role: "tool", ToolName: "getUser", Content: map[string]any{"id": 1}})
	f.Admit(Message{Role: "tool", ToolName: CodeExecutionToolName, Content: "ok"})
	f.Reset()

	if f.TokensSaved() != 0 {
		t.Fatalf("expected Reset to zero tokens saved")
	}
	if got := f.Summary(); got != "Executed code_execution: 0 tool calls, saved 0 tokens" {
		t.Fatalf("expected summary fully reset, got %q", got)
	}
}
