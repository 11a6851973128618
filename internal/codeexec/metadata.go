package codeexec

import "time"

// ExecutionMetadata is the structured envelope returned alongside a
// code_execution result: counts, tools touched, and the savings breakdown,
// matching the metadata object the host route returns upstream.
type ExecutionMetadata struct {
	ToolCallCount           int              `json:"toolCallCount"`
	LocalToolCallCount      int              `json:"localToolCallCount"`
	MCPToolCallCount        int              `json:"mcpToolCallCount"`
	IntermediateTokensSaved int              `json:"intermediateTokensSaved"`
	TotalTokensSaved        int              `json:"totalTokensSaved"`
	TokenSavingsBreakdown   SavingsBreakdown `json:"tokenSavingsBreakdown"`
	SavingsExplanation      string           `json:"savingsExplanation"`
	ToolsUsed               []string         `json:"toolsUsed"`
	MCPToolsUsed            []string         `json:"mcpToolsUsed"`
	LocalToolsUsed          []string         `json:"localToolsUsed"`
	ExecutionTimeMs         int64            `json:"executionTimeMs"`
	SandboxToolCalls        []ToolCallRecord `json:"sandboxToolCalls"`
}

// BuildExecutionMetadata assembles the metadata envelope for one
// code_execution run from its tool-call records and the computed savings
// breakdown. ToolCallCount always equals len(calls) == LocalToolCallCount +
// MCPToolCallCount (testable invariant #1); the three *Used sets are
// deduplicated but otherwise unordered.
func BuildExecutionMetadata(calls []ToolCallRecord, breakdown SavingsBreakdown, elapsed time.Duration) ExecutionMetadata {
	var localCount, mcpCount int
	var toolsUsed, localUsed, mcpUsed []string
	seen := make(map[string]bool)
	seenLocal := make(map[string]bool)
	seenMCP := make(map[string]bool)

	for _, call := range calls {
		if call.IsMCP {
			mcpCount++
			if !seenMCP[call.ToolName] {
				seenMCP[call.ToolName] = true
				mcpUsed = append(mcpUsed, call.ToolName)
			}
		} else {
			localCount++
			if !seenLocal[call.ToolName] {
				seenLocal[call.ToolName] = true
				localUsed = append(localUsed, call.ToolName)
			}
		}
		if !seen[call.ToolName] {
			seen[call.ToolName] = true
			toolsUsed = append(toolsUsed, call.ToolName)
		}
	}

	return ExecutionMetadata{
		ToolCallCount:           len(calls),
		LocalToolCallCount:      localCount,
		MCPToolCallCount:        mcpCount,
		IntermediateTokensSaved: breakdown.IntermediateResultTokens,
		TotalTokensSaved:        breakdown.TotalTokens,
		TokenSavingsBreakdown:   breakdown,
		SavingsExplanation:      breakdown.Summary,
		ToolsUsed:               toolsUsed,
		MCPToolsUsed:            mcpUsed,
		LocalToolsUsed:          localUsed,
		ExecutionTimeMs:         elapsed.Milliseconds(),
		SandboxToolCalls:        calls,
	}
}
