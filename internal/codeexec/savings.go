package codeexec

import (
	"encoding/json"
	"fmt"
)

// DefaultBaseContextTokens is the assumed per-round-trip context overhead
// (system prompt + conversation history) a normal one-tool-call-per-turn
// agent loop would have paid, absent programmatic tool calling.
const DefaultBaseContextTokens = 7000

// unknownResultTokens is the token estimate used whenever a tool result
// can't be measured directly (it failed to marshal, or wasn't captured).
const unknownResultTokens = 50

// toolCallOverheadTokens is the fixed per-call protocol overhead (the tool
// name, call id, and request/response envelope framing) one ordinary tool
// call would cost.
const toolCallOverheadTokens = 40

// llmDecisionTokens is the token cost of the LLM having to decide what to
// call next, paid once per round trip after the first.
const llmDecisionTokens = 80

// SavingsBreakdown is the four-category accounting of how many tokens a
// programmatic execution avoided compared to one tool call per LLM turn.
// Field tags match the metadata envelope returned to upstream callers:
// intermediateResults + roundTripContext + toolCallOverhead + llmDecisions
// sums to totalTokensSaved (as asserted by the accounting invariant).
type SavingsBreakdown struct {
	IntermediateResultTokens int    `json:"intermediateResults"`
	RoundTripContextTokens   int    `json:"roundTripContext"`
	ToolCallOverheadTokens   int    `json:"toolCallOverhead"`
	LLMDecisionTokens        int    `json:"llmDecisions"`
	TotalTokens              int    `json:"totalTokens"`
	Summary                  string `json:"summary"`
}

// SavingsAccountant computes SavingsBreakdown for a set of tool calls made
// during one program execution.
type SavingsAccountant struct {
	baseContextTokens int
}

// NewSavingsAccountant constructs an accountant using the default base
// context token estimate.
func NewSavingsAccountant() *SavingsAccountant {
	return &SavingsAccountant{baseContextTokens: DefaultBaseContextTokens}
}

// WithBaseContextTokens overrides the assumed per-round-trip context size.
func (a *SavingsAccountant) WithBaseContextTokens(n int) *SavingsAccountant {
	a.baseContextTokens = n
	return a
}

func estimateTokens(v any) int {
	if v == nil {
		return 0
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return unknownResultTokens
	}
	if len(payload) == 0 {
		return 0
	}
	return (len(payload) + 3) / 4
}

// Compute calculates the savings breakdown for the tool calls one program
// execution made. A single call (or none) saves nothing, since there was no
// round trip to avoid.
func (a *SavingsAccountant) Compute(calls []ToolCallRecord) SavingsBreakdown {
	n := len(calls)
	if n <= 1 {
		return SavingsBreakdown{Summary: "No savings (single tool call)"}
	}

	intermediate := 0
	for _, call := range calls {
		if call.Result != nil {
			intermediate += estimateTokens(call.Result)
		} else {
			intermediate += unknownResultTokens
		}
	}

	roundTrip := 0
	priorResultSizes := 0
	for i := 0; i < n-1; i++ {
		roundTrip += a.baseContextTokens + priorResultSizes
		size := unknownResultTokens
		if calls[i].Result != nil {
			size = estimateTokens(calls[i].Result)
		}
		priorResultSizes += size
	}

	overhead := toolCallOverheadTokens * n
	decision := llmDecisionTokens * (n - 1)
	total := intermediate + roundTrip + overhead + decision

	localCount, mcpCount := 0, 0
	for _, call := range calls {
		if call.IsMCP {
			mcpCount++
		} else {
			localCount++
		}
	}

	summary := fmt.Sprintf(
		"Executed %d tool calls (%d local, %d MCP); saved ~%d tokens (intermediate %d, round-trip %d, overhead %d, decision %d)",
		n, localCount, mcpCount, total, intermediate, roundTrip, overhead, decision,
	)

	return SavingsBreakdown{
		IntermediateResultTokens: intermediate,
		RoundTripContextTokens:   roundTrip,
		ToolCallOverheadTokens:   overhead,
		LLMDecisionTokens:        decision,
		TotalTokens:              total,
		Summary:                  summary,
	}
}
