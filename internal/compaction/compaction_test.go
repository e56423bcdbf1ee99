package compaction

import (
	"strings"
	"testing"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/llm"
)

func bulkMessages(n int, payload string) []llm.Message {
	out := []llm.Message{{Role: llm.RoleSystem, Content: "You are a task runner."}}
	role := llm.RoleUser
	for i := 0; i < n; i++ {
		out = append(out, llm.Message{Role: role, Content: payload})
		if role == llm.RoleUser {
			role = llm.RoleAssistant
		} else {
			role = llm.RoleUser
		}
	}
	return out
}

func TestUnderThresholdIsNoOp(t *testing.T) {
	t.Parallel()

	msgs := bulkMessages(4, "short")
	res := Compact(msgs, config.Limits{CompactThresholdTokens: 100000, CompactKeepTail: 4}, false)
	if res.Compacted {
		t.Fatalf("compacted under threshold")
	}
	if len(res.Messages) != len(msgs) {
		t.Fatalf("messages=%d, want untouched %d", len(res.Messages), len(msgs))
	}
}

func TestCompactKeepsTailAndShrinks(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("progress notes ", 200)
	msgs := bulkMessages(12, payload)
	limits := config.Limits{CompactThresholdTokens: 2000, CompactKeepTail: 4}

	res := Compact(msgs, limits, false)
	if !res.Compacted {
		t.Fatalf("expected compaction, estimate=%d", res.EstimatedBefore)
	}
	// system + summary + tail of 4.
	if len(res.Messages) != 6 {
		t.Fatalf("messages=%d, want 6", len(res.Messages))
	}
	if res.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("system anchor lost")
	}
	if !strings.Contains(res.Messages[1].Content, "summary") {
		t.Fatalf("summary not placed before the tail: %q", res.Messages[1].Content)
	}
	// Tail content is carried over verbatim.
	for i := 0; i < 4; i++ {
		if res.Messages[2+i].Content != msgs[len(msgs)-4+i].Content {
			t.Fatalf("tail message %d rewritten", i)
		}
	}
	if res.EstimatedAfter >= res.EstimatedBefore {
		t.Fatalf("estimate did not shrink: before=%d after=%d", res.EstimatedBefore, res.EstimatedAfter)
	}
	if res.FoldedCount != 8 {
		t.Fatalf("FoldedCount=%d, want 8", res.FoldedCount)
	}
}

func TestSummaryCoversToolTraffic(t *testing.T) {
	t.Parallel()

	folded := []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "execute_command", ArgumentsJSON: `{"command":"ls"}`}}},
		{Role: llm.RoleTool, ToolCallID: "c1", ToolName: "execute_command", Content: "main.go  go.mod"},
	}
	summary := Summarize(folded)
	if !strings.Contains(summary, "execute_command") {
		t.Fatalf("summary lost the tool call: %q", summary)
	}
	if !strings.Contains(summary, "main.go") {
		t.Fatalf("summary lost the tool result: %q", summary)
	}
}

func TestNothingFoldableIsNoOp(t *testing.T) {
	t.Parallel()

	// Only the tail exists; there is nothing before it to fold.
	payload := strings.Repeat("x", 8000)
	msgs := bulkMessages(4, payload)
	res := Compact(msgs, config.Limits{CompactThresholdTokens: 100, CompactKeepTail: 4}, false)
	if res.Compacted {
		t.Fatalf("compacted with empty foldable range")
	}
}

func TestForcedCompactsUnderThreshold(t *testing.T) {
	t.Parallel()

	// The endpoint has rejected the prompt; the local estimate is irrelevant
	// and must not block the fold.
	msgs := bulkMessages(8, "short step")
	res := Compact(msgs, config.Limits{CompactThresholdTokens: 100000, CompactKeepTail: 2}, true)
	if !res.Compacted {
		t.Fatalf("forced pass skipped folding, estimate=%d", res.EstimatedBefore)
	}
	// system + summary + tail of 2.
	if len(res.Messages) != 4 {
		t.Fatalf("messages=%d, want 4", len(res.Messages))
	}
	if res.FoldedCount != 6 {
		t.Fatalf("FoldedCount=%d, want 6", res.FoldedCount)
	}
}

func TestForcedWithNothingFoldableIsNoOp(t *testing.T) {
	t.Parallel()

	msgs := bulkMessages(2, "x")
	res := Compact(msgs, config.Limits{CompactThresholdTokens: 100000, CompactKeepTail: 4}, true)
	if res.Compacted {
		t.Fatalf("forced pass folded an empty range")
	}
}

func TestEstimateGrowsWithContent(t *testing.T) {
	t.Parallel()

	small := EstimateTokens([]llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	large := EstimateTokens([]llm.Message{{Role: llm.RoleUser, Content: strings.Repeat("word ", 500)}})
	if small >= large {
		t.Fatalf("estimate not monotonic: small=%d large=%d", small, large)
	}
}
