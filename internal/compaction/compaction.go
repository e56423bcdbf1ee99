// Package compaction folds the older part of a run transcript into a single
// summary message once the estimated prompt size crosses the configured
// threshold. The retained tail is never rewritten; the summary is inserted
// causally before it.
package compaction

import (
	"strings"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/llm"
)

// perMessageOverhead approximates the framing cost (role, separators, tool
// metadata) each message adds on top of its content.
const perMessageOverhead = 32

// EstimateMessage approximates the token cost of one message: content runes
// divided by four, plus fixed framing overhead, plus the serialized tool
// calls it carries.
func EstimateMessage(m llm.Message) int {
	n := len([]rune(m.Content))/4 + perMessageOverhead
	for _, tc := range m.ToolCalls {
		n += len([]rune(tc.ArgumentsJSON))/4 + len([]rune(tc.Name))/4
	}
	return n
}

// EstimateTokens approximates the prompt cost of a full transcript.
func EstimateTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

// Result reports one compaction pass.
type Result struct {
	// Compacted is false when the transcript was already under threshold.
	Compacted bool

	Messages []llm.Message

	EstimatedBefore int
	EstimatedAfter  int

	// Summary is the synthesized summary message content.
	Summary string
	// FoldedCount is the number of messages folded into the summary.
	FoldedCount int
}

// Compact runs one threshold check over the transcript. Under threshold it
// returns the input untouched. Over threshold it keeps leading system
// messages and the most recent CompactKeepTail messages, and folds everything
// between them into one summary message placed before the tail.
//
// forced skips the threshold check and folds whenever anything is foldable:
// the model endpoint rejected the prompt as too long, so the local estimate
// has already been proven wrong and must not gate the recovery.
func Compact(messages []llm.Message, limits config.Limits, forced bool) Result {
	limits = limits.Normalized()
	before := EstimateTokens(messages)
	out := Result{Messages: messages, EstimatedBefore: before, EstimatedAfter: before}
	if !forced && before <= limits.CompactThresholdTokens {
		return out
	}

	// Leading system messages anchor the run instructions and survive as-is.
	head := 0
	for head < len(messages) && messages[head].Role == llm.RoleSystem {
		head++
	}

	tailStart := len(messages) - limits.CompactKeepTail
	if tailStart < head {
		tailStart = head
	}
	folded := messages[head:tailStart]
	if len(folded) == 0 {
		// Nothing foldable: the tail alone exceeds the threshold.
		return out
	}

	summary := Summarize(folded)
	compacted := make([]llm.Message, 0, head+1+len(messages)-tailStart)
	compacted = append(compacted, messages[:head]...)
	compacted = append(compacted, llm.Message{
		Role:    llm.RoleUser,
		Content: "Conversation summary (earlier steps were compacted):\n" + summary,
	})
	compacted = append(compacted, messages[tailStart:]...)

	return Result{
		Compacted:       true,
		Messages:        compacted,
		EstimatedBefore: before,
		EstimatedAfter:  EstimateTokens(compacted),
		Summary:         summary,
		FoldedCount:     len(folded),
	}
}

// Summarize folds messages into a bulleted digest. Tool traffic is reduced
// to the call shape and a clipped result; long free text is clipped.
func Summarize(messages []llm.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleAssistant:
			if txt := clip(m.Content, 160); txt != "" {
				lines = append(lines, "- Assistant: "+txt)
			}
			for _, tc := range m.ToolCalls {
				lines = append(lines, "- Called "+tc.Name+"("+clip(tc.ArgumentsJSON, 120)+")")
			}
		case llm.RoleTool:
			name := strings.TrimSpace(m.ToolName)
			if name == "" {
				name = "tool"
			}
			lines = append(lines, "- Result of "+name+": "+clip(m.Content, 140))
		default:
			if txt := clip(m.Content, 160); txt != "" {
				lines = append(lines, "- User: "+txt)
			}
		}
	}
	if len(lines) == 0 {
		return "(no substantive earlier activity)"
	}
	return strings.Join(lines, "\n")
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + " ..."
}
