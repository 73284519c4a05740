// Package budget estimates token usage and truncates conversation history to a
// context limit while preserving the pairing between assistant tool_calls and
// their role=tool result messages.
package budget

import (
	"math"

	openai "github.com/sashabaranov/go-openai"
)

// AvgCharsPerToken is the conservative English-text heuristic used across the
// engine wherever a character budget is derived from a token budget.
const AvgCharsPerToken = 4

// EstimateTokensFromChars converts a character count into an estimated token
// count (~4 chars per token, ceiling for safety). At least 1 when chars > 0.
func EstimateTokensFromChars(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(charCount) / AvgCharsPerToken))
}

// EstimateTokens returns the estimated token count of a string.
func EstimateTokens(s string) int {
	return EstimateTokensFromChars(len(s))
}

// MessageTokens estimates the token cost of one wire message, including the
// arguments of any tool calls it carries.
func MessageTokens(m openai.ChatCompletionMessage) int {
	total := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += EstimateTokens(tc.Function.Name) + EstimateTokens(tc.Function.Arguments)
	}
	return total
}

// Window returns the suffix of messages that fits contextLimit tokens. The
// last message is always included and not counted against the limit, so a
// limit of zero yields only the last message. After the cut, orphaned tool
// messages (whose originating assistant tool_calls fell outside the window)
// are dropped so the list always satisfies the pairing invariant.
func Window(messages []openai.ChatCompletionMessage, contextLimit int) []openai.ChatCompletionMessage {
	if len(messages) == 0 {
		return nil
	}
	if contextLimit < 0 {
		contextLimit = 0
	}
	cut := len(messages) - 1
	used := 0
	for cut > 0 {
		cost := MessageTokens(messages[cut-1])
		if used+cost > contextLimit {
			break
		}
		used += cost
		cut--
	}
	window := append([]openai.ChatCompletionMessage(nil), messages[cut:]...)
	return dropOrphanToolMessages(window)
}

// dropOrphanToolMessages removes role=tool messages that are not covered by a
// preceding assistant message whose tool_calls include their tool_call_id,
// with only tool messages in between.
func dropOrphanToolMessages(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	out := messages[:0]
	pending := map[string]bool{}
	for _, m := range messages {
		switch m.Role {
		case openai.ChatMessageRoleAssistant:
			pending = map[string]bool{}
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
			out = append(out, m)
		case openai.ChatMessageRoleTool:
			if pending[m.ToolCallID] {
				out = append(out, m)
			}
		default:
			pending = map[string]bool{}
			out = append(out, m)
		}
	}
	return out
}

// ClampInt bounds v into [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
