package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/lmdrive/internal/budget"
	"github.com/hyperifyio/lmdrive/internal/lmstudio"
	"github.com/hyperifyio/lmdrive/internal/normalize"
)

const (
	// perEntryCharCap bounds one rendered message inside the summary prompt.
	perEntryCharCap = 2200
	// Aggregate character budget bounds for the rendered transcript.
	minRenderChars = 8_000
	maxRenderChars = 50_000

	olderHistoryMarker  = "[Older history truncated]"
	summarySystemPrefix = "Conversation summary so far:\n\n"

	summaryInstruction = "Summarize the conversation transcript provided by the user. " +
		"Preserve stated facts, decisions made, tool results that matter, open tasks, " +
		"and the user's goal. Be concise and factual. Do not invent information and " +
		"do not answer the user's latest message."
)

// compressHistory implements token-saver mode: render the prior turns into one
// text block, ask the model for a summary at low temperature, and replace the
// history with [summary system message, last user message]. Any failure falls
// back to the context-window truncated history instead of failing the request.
func compressHistory(ctx context.Context, client Client, model string, settings *Settings, history, fallback []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(history) < 2 {
		return fallback
	}
	last := history[len(history)-1]
	if last.Role != openai.ChatMessageRoleUser {
		return fallback
	}

	rendered := renderTranscript(history[:len(history)-1], settings.ContextLimit)

	temp := 0.1
	topP := 0.9
	contextLimit := settings.ContextLimit
	if contextLimit < 512 {
		contextLimit = 512
	}
	req := lmstudio.ChatRequest{
		Model:       model,
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   budget.ClampInt(contextLimit/4, 192, 1024),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summaryInstruction},
			{Role: openai.ChatMessageRoleUser, Content: rendered},
		},
	}
	body, err := client.ChatCompletion(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("history summary failed; using truncated history")
		if lmstudio.IsTimeout(err) {
			if rerr := client.Recover(ctx, model); rerr != nil {
				log.Warn().Err(rerr).Msg("endpoint recovery after summary timeout failed")
			}
		}
		return fallback
	}
	summary := strings.TrimSpace(normalize.Response(body).Content)
	if summary == "" {
		return fallback
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrefix + summary},
		last,
	}
}

// renderTranscript flattens messages into one block, one entry per message,
// newest entries kept when the aggregate character budget runs out.
func renderTranscript(messages []openai.ChatCompletionMessage, contextLimit int) string {
	charBudget := budget.ClampInt(int(2.5*float64(contextLimit)*budget.AvgCharsPerToken), minRenderChars, maxRenderChars)

	entries := make([]string, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, renderEntry(m))
	}

	// Keep the newest entries; truncate oldest content first.
	total := 0
	start := len(entries)
	for start > 0 && total+len(entries[start-1])+1 <= charBudget {
		total += len(entries[start-1]) + 1
		start--
	}
	kept := entries[start:]
	var b strings.Builder
	if start > 0 {
		b.WriteString(olderHistoryMarker)
		b.WriteString("\n")
	}
	for i, e := range kept {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e)
	}
	return b.String()
}

func renderEntry(m openai.ChatCompletionMessage) string {
	prefix := m.Role
	if m.Role == openai.ChatMessageRoleTool {
		prefix = "tool:" + m.Name
	}
	content := m.Content
	if len(content) > perEntryCharCap {
		omitted := len(content) - perEntryCharCap
		content = content[:perEntryCharCap] + fmt.Sprintf("...[%d chars omitted]", omitted)
	}
	return prefix + ": " + content
}
