package budget

import (
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty = %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("abcd = %d, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("abcde = %d, want 2 (ceiling)", got)
	}
}

func TestWindow_ZeroLimitKeepsOnlyLast(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "first"},
		{Role: openai.ChatMessageRoleAssistant, Content: "second"},
		{Role: openai.ChatMessageRoleUser, Content: "last"},
	}
	got := Window(msgs, 0)
	if len(got) != 1 || got[0].Content != "last" {
		t.Fatalf("Window(0) = %+v", got)
	}
}

func TestWindow_KeepsToolPairWhenItFits(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "q"},
		{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "",
			ToolCalls: []openai.ToolCall{{
				ID:       "c1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "search", Arguments: `{"q":"x"}`},
			}},
		},
		{Role: openai.ChatMessageRoleTool, ToolCallID: "c1", Name: "search", Content: "found"},
		{Role: openai.ChatMessageRoleUser, Content: "and now?"},
	}
	got := Window(msgs, 1000)
	if len(got) != 4 {
		t.Fatalf("expected all messages kept, got %+v", got)
	}
}

func TestWindow_DropsOrphanToolMessage(t *testing.T) {
	long := strings.Repeat("x", 400)
	msgs := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "c1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "search", Arguments: long},
			}},
		},
		{Role: openai.ChatMessageRoleTool, ToolCallID: "c1", Name: "search", Content: "ok"},
		{Role: openai.ChatMessageRoleUser, Content: "next"},
	}
	// Budget admits the tool result but not the assistant that requested it.
	got := Window(msgs, 5)
	for _, m := range got {
		if m.Role == openai.ChatMessageRoleTool {
			t.Fatalf("orphan tool message survived: %+v", got)
		}
	}
	if len(got) != 1 || got[0].Content != "next" {
		t.Fatalf("window = %+v", got)
	}
}

func TestWindow_Empty(t *testing.T) {
	if got := Window(nil, 100); got != nil {
		t.Fatalf("Window(nil) = %+v", got)
	}
}

func TestClampInt(t *testing.T) {
	if got := ClampInt(5, 10, 20); got != 10 {
		t.Fatalf("low clamp = %d", got)
	}
	if got := ClampInt(25, 10, 20); got != 20 {
		t.Fatalf("high clamp = %d", got)
	}
	if got := ClampInt(15, 10, 20); got != 15 {
		t.Fatalf("in range = %d", got)
	}
}
