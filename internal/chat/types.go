// Package chat owns the conversation data model and the tool-use
// orchestration loop that drives a local inference endpoint to a final answer.
package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/lmdrive/internal/budget"
	"github.com/hyperifyio/lmdrive/internal/lmstudio"
)

// Message is one conversation entry. Conversations and their messages are
// owned by the caller; the engine never mutates them and builds its own local
// wire list per request.
type Message struct {
	ID         string
	Role       string
	Content    string
	Timestamp  time.Time
	TokenCount int
	Meta       map[string]any

	// Tool plumbing: result messages carry the id of the originating call,
	// assistant messages may carry an ordered list of requested calls.
	ToolCallID string
	Name       string
	ToolCalls  []openai.ToolCall
}

// NewMessage builds a caller-side message with a fresh id, timestamp, and
// token estimate.
func NewMessage(role, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		Timestamp:  time.Now(),
		TokenCount: budget.EstimateTokens(content),
	}
}

func (m Message) wire() openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
}

// Conversation is an ordered message sequence plus the target model and
// per-conversation setting overrides.
type Conversation struct {
	ID       string
	Model    string
	Settings *Settings
	Messages []Message
}

func wireMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.wire())
	}
	return out
}

// Settings is the recognized bag of sampling and behavior knobs. Sampling
// fields are forwarded verbatim to the model; nil pointers mean "endpoint
// default".
type Settings struct {
	Temperature       *float64
	TopP              *float64
	RepetitionPenalty *float64
	PresencePenalty   *float64
	FrequencyPenalty  *float64
	MaxTokens         int
	Seed              *int
	Stop              []string

	SystemPrompt string
	ContextLimit int
	TokenSaver   bool

	Tools      []openai.Tool
	ToolChoice any
}

// apply copies the sampling knobs onto a request.
func (s *Settings) apply(req *lmstudio.ChatRequest) {
	if s == nil {
		return
	}
	req.Temperature = s.Temperature
	req.TopP = s.TopP
	req.RepetitionPenalty = s.RepetitionPenalty
	req.PresencePenalty = s.PresencePenalty
	req.FrequencyPenalty = s.FrequencyPenalty
	req.MaxTokens = s.MaxTokens
	req.Seed = s.Seed
	req.Stop = s.Stop
}

// Client abstracts the endpoint transport for testability. *lmstudio.Client
// satisfies it.
type Client interface {
	Probe(ctx context.Context) error
	ChatCompletion(ctx context.Context, req lmstudio.ChatRequest) ([]byte, error)
	StreamChatCompletion(ctx context.Context, req lmstudio.ChatRequest, onDelta func(string)) (text, finishReason string, err error)
	Recover(ctx context.Context, model string) error
	Cancelled() bool
}
