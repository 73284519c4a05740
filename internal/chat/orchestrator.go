package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/hyperifyio/lmdrive/internal/budget"
	"github.com/hyperifyio/lmdrive/internal/lmstudio"
	"github.com/hyperifyio/lmdrive/internal/normalize"
)

const (
	// DefaultMaxToolRounds bounds model round-trips per Run invocation.
	DefaultMaxToolRounds = 8
	// DefaultSoftToolLimit is how many consecutive tool calls are tolerated
	// before the checkpoint demands a progress decision.
	DefaultSoftToolLimit = 5
	// autoContinueBudget is how many times a length-truncated answer is
	// resumed before returning what accumulated.
	autoContinueBudget = 2
)

const (
	continueNudge = "Continue from where you left off. Do not repeat previous text."

	checkpointInstruction = "You have just received tool results. Decide whether you now have " +
		"enough information to answer the user. Reply with only a JSON object: " +
		`{"enough_information": true or false, "progress_note": "<one sentence: what you learned and what is still missing>"}.`

	checkpointMandatory = " You have made several consecutive tool calls; a progress decision " +
		"is mandatory now. Set enough_information accordingly and justify it in progress_note."

	finalizeNudge = "You have enough information. Answer the user now. Do not call any tools."
)

// Executor resolves one tool call to a string result. Errors are reported to
// the model as tool output; they never abort the loop.
type Executor func(ctx context.Context, name string, args map[string]any) (string, error)

// ToolEvent is the record delivered to the optional tool-event sink after
// each tool execution.
type ToolEvent struct {
	Name      string
	Arguments map[string]any
	Result    string
	Err       string
	Elapsed   time.Duration
}

// Orchestrator runs the multi-round tool-use loop against one endpoint
// client. It is re-entrant across independent conversations: each Run keeps
// its own accumulator, message list, and tool-call counter.
type Orchestrator struct {
	Client   Client
	Executor Executor

	// Optional single-consumer sinks. Panics in either are recovered and
	// logged; they never affect orchestrator state.
	OnToolEvent func(ToolEvent)
	OnTextDelta func(string)

	// Stream enables chunked delivery for rounds with no active tools.
	Stream bool

	// MaxToolRounds is honored exactly: zero fails before any model call.
	MaxToolRounds int
	SoftToolLimit int
}

// New returns an orchestrator with the default round and soft-limit policy.
func New(client Client) *Orchestrator {
	return &Orchestrator{
		Client:        client,
		MaxToolRounds: DefaultMaxToolRounds,
		SoftToolLimit: DefaultSoftToolLimit,
	}
}

// Run drives the conversation to a final answer. Settings fall back to the
// conversation's own when nil. The returned error is one of the boundary
// taxonomy: *lmstudio.ConnectionError, *lmstudio.EndpointError,
// *lmstudio.CancelledError (carrying partial text), *lmstudio.RoundLimitError,
// or the catch-all *lmstudio.Error.
func (o *Orchestrator) Run(ctx context.Context, conv *Conversation, settings *Settings) (string, error) {
	if o.Client == nil {
		return "", &lmstudio.Error{Op: "run", Err: errors.New("nil client")}
	}
	if settings == nil {
		settings = conv.Settings
	}
	if settings == nil {
		settings = &Settings{}
	}
	if o.MaxToolRounds <= 0 {
		return "", &lmstudio.RoundLimitError{Rounds: o.MaxToolRounds}
	}
	softLimit := o.SoftToolLimit
	if softLimit <= 0 {
		softLimit = DefaultSoftToolLimit
	}

	if err := o.Client.Probe(ctx); err != nil {
		return "", err
	}

	messages := o.buildMessages(ctx, conv, settings)

	tools := dedupeTools(settings.Tools)
	toolChoice := settings.ToolChoice
	if len(tools) > 0 {
		if toolChoice == nil {
			toolChoice = "auto"
		}
	} else {
		tools = nil
		toolChoice = nil
	}

	baseReq := lmstudio.ChatRequest{Model: conv.Model, SessionID: uuid.NewString()}
	settings.apply(&baseReq)

	var acc strings.Builder
	autoContinue := autoContinueBudget
	consecutiveToolCalls := 0

	for round := 0; round < o.MaxToolRounds; round++ {
		if o.Client.Cancelled() {
			return "", &lmstudio.CancelledError{Partial: acc.String()}
		}

		req := baseReq
		req.Messages = messages
		req.Tools = tools
		req.ToolChoice = toolChoice

		norm, err := o.modelCall(ctx, req, o.Stream && len(tools) == 0)
		if err != nil {
			return "", o.failure(ctx, conv.Model, "model call", err, acc.String())
		}
		if norm.Content != "" {
			acc.WriteString(norm.Content)
		}

		if len(norm.ToolCalls) == 0 {
			if norm.FinishReason == string(openai.FinishReasonLength) && autoContinue > 0 {
				autoContinue--
				messages = append(messages,
					openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: norm.Content},
					openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: continueNudge},
				)
				continue
			}
			if out := acc.String(); out != "" {
				return out, nil
			}
			return norm.Content, nil
		}

		// Tool calls present but nobody to execute them: what accumulated is
		// the best final answer available.
		if o.Executor == nil {
			return acc.String(), nil
		}

		messages = append(messages, assistantToolCallMessage(norm))

		for _, call := range norm.ToolCalls {
			if o.Client.Cancelled() {
				return "", &lmstudio.CancelledError{Partial: acc.String()}
			}
			args := parseToolArguments(call.Arguments)

			started := time.Now()
			result, execErr := o.Executor(ctx, call.Name, args)
			elapsed := time.Since(started)
			if execErr != nil {
				result = "Tool execution failed: " + execErr.Error()
			}
			log.Info().
				Str("stage", "tool").
				Str("tool", call.Name).
				Str("tool_call_id", call.ID).
				Int("result_bytes", len(result)).
				Bool("ok", execErr == nil).
				Int64("duration_ms", elapsed.Milliseconds()).
				Msg("tool call")
			o.emitToolEvent(ToolEvent{
				Name:      call.Name,
				Arguments: args,
				Result:    result,
				Err:       errString(execErr),
				Elapsed:   elapsed,
			})

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    result,
			})
			consecutiveToolCalls++

			enough, note, ok := o.checkpoint(ctx, baseReq, messages, consecutiveToolCalls >= softLimit)
			if !ok || !enough {
				// Unparseable or not done yet: the safe choice is to keep
				// going, never to stop prematurely.
				continue
			}
			if note != "" {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: note,
				})
			}
			final, err := o.finalize(ctx, baseReq, messages)
			if err != nil {
				return "", o.failure(ctx, conv.Model, "finalize", err, acc.String())
			}
			if acc.Len() == 0 {
				return final, nil
			}
			if note != "" {
				return acc.String() + "\n" + note + "\n" + final, nil
			}
			return acc.String() + "\n" + final, nil
		}
	}
	return "", &lmstudio.RoundLimitError{Rounds: o.MaxToolRounds}
}

// buildMessages assembles the local wire list for this request: compressed
// history in token-saver mode, context-window truncation otherwise, and the
// system prompt inserted at position 0 unless already identical there.
func (o *Orchestrator) buildMessages(ctx context.Context, conv *Conversation, settings *Settings) []openai.ChatCompletionMessage {
	history := wireMessages(conv.Messages)
	fallback := budget.Window(history, settings.ContextLimit)
	var messages []openai.ChatCompletionMessage
	if settings.TokenSaver {
		messages = compressHistory(ctx, o.Client, conv.Model, settings, history, fallback)
	} else {
		messages = fallback
	}
	if sp := strings.TrimSpace(settings.SystemPrompt); sp != "" {
		already := len(messages) > 0 &&
			messages[0].Role == openai.ChatMessageRoleSystem &&
			messages[0].Content == sp
		if !already {
			messages = append([]openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: sp},
			}, messages...)
		}
	}
	return messages
}

// modelCall issues one request, streaming when asked, and normalizes the
// response.
func (o *Orchestrator) modelCall(ctx context.Context, req lmstudio.ChatRequest, stream bool) (normalize.Normalized, error) {
	if stream {
		text, finish, err := o.Client.StreamChatCompletion(ctx, req, o.OnTextDelta)
		if err != nil {
			return normalize.Normalized{}, err
		}
		return normalize.Normalized{Content: text, FinishReason: finish}, nil
	}
	body, err := o.Client.ChatCompletion(ctx, req)
	if err != nil {
		return normalize.Normalized{}, err
	}
	return normalize.Response(body), nil
}

// checkpoint asks the model, with tools stripped, whether it has enough
// information to answer. ok is false when the call failed or the reply was
// unparseable; both default to continuing the loop.
func (o *Orchestrator) checkpoint(ctx context.Context, baseReq lmstudio.ChatRequest, messages []openai.ChatCompletionMessage, mandatory bool) (enough bool, note string, ok bool) {
	instruction := checkpointInstruction
	if mandatory {
		instruction += checkpointMandatory
	}
	temp := 0.0
	topP := 1.0
	req := baseReq
	req.Temperature = &temp
	req.TopP = &topP
	req.MaxTokens = budget.ClampInt(baseReq.MaxTokens, 120, 360)
	req.Tools = nil
	req.ToolChoice = nil
	req.Messages = append(append([]openai.ChatCompletionMessage(nil), messages...),
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instruction})

	body, err := o.Client.ChatCompletion(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("checkpoint call failed; continuing tool loop")
		return false, "", false
	}
	return parseCheckpoint(normalize.Response(body).Content)
}

// finalize issues the tools-disabled final answer call.
func (o *Orchestrator) finalize(ctx context.Context, baseReq lmstudio.ChatRequest, messages []openai.ChatCompletionMessage) (string, error) {
	req := baseReq
	req.Tools = nil
	req.ToolChoice = nil
	req.Messages = append(append([]openai.ChatCompletionMessage(nil), messages...),
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: finalizeNudge})
	body, err := o.Client.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	return normalize.Response(body).Content, nil
}

// failure maps a transport error onto the boundary taxonomy, folding the
// accumulated text into cancellations and triggering best-effort recovery on
// timeouts.
func (o *Orchestrator) failure(ctx context.Context, model, op string, err error, partial string) error {
	var cancelled *lmstudio.CancelledError
	if errors.As(err, &cancelled) {
		return &lmstudio.CancelledError{Partial: partial + cancelled.Partial}
	}
	if lmstudio.IsTimeout(err) {
		if rerr := o.Client.Recover(ctx, model); rerr != nil {
			log.Warn().Err(rerr).Msg("endpoint recovery failed")
		}
		return &lmstudio.Error{Op: op, Err: err}
	}
	var connErr *lmstudio.ConnectionError
	var epErr *lmstudio.EndpointError
	if errors.As(err, &connErr) || errors.As(err, &epErr) {
		return err
	}
	return &lmstudio.Error{Op: op, Err: err}
}

func (o *Orchestrator) emitToolEvent(ev ToolEvent) {
	if o.OnToolEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("tool event sink panicked; event dropped")
		}
	}()
	o.OnToolEvent(ev)
}

func assistantToolCallMessage(norm normalize.Normalized) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: norm.Content,
	}
	for _, tc := range norm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// parseToolArguments turns a model-emitted argument string into an object:
// JSON objects pass through, other JSON values are wrapped under _args, and
// non-JSON text is wrapped under _raw.
func parseToolArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{"_raw": raw}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"_args": v}
}

// parseCheckpoint extracts {"enough_information": bool, "progress_note":
// string} from a checkpoint reply, tolerating code fences and surrounding
// prose. ok is false when no such object can be found.
func parseCheckpoint(content string) (enough bool, note string, ok bool) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}
	if !gjson.Valid(content) {
		return false, "", false
	}
	parsed := gjson.Parse(content)
	flag := parsed.Get("enough_information")
	if !flag.Exists() {
		return false, "", false
	}
	return flag.Bool(), parsed.Get("progress_note").String(), true
}

func dedupeTools(tools []openai.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tools))
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil || t.Function.Name == "" || seen[t.Function.Name] {
			continue
		}
		seen[t.Function.Name] = true
		out = append(out, t)
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
