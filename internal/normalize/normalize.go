// Package normalize maps provider-variant chat completion JSON into a uniform
// (content, tool calls, finish reason) triple. Local OpenAI-compatible servers
// disagree on response shapes: content may be a string, an object, or a list of
// parts; tool calls may arrive as a list, a single object, or the legacy
// function_call field. Extraction here is deliberately tolerant: unknown fields
// are ignored and nothing is ever rejected.
package normalize

import (
	"fmt"
	"hash/fnv"

	"github.com/tidwall/gjson"
)

// ToolCall is a simplified representation of a tool call emitted by the model.
// Arguments holds the raw argument payload as the model produced it; it is
// expected to be JSON but may be malformed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Normalized is the uniform view of one completion choice.
type Normalized struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Response normalizes the first choice of a raw completion body.
func Response(raw []byte) Normalized {
	return Choice(gjson.GetBytes(raw, "choices.0"))
}

// Choice normalizes a single choice object.
func Choice(choice gjson.Result) Normalized {
	var n Normalized
	if !choice.Exists() {
		return n
	}
	msg := choice.Get("message")

	// Content extraction order: message.content, then choice.text, then
	// choice.output_text. First non-empty wins.
	if text := contentToText(msg.Get("content")); text != "" {
		n.Content = text
	} else if text := contentToText(choice.Get("text")); text != "" {
		n.Content = text
	} else if text := contentToText(choice.Get("output_text")); text != "" {
		n.Content = text
	}

	n.ToolCalls = extractToolCalls(choice, msg)
	n.FinishReason = choice.Get("finish_reason").String()
	return n
}

// Delta extracts the incremental text and finish reason from one streamed
// chunk. Order: choices.0.delta.content, delta.text, choice.text,
// choice.output_text.
func Delta(raw []byte) (text, finishReason string) {
	choice := gjson.GetBytes(raw, "choices.0")
	if !choice.Exists() {
		return "", ""
	}
	delta := choice.Get("delta")
	if t := contentToText(delta.Get("content")); t != "" {
		text = t
	} else if t := contentToText(delta.Get("text")); t != "" {
		text = t
	} else if t := contentToText(choice.Get("text")); t != "" {
		text = t
	} else if t := contentToText(choice.Get("output_text")); t != "" {
		text = t
	}
	finishReason = choice.Get("finish_reason").String()
	return text, finishReason
}

// contentToText flattens the known content shapes to plain text: a string, an
// object carrying text/content, or a list of parts where each part is a string
// or an object with type text/output_text, or plain text/content fields.
func contentToText(v gjson.Result) string {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return ""
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var out string
		v.ForEach(func(_, part gjson.Result) bool {
			out += partToText(part)
			return true
		})
		return out
	case v.IsObject():
		if t := v.Get("text"); t.Type == gjson.String {
			return t.String()
		}
		if c := v.Get("content"); c.Type == gjson.String {
			return c.String()
		}
	}
	return ""
}

func partToText(part gjson.Result) string {
	if part.Type == gjson.String {
		return part.String()
	}
	if !part.IsObject() {
		return ""
	}
	switch part.Get("type").String() {
	case "text", "output_text":
		if t := part.Get("text"); t.Type == gjson.String {
			return t.String()
		}
	}
	if t := part.Get("text"); t.Type == gjson.String {
		return t.String()
	}
	if c := part.Get("content"); c.Type == gjson.String {
		return c.String()
	}
	return ""
}

func extractToolCalls(choice, msg gjson.Result) []ToolCall {
	tcs := msg.Get("tool_calls")
	switch {
	case tcs.IsArray():
		var out []ToolCall
		tcs.ForEach(func(_, item gjson.Result) bool {
			if item.IsObject() {
				if tc, ok := toolCallFrom(item); ok {
					out = append(out, tc)
				}
			}
			return true
		})
		return out
	case tcs.IsObject():
		if tc, ok := toolCallFrom(tcs); ok {
			return []ToolCall{tc}
		}
		return nil
	}

	// Legacy single function_call, either on the message or on the choice.
	fc := msg.Get("function_call")
	if !fc.IsObject() {
		fc = choice.Get("function_call")
	}
	if fc.IsObject() {
		name := fc.Get("name").String()
		args := argumentsString(fc.Get("arguments"))
		if name != "" {
			return []ToolCall{{
				ID:        legacyCallID(name, args),
				Name:      name,
				Arguments: args,
			}}
		}
	}
	return nil
}

func toolCallFrom(obj gjson.Result) (ToolCall, bool) {
	name := obj.Get("function.name").String()
	args := argumentsString(obj.Get("function.arguments"))
	if name == "" {
		name = obj.Get("name").String()
		if a := obj.Get("arguments"); a.Exists() && args == "" {
			args = argumentsString(a)
		}
	}
	if name == "" {
		return ToolCall{}, false
	}
	return ToolCall{ID: obj.Get("id").String(), Name: name, Arguments: args}, true
}

// argumentsString keeps string arguments verbatim and re-serializes object or
// array arguments so downstream parsing sees JSON text either way.
func argumentsString(v gjson.Result) string {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return ""
	case v.Type == gjson.String:
		return v.String()
	default:
		return v.Raw
	}
}

// legacyCallID synthesizes a stable display id for legacy function_call
// responses that carry no id of their own. FNV is enough: the id only has to
// pair the request with its tool result within one transcript.
func legacyCallID(name, args string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(args))
	return fmt.Sprintf("legacy_fc_%08x", h.Sum32())
}
