package lmstudio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/lmdrive/internal/normalize"
)

// maxStreamLine bounds a single SSE line. Completion chunks are small; the
// headroom is for servers that batch several deltas per event.
const maxStreamLine = 1 << 20

// StreamChatCompletion issues a streaming completion and reads the response as
// line-oriented server-sent events. Each non-empty text delta is appended to
// the returned accumulator and delivered to onDelta when non-nil. The
// cancellation flag is checked before every line read; on cancellation the
// body is closed and a CancelledError carrying the partial text is returned.
// A stream that hits EOF without a [DONE] marker returns what accumulated and
// the last finish reason observed (possibly empty).
func (c *Client) StreamChatCompletion(ctx context.Context, req ChatRequest, onDelta func(string)) (string, string, error) {
	if c.Cancelled() {
		return "", "", &CancelledError{}
	}
	req.Stream = true
	data, err := json.Marshal(req)
	if err != nil {
		return "", "", err
	}
	ctx, release := c.track(ctx, c.RequestTimeout)
	defer release()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if c.Cancelled() {
			return "", "", &CancelledError{}
		}
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return "", "", &EndpointError{Status: resp.StatusCode, Body: buf.String()}
	}

	var acc strings.Builder
	var finishReason string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for {
		if c.Cancelled() {
			return acc.String(), finishReason, &CancelledError{Partial: acc.String()}
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return acc.String(), finishReason, nil
		}
		if !json.Valid([]byte(payload)) {
			// Robust-read policy: malformed chunks are skipped, not fatal.
			continue
		}
		text, finish := normalize.Delta([]byte(payload))
		if text != "" {
			acc.WriteString(text)
			deliverDelta(onDelta, text)
		}
		if finish != "" {
			finishReason = finish
		}
	}
	if err := scanner.Err(); err != nil {
		if c.Cancelled() {
			return acc.String(), finishReason, &CancelledError{Partial: acc.String()}
		}
		return acc.String(), finishReason, err
	}
	// EOF without [DONE].
	return acc.String(), finishReason, nil
}

// deliverDelta shields the stream reader from sink misbehavior: a panicking
// callback must not affect orchestrator state.
func deliverDelta(onDelta func(string), text string) {
	if onDelta == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("text delta sink panicked; delta dropped")
		}
	}()
	onDelta(text)
}
