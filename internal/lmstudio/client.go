// Package lmstudio is the HTTP transport to a local OpenAI-compatible
// inference endpoint (LM Studio). It covers the standard /chat/completions and
// /models surfaces plus the non-standard /models/load and /models/unload
// endpoints used for timeout recovery, and owns the per-client cancellation
// flag checked at every suspension point of a request.
package lmstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// DefaultBaseURL matches LM Studio's out-of-the-box listen address.
const DefaultBaseURL = "http://localhost:1234/v1"

const (
	defaultRequestTimeout = 120 * time.Second
	defaultProbeTimeout   = 5 * time.Second
)

// ChatRequest is the request body for POST /chat/completions. It is marshalled
// here rather than through a client library because LM Studio accepts fields
// that are not part of the OpenAI schema (repetition_penalty, session_id).
type ChatRequest struct {
	Model             string                         `json:"model"`
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Stream            bool                           `json:"stream"`
	Temperature       *float64                       `json:"temperature,omitempty"`
	TopP              *float64                       `json:"top_p,omitempty"`
	RepetitionPenalty *float64                       `json:"repetition_penalty,omitempty"`
	PresencePenalty   *float64                       `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64                       `json:"frequency_penalty,omitempty"`
	MaxTokens         int                            `json:"max_tokens,omitempty"`
	Seed              *int                           `json:"seed,omitempty"`
	Stop              []string                       `json:"stop,omitempty"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	ToolChoice        any                            `json:"tool_choice,omitempty"`
	SessionID         string                         `json:"session_id,omitempty"`
}

// Client talks to one inference endpoint. The zero value is not usable; use
// New. The embedded http.Client connection pool is safe for concurrent use;
// the cancellation flag is per-client.
type Client struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration

	// Recovery pacing. Exposed as fields so tests can shrink the waits.
	RecoveryInitialWait   time.Duration
	RecoveryPollInterval  time.Duration
	RecoveryMaxPolls      int
	RecoveryStabilizeWait time.Duration

	cancelled atomic.Bool

	mu       sync.Mutex
	inflight map[int]context.CancelFunc
	seq      int
}

// New returns a client for the given base URL (the ".../v1" prefix). An empty
// baseURL selects DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:               strings.TrimRight(baseURL, "/"),
		HTTPClient:            &http.Client{},
		RequestTimeout:        defaultRequestTimeout,
		ProbeTimeout:          defaultProbeTimeout,
		RecoveryInitialWait:   20 * time.Second,
		RecoveryPollInterval:  5 * time.Second,
		RecoveryMaxPolls:      5,
		RecoveryStabilizeWait: 5 * time.Second,
		inflight:              make(map[int]context.CancelFunc),
	}
}

// Cancel sets the cancellation flag and aborts all in-flight requests by
// cancelling their contexts, which closes any open response bodies.
func (c *Client) Cancel() {
	c.cancelled.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.inflight {
		cancel()
	}
}

// Cancelled reports whether Cancel has been observed for this client.
func (c *Client) Cancelled() bool { return c.cancelled.Load() }

// ResetCancel clears the flag so the client can serve the next request.
func (c *Client) ResetCancel() { c.cancelled.Store(false) }

// track derives a cancellable context registered with the client so Cancel
// can abort it. The returned release must be called on every exit path.
func (c *Client) track(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	c.mu.Lock()
	c.seq++
	id := c.seq
	if c.inflight == nil {
		c.inflight = make(map[int]context.CancelFunc)
	}
	c.inflight[id] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()
	}
}

// rootURL strips the /v1 suffix; the model load/unload endpoints live next to
// the versioned API, not under it.
func (c *Client) rootURL() string {
	return strings.TrimSuffix(c.BaseURL, "/v1")
}

// Probe checks connectivity with a short GET /models. Failure means the whole
// user request fails before any model call is attempted.
func (c *Client) Probe(ctx context.Context) error {
	if c.Cancelled() {
		return &CancelledError{}
	}
	ctx, release := c.track(ctx, c.ProbeTimeout)
	defer release()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/models", nil)
	if err != nil {
		return &ConnectionError{Endpoint: c.BaseURL, Err: err}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &ConnectionError{Endpoint: c.BaseURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ConnectionError{Endpoint: c.BaseURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LoadedModelID returns data[0].id from GET /models, or "" when the endpoint
// reports no loaded model.
func (c *Client) LoadedModelID(ctx context.Context) (string, error) {
	ctx, release := c.track(ctx, c.ProbeTimeout)
	defer release()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/models", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &EndpointError{Status: resp.StatusCode, Body: string(body)}
	}
	return gjson.GetBytes(body, "data.0.id").String(), nil
}

// ChatCompletion issues a single-shot completion and returns the raw response
// body for tolerant normalization by the caller.
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) ([]byte, error) {
	if c.Cancelled() {
		return nil, &CancelledError{}
	}
	req.Stream = false
	status, body, err := c.post(ctx, c.BaseURL+"/chat/completions", req, c.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &EndpointError{Status: status, Body: string(body)}
	}
	return body, nil
}

// LoadModel asks the endpoint to load the named model.
func (c *Client) LoadModel(ctx context.Context, model string) error {
	status, body, err := c.post(ctx, c.rootURL()+"/models/load", map[string]string{"model": model}, c.RequestTimeout)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &EndpointError{Status: status, Body: string(body)}
	}
	return nil
}

// UnloadModel asks the endpoint to unload a loaded model instance.
func (c *Client) UnloadModel(ctx context.Context, instanceID string) error {
	status, body, err := c.post(ctx, c.rootURL()+"/models/unload", map[string]string{"instance_id": instanceID}, c.RequestTimeout)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &EndpointError{Status: status, Body: string(body)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload any, timeout time.Duration) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	ctx, release := c.track(ctx, timeout)
	defer release()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if c.Cancelled() {
			return 0, nil, &CancelledError{}
		}
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.Cancelled() {
			return 0, nil, &CancelledError{}
		}
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
