package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds one MCP operation (discovery request or tool call).
const DefaultTimeout = 12 * time.Second

// maxNameOctets is the function-name limit OpenAI-compatible endpoints accept.
const maxNameOctets = 64

var disallowedNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// binding retains what discovery learned about a normalized tool: which server
// it came from and the raw tool name to send back in tools/call.
type binding struct {
	serverID string
	rawName  string
	cfg      ServerConfig
}

// Registry discovers tools from configured MCP servers, normalizes their
// schemas into OpenAI function tools, and routes invocations back to the
// originating transport by normalized function name.
type Registry struct {
	Timeout    time.Duration
	httpClient *http.Client

	mu       sync.Mutex
	tools    []openai.Tool
	bindings map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{
		Timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		bindings:   make(map[string]binding),
	}
}

// rawTool is one entry of a tools/list result, or a materialized fallback call.
type rawTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	isAction    bool
}

// Discover probes all configured servers concurrently and registers the
// normalized union of their tools. A failing server never fails the whole
// discovery; its error is logged and its declared fallback calls (if any) are
// used instead. Results are merged in sorted server-id order so the
// first-occurrence-wins dedupe is deterministic.
func (r *Registry) Discover(ctx context.Context, servers map[string]ServerConfig) {
	ids := make([]string, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([][]rawTool, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string, cfg ServerConfig) {
			defer wg.Done()
			tools, err := r.discoverServer(ctx, id, cfg)
			if err != nil {
				log.Warn().Err(err).Str("server", id).Msg("mcp discovery failed")
			}
			if len(tools) == 0 {
				for _, name := range cfg.fallbackCalls() {
					tools = append(tools, rawTool{Name: name, isAction: true})
				}
			}
			results[i] = tools
		}(i, id, servers[id])
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range ids {
		cfg := servers[id]
		for _, raw := range results[i] {
			tool, err := normalizeTool(id, raw)
			if err != nil {
				log.Warn().Err(err).Str("server", id).Str("tool", raw.Name).Msg("skipping tool")
				continue
			}
			name := tool.Function.Name
			if _, exists := r.bindings[name]; exists {
				// Dedupe by normalized name, first occurrence wins.
				continue
			}
			r.bindings[name] = binding{serverID: id, rawName: raw.Name, cfg: cfg}
			r.tools = append(r.tools, tool)
		}
	}
}

// discoverServer runs one discovery task: best-effort initialize followed by
// tools/list over the server's transport.
func (r *Registry) discoverServer(ctx context.Context, id string, cfg ServerConfig) ([]rawTool, error) {
	switch {
	case cfg.URL != "":
		if _, err := r.httpCall(ctx, cfg, 1, "initialize", initializeParams()); err != nil {
			log.Debug().Err(err).Str("server", id).Msg("mcp initialize failed; continuing")
		}
		result, err := r.httpCall(ctx, cfg, 2, "tools/list", nil)
		if err != nil {
			return nil, err
		}
		return toolsFromResult(result), nil
	case cfg.Command != "":
		proc, err := startStdio(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer proc.close()
		if _, err := proc.call(ctx, "initialize", initializeParams(), r.Timeout); err != nil {
			log.Debug().Err(err).Str("server", id).Msg("mcp initialize failed; continuing")
		}
		result, err := proc.call(ctx, "tools/list", nil, r.Timeout)
		if err != nil {
			return nil, err
		}
		return toolsFromResult(result), nil
	default:
		return nil, errNoTransport
	}
}

func toolsFromResult(result json.RawMessage) []rawTool {
	var out []rawTool
	gjson.GetBytes(result, "tools").ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		name := item.Get("name").String()
		if name == "" {
			return true
		}
		raw := rawTool{Name: name, Description: item.Get("description").String()}
		if schema := item.Get("inputSchema"); schema.IsObject() {
			raw.InputSchema = json.RawMessage(schema.Raw)
		}
		out = append(out, raw)
		return true
	})
	return out
}

// Close releases the registry. Child processes are per-operation and already
// reaped, so this only clears the bindings; Call fails fast afterwards. Safe
// to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = nil
	r.bindings = make(map[string]binding)
}

// Tools returns a snapshot of the normalized tool specs.
func (r *Registry) Tools() []openai.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]openai.Tool(nil), r.tools...)
}

// Call invokes a discovered tool by its normalized function name, routing
// tools/call with the retained raw name to the originating server.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("mcp: unknown tool %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{"name": b.rawName, "arguments": args}

	var result json.RawMessage
	var err error
	switch {
	case b.cfg.URL != "":
		result, err = r.httpCall(ctx, b.cfg, 1, "tools/call", params)
	case b.cfg.Command != "":
		var proc *stdioProcess
		proc, err = startStdio(ctx, b.cfg)
		if err != nil {
			return "", err
		}
		defer proc.close()
		if _, ierr := proc.call(ctx, "initialize", initializeParams(), r.Timeout); ierr != nil {
			log.Debug().Err(ierr).Str("server", b.serverID).Msg("mcp initialize failed; continuing")
		}
		result, err = proc.call(ctx, "tools/call", params, r.Timeout)
	default:
		return "", errNoTransport
	}
	if err != nil {
		return "", err
	}
	return flattenCallResult(result)
}

// flattenCallResult extracts the text content of a tools/call result. MCP
// results carry a content list of typed parts; anything without text parts is
// returned as raw JSON so the model still sees the payload.
func flattenCallResult(result json.RawMessage) (string, error) {
	root := gjson.ParseBytes(result)
	var parts []string
	root.Get("content").ForEach(func(_, item gjson.Result) bool {
		if t := item.Get("text"); t.Type == gjson.String {
			parts = append(parts, t.String())
		}
		return true
	})
	text := strings.Join(parts, "\n")
	if text == "" {
		text = strings.TrimSpace(string(result))
	}
	if root.Get("isError").Bool() {
		return "", fmt.Errorf("mcp: tool reported error: %s", text)
	}
	return text, nil
}

// SanitizeName maps each disallowed character to underscore and truncates to
// 64 octets. Sanitizing an already-sanitized name is a no-op. Empty names are
// rejected by normalizeTool.
func SanitizeName(name string) string {
	name = disallowedNameChars.ReplaceAllString(name, "_")
	if len(name) > maxNameOctets {
		name = name[:maxNameOctets]
	}
	return name
}

func normalizeTool(serverID string, raw rawTool) (openai.Tool, error) {
	qualified := strings.ReplaceAll(serverID, "/", "_") + "_" + raw.Name
	name := SanitizeName(qualified)
	if strings.Trim(name, "_") == "" {
		return openai.Tool{}, fmt.Errorf("tool name %q sanitizes to nothing", raw.Name)
	}
	description := raw.Description
	if description == "" {
		kind := "tool"
		if raw.isAction {
			kind = "action"
		}
		description = fmt.Sprintf("MCP %s '%s' from %s", kind, raw.Name, serverID)
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  normalizeSchema(raw.InputSchema),
		},
	}, nil
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// normalizeSchema forces a tool parameter schema into a top-level object
// schema. Non-object schemas are wrapped under a required "input" property;
// schemas that fail to parse or compile fall back to the empty object schema.
func normalizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyObjectSchema
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return emptyObjectSchema
	}
	if t, _ := schema["type"].(string); t != "object" {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"input": schema},
			"required":   []string{"input"},
		}
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(out)); err != nil {
		log.Debug().Err(err).Msg("mcp: tool schema does not compile; using empty schema")
		return emptyObjectSchema
	}
	return out
}
