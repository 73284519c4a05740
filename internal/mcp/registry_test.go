package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

// rpcTestServer answers initialize and dispatches other methods to handler.
func rpcTestServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID)}
		if req.Method == "initialize" {
			resp["result"] = map[string]any{"protocolVersion": protocolVersion}
		} else {
			result, rpcErr := handler(req.Method, req.Params)
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"search", "search"},
		{"a b/c", "a_b_c"},
		{"weird!@#name", "weird___name"},
		{"ok_name-1", "ok_name-1"},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	// Sanitizing an already-sanitized name is a no-op.
	for _, tc := range cases {
		once := SanitizeName(tc.in)
		if twice := SanitizeName(once); twice != once {
			t.Errorf("sanitize not idempotent: %q -> %q", once, twice)
		}
	}
}

func TestNormalizeSchema_WrapsNonObject(t *testing.T) {
	out := normalizeSchema(json.RawMessage(`{"type":"string"}`))
	var schema map[string]any
	if err := json.Unmarshal(out, &schema); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("top-level type = %v", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	input, _ := props["input"].(map[string]any)
	if input["type"] != "string" {
		t.Fatalf("wrapped schema = %v", schema)
	}
	req, _ := schema["required"].([]any)
	if len(req) != 1 || req[0] != "input" {
		t.Fatalf("required = %v", req)
	}
}

func TestNormalizeSchema_Fallbacks(t *testing.T) {
	for _, raw := range []string{"", "not json"} {
		out := normalizeSchema(json.RawMessage(raw))
		var schema map[string]any
		if err := json.Unmarshal(out, &schema); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if schema["type"] != "object" {
			t.Fatalf("fallback schema for %q = %v", raw, schema)
		}
	}
}

func TestDiscover_HTTPServer(t *testing.T) {
	ts := rpcTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		if method != "tools/list" {
			t.Errorf("unexpected method %s", method)
		}
		return map[string]any{"tools": []map[string]any{
			{
				"name":        "search",
				"description": "Search the index",
				"inputSchema": map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}},
			},
			{"name": "fetch page"}, // no schema, name needs sanitizing
		}}, nil
	})
	defer ts.Close()

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{"web": {URL: ts.URL}})

	tools := r.Tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}
	if tools[0].Function.Name != "web_search" {
		t.Fatalf("first tool = %q", tools[0].Function.Name)
	}
	if tools[0].Function.Description != "Search the index" {
		t.Fatalf("description = %q", tools[0].Function.Description)
	}
	if tools[1].Function.Name != "web_fetch_page" {
		t.Fatalf("second tool = %q", tools[1].Function.Name)
	}
	if tools[1].Function.Description != "MCP tool 'fetch page' from web" {
		t.Fatalf("default description = %q", tools[1].Function.Description)
	}
	params, _ := json.Marshal(tools[1].Function.Parameters)
	var schema map[string]any
	_ = json.Unmarshal(params, &schema)
	if schema["type"] != "object" {
		t.Fatalf("missing schema should default to object, got %v", schema)
	}
}

func TestDiscover_FallbackCalls(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer ts.Close()

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{
		"svc": {URL: ts.URL, Calls: []string{"ping", "pong", "ping"}},
	})

	tools := r.Tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %+v, want deduped ping+pong", names(tools))
	}
	if tools[0].Function.Name != "svc_ping" || tools[1].Function.Name != "svc_pong" {
		t.Fatalf("names = %v", names(tools))
	}
	if tools[0].Function.Description != "MCP action 'ping' from svc" {
		t.Fatalf("description = %q", tools[0].Function.Description)
	}
}

func TestDiscover_FailingServerDoesNotPoisonOthers(t *testing.T) {
	ok := rpcTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		return map[string]any{"tools": []map[string]any{{"name": "list"}}}, nil
	})
	defer ok.Close()

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{
		"good": {URL: ok.URL},
		"bad":  {URL: "http://127.0.0.1:1"},
	})
	tools := r.Tools()
	if len(tools) != 1 || tools[0].Function.Name != "good_list" {
		t.Fatalf("tools = %v", names(tools))
	}
}

func TestCall_RoutesAndFlattens(t *testing.T) {
	var gotParams json.RawMessage
	ts := rpcTestServer(t, func(method string, params json.RawMessage) (any, *rpcError) {
		switch method {
		case "tools/list":
			return map[string]any{"tools": []map[string]any{{"name": "echo it"}}}, nil
		case "tools/call":
			gotParams = params
			return map[string]any{"content": []map[string]any{
				{"type": "text", "text": "first"},
				{"type": "text", "text": "second"},
			}}, nil
		}
		return nil, &rpcError{Code: -32601, Message: "unknown method"}
	})
	defer ts.Close()

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{"srv": {URL: ts.URL}})

	out, err := r.Call(context.Background(), "srv_echo_it", map[string]any{"msg": "hello"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "first\nsecond" {
		t.Fatalf("out = %q", out)
	}
	// tools/call must carry the raw tool name, not the normalized one.
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(gotParams, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Name != "echo it" {
		t.Fatalf("raw name = %q", params.Name)
	}
	if params.Arguments["msg"] != "hello" {
		t.Fatalf("arguments = %v", params.Arguments)
	}
}

func TestClose_ClearsBindings(t *testing.T) {
	ts := rpcTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		return map[string]any{"tools": []map[string]any{{"name": "x"}}}, nil
	})
	defer ts.Close()

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{"s": {URL: ts.URL}})
	if len(r.Tools()) != 1 {
		t.Fatalf("tools = %v", names(r.Tools()))
	}
	r.Close()
	r.Close() // idempotent
	if len(r.Tools()) != 0 {
		t.Fatal("tools must be empty after Close")
	}
	if _, err := r.Call(context.Background(), "s_x", nil); err == nil {
		t.Fatal("Call after Close must fail")
	}
}

func TestCall_UnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Call(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestCall_IsError(t *testing.T) {
	ts := rpcTestServer(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		switch method {
		case "tools/list":
			return map[string]any{"tools": []map[string]any{{"name": "boom"}}}, nil
		default:
			return map[string]any{
				"isError": true,
				"content": []map[string]any{{"type": "text", "text": "it broke"}},
			}, nil
		}
	})
	defer ts.Close()

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{"s": {URL: ts.URL}})
	_, err := r.Call(context.Background(), "s_boom", nil)
	if err == nil || !strings.Contains(err.Error(), "it broke") {
		t.Fatalf("err = %v", err)
	}
}

func names(tools []openai.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Function.Name)
	}
	return out
}
