package mcp

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

// stdioScript is a minimal line-delimited JSON-RPC responder. It answers by
// method substring; ids line up with the per-process sequence (initialize=1,
// the follow-up call=2). It also emits log noise on stdout, which the reader
// must discard.
const stdioScript = `
while read line; do
  echo "log: received request"
  case "$line" in
    *initialize*) echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}' ;;
    *tools/list*) echo '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"Echo text back","inputSchema":{"type":"object","properties":{"text":{"type":"string"}}}}]}}' ;;
    *tools/call*) echo '{"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"echoed"}]}}' ;;
  esac
done
`

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stdio transport test needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shConfig() ServerConfig {
	return ServerConfig{Command: "sh", Args: []string{"-c", stdioScript}}
}

func TestStdio_DiscoverAndCall(t *testing.T) {
	requireSh(t)

	r := NewRegistry()
	r.Discover(context.Background(), map[string]ServerConfig{"local": shConfig()})

	tools := r.Tools()
	if len(tools) != 1 || tools[0].Function.Name != "local_echo" {
		t.Fatalf("tools = %v", names(tools))
	}
	if tools[0].Function.Description != "Echo text back" {
		t.Fatalf("description = %q", tools[0].Function.Description)
	}

	out, err := r.Call(context.Background(), "local_echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "echoed" {
		t.Fatalf("out = %q", out)
	}
}

func TestStdio_ReadTimeout(t *testing.T) {
	requireSh(t)

	// A server that never answers: the read must hit the per-call timeout,
	// and close must still terminate the child.
	cfg := ServerConfig{Command: "sh", Args: []string{"-c", "while read line; do :; done"}}
	proc, err := startStdio(context.Background(), cfg)
	if err != nil {
		t.Fatalf("startStdio: %v", err)
	}
	defer proc.close()

	start := time.Now()
	_, err = proc.call(context.Background(), "tools/list", nil, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
}

func TestStdio_NoiseDiscardedAndIDMatched(t *testing.T) {
	requireSh(t)

	// Mismatched-id responses and garbage precede the real answer.
	script := `
read line
echo 'not json'
echo '{"jsonrpc":"2.0","id":99,"result":{"wrong":"id"}}'
echo '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}'
`
	proc, err := startStdio(context.Background(), ServerConfig{Command: "sh", Args: []string{"-c", script}})
	if err != nil {
		t.Fatalf("startStdio: %v", err)
	}
	defer proc.close()

	result, err := proc.call(context.Background(), "initialize", initializeParams(), 2*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s", result)
	}
}

func TestStdio_ServerExitBeforeAnswer(t *testing.T) {
	requireSh(t)

	proc, err := startStdio(context.Background(), ServerConfig{Command: "sh", Args: []string{"-c", "read line; exit 0"}})
	if err != nil {
		t.Fatalf("startStdio: %v", err)
	}
	defer proc.close()

	if _, err := proc.call(context.Background(), "tools/list", nil, 2*time.Second); err == nil {
		t.Fatal("expected error when server exits without answering")
	}
}
