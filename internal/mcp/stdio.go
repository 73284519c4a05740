package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// terminateGrace is how long a child gets between SIGTERM and SIGKILL.
const terminateGrace = time.Second

// stdioProcess is a child MCP server spoken to over line-delimited JSON-RPC:
// one request per line on stdin, one response per line on stdout. A process
// lives only for one discovery or one tool call and is always terminated
// before that operation returns.
type stdioProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	seq   int64
}

func startStdio(ctx context.Context, cfg ServerConfig) (*stdioProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %q: %w", cfg.Command, err)
	}

	p := &stdioProcess{cmd: cmd, stdin: stdin, lines: make(chan string, 16)}
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4<<20)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
	}()
	return p, nil
}

// call writes one request line and reads stdout lines until one parses as a
// JSON-RPC response with the matching id. Anything else on stdout is log
// noise and is discarded. The read is bounded by timeout and by ctx.
func (p *stdioProcess) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	p.seq++
	id := p.seq
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("mcp: write request: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("mcp: %s timed out after %s", method, timeout)
		case line, ok := <-p.lines:
			if !ok {
				return nil, fmt.Errorf("mcp: server exited before answering %s", method)
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				continue
			}
			if !idMatches(resp.ID, id) {
				continue
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		}
	}
}

// close terminates the child: close stdin, signal terminate, and escalate to
// kill after a one second grace period. Safe to call on every exit path.
func (p *stdioProcess) close() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(terminateGrace):
		if err := p.cmd.Process.Kill(); err != nil {
			log.Warn().Err(err).Msg("mcp: kill after grace period failed")
		}
		<-done
	}
}
