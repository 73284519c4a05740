// Package mcp implements the slice of the Model Context Protocol this engine
// needs: tool discovery (initialize + tools/list) and tool invocation
// (tools/call) over two transports, remote JSON-RPC via HTTP POST and a child
// process speaking line-delimited JSON-RPC on its standard streams.
package mcp

import "errors"

// ServerConfig describes one MCP server. The transport is discriminated by
// which of URL and Command is set: URL selects the HTTP transport, Command the
// stdio transport. Either kind may declare fallback call names used when live
// discovery yields nothing.
type ServerConfig struct {
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	Calls   []string `json:"calls,omitempty" yaml:"calls,omitempty"`
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`
}

var errNoTransport = errors.New("mcp: server config declares neither url nor command")

// fallbackCalls returns the declared fallback call names, preferring calls
// over actions.
func (c ServerConfig) fallbackCalls() []string {
	if len(c.Calls) > 0 {
		return c.Calls
	}
	return c.Actions
}
