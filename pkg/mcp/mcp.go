// Package mcp adapts Model Context Protocol servers into tools the
// ToolDispatcher can call. It wraps github.com/modelcontextprotocol/go-sdk
// client sessions, qualifying each server's tools under "mcp__<server>__<tool>"
// so the dispatcher can route calls without knowing about servers directly.
package mcp

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerConfig describes how to launch or reach one MCP server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string // set instead of Command for an HTTP/streamable server
}

func (c ServerConfig) isStdio() bool { return c.Command != "" }

// ToolInfo is a discovered tool, qualified with the server it came from.
type ToolInfo struct {
	QualifiedName string
	ServerName    string
	ToolName      string
	Description   string
	InputSchema   map[string]any
}

// Manager owns one live client session per configured MCP server for a
// single engine session, and dispatches CallTool by qualified tool name.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*gomcp.ClientSession
	tools   map[string]ToolInfo
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*gomcp.ClientSession),
		tools:   make(map[string]ToolInfo),
	}
}

// Connect starts (or dials) every configured server, lists its tools, and
// qualifies them into the manager's tool table. A server that fails to
// initialize is skipped; its error is returned in the failures map.
func (m *Manager) Connect(ctx context.Context, servers []ServerConfig) (failures map[string]error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures = make(map[string]error)
	client := gomcp.NewClient(&gomcp.Implementation{Name: "turnengine", Version: "0.1"}, nil)

	for _, cfg := range servers {
		session, err := connectOne(ctx, client, cfg)
		if err != nil {
			failures[cfg.Name] = err
			continue
		}
		listed, err := session.ListTools(ctx, nil)
		if err != nil {
			failures[cfg.Name] = fmt.Errorf("mcp: list tools for %s: %w", cfg.Name, err)
			session.Close()
			continue
		}
		m.clients[cfg.Name] = session
		for _, t := range listed.Tools {
			qualified := QualifiedName(cfg.Name, t.Name)
			info := ToolInfo{
				QualifiedName: qualified,
				ServerName:    cfg.Name,
				ToolName:      t.Name,
				Description:   t.Description,
			}
			if schema, ok := t.InputSchema.(map[string]any); ok {
				info.InputSchema = schema
			}
			m.tools[qualified] = info
		}
	}
	return failures
}

func connectOne(ctx context.Context, client *gomcp.Client, cfg ServerConfig) (*gomcp.ClientSession, error) {
	if cfg.isStdio() {
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		session, err := client.Connect(ctx, &gomcp.CommandTransport{Command: cmd}, nil)
		if err != nil {
			return nil, fmt.Errorf("mcp: connect stdio server %s: %w", cfg.Name, err)
		}
		return session, nil
	}
	if cfg.URL != "" {
		session, err := client.Connect(ctx, &gomcp.StreamableClientTransport{Endpoint: cfg.URL}, nil)
		if err != nil {
			return nil, fmt.Errorf("mcp: connect http server %s: %w", cfg.Name, err)
		}
		return session, nil
	}
	return nil, fmt.Errorf("mcp: server %s has neither command nor url", cfg.Name)
}

// QualifiedName builds the dispatcher-visible tool name for an MCP tool.
func QualifiedName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// SplitQualifiedName reverses QualifiedName, reporting ok=false if name is
// not an mcp__ prefixed tool name.
func SplitQualifiedName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "mcp__")
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ListTools returns every tool discovered across connected servers.
func (m *Manager) ListTools() []ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolInfo, 0, len(m.tools))
	for _, info := range m.tools {
		out = append(out, info)
	}
	return out
}

// CallTool dispatches a call to the server that owns qualifiedName.
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*gomcp.CallToolResult, error) {
	m.mu.Lock()
	info, ok := m.tools[qualifiedName]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("mcp: unknown tool %q", qualifiedName)
	}
	session, ok := m.clients[info.ServerName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not connected", info.ServerName)
	}

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: info.ToolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s: %w", qualifiedName, err)
	}
	return result, nil
}

// Close shuts down every connected server session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, session := range m.clients {
		if err := session.Close(); err != nil {
			log.Printf("mcp: error closing session for %s: %v", name, err)
		}
	}
	m.clients = make(map[string]*gomcp.ClientSession)
	m.tools = make(map[string]ToolInfo)
}
