package search

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/textutil"
)

// MCP delegates searches to a tool exposed by an MCP server subprocess. The
// server is started on first use and kept for the rest of the session.
type MCP struct {
	command string
	args    []string
	tool    string
	count   int
	log     *zap.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	conn *mcp.ClientSession
}

func NewMCP(command string, args []string, tool string, count int, log *zap.Logger) *MCP {
	return &MCP{command: command, args: args, tool: tool, count: count, log: logging.OrNop(log)}
}

func (m *MCP) Name() string { return "mcp:" + m.tool }

func (m *MCP) Search(ctx context.Context, query string) ([]Result, error) {
	conn, err := m.connect(ctx)
	if err != nil {
		return nil, unavailable(m.Name(), err)
	}
	result, err := conn.CallTool(ctx, &mcp.CallToolParams{
		Name:      m.tool,
		Arguments: map[string]any{"query": query},
	})
	if err != nil {
		return nil, unavailable(m.Name(), errors.Wrapf(err, "failed to call tool '%s'", m.tool))
	}

	var text strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			text.WriteString(tc.Text)
			text.WriteString("\n")
		}
	}
	if result.IsError {
		return nil, unavailable(m.Name(), errors.New("tool returned an error: %s", textutil.Truncate(text.String(), 200)))
	}
	results := parseToolResults(text.String())
	if m.count > 0 && len(results) > m.count {
		results = results[:m.count]
	}
	return results, nil
}

// connect starts the server and checks that it offers the configured tool.
func (m *MCP) connect(ctx context.Context) (*mcp.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}

	cmd := exec.Command(m.command, m.args...)
	cmd.Stderr = os.Stderr
	client := mcp.NewClient(&mcp.Implementation{Name: "hybridshell", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcp.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", m.command)
	}

	found := false
	params := &mcp.ListToolsParams{}
	for !found {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", m.command)
		}
		for _, t := range list.Tools {
			if t.Name == m.tool {
				found = true
			}
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	if !found {
		conn.Close()
		return nil, errors.New("MCP server '%s' has no tool named '%s'", m.command, m.tool)
	}

	m.log.Info("connected to MCP search server", zap.String("command", m.command), zap.String("tool", m.tool))
	m.cmd, m.conn = cmd, conn
	return conn, nil
}

// Close stops the server subprocess.
func (m *MCP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		err := m.cmd.Process.Kill()
		m.cmd = nil
		return err
	}
	return nil
}

// parseToolResults accepts either a JSON array of results (with "snippet" or
// "description" text) or free text, which becomes a single result.
func parseToolResults(text string) []Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var raw []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Snippet     string `json:"snippet"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err == nil {
		results := make([]Result, 0, len(raw))
		for _, r := range raw {
			snippet := r.Snippet
			if snippet == "" {
				snippet = r.Description
			}
			results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: snippet})
		}
		return results
	}
	return []Result{{Title: "Search tool output", Snippet: text}}
}
