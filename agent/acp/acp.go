// Package acp serves the hybrid shell's AI layer over the Agent Client
// Protocol: newline-delimited JSON-RPC 2.0 on stdio.
//
// Supported methods are initialize, session/new, session/load and
// session/prompt. Answers stream back as session/update notifications with
// agent_message_chunk updates; help agent steps are reported as tool_call
// and tool_call_update updates.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/agent"
	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/orchestrator"
	"github.com/m4xw311/hybridshell/session"
)

// SessionSpec describes an ACP session the factory builds an orchestrator
// for.
type SessionSpec struct {
	ID  string
	Dir string
	// Transcript is new for session/new and loaded for session/load.
	Transcript *session.Transcript
	// Callbacks report the help agent's steps to the client.
	Callbacks agent.Callbacks
}

// Factory builds the orchestrator serving one session.
type Factory func(spec SessionSpec) (*orchestrator.Orchestrator, error)

type Server struct {
	factory    Factory
	sessionDir string
	in         *bufio.Reader
	out        *bufio.Writer
	log        *zap.Logger

	writeMu  sync.Mutex
	mu       sync.Mutex
	sessions map[string]*orchestrator.Orchestrator
	seq      int64
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = logging.OrNop(l) } }

func NewServer(factory Factory, sessionDir string, in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		factory:    factory,
		sessionDir: sessionDir,
		in:         bufio.NewReader(in),
		out:        bufio.NewWriter(out),
		log:        zap.NewNop(),
		sessions:   make(map[string]*orchestrator.Orchestrator),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run serves requests until end of input. Nothing but JSON-RPC messages is
// written to out.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeSessions()
	for {
		line, err := s.in.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "ACP: read error")
		}
		payload := []byte(strings.TrimSpace(string(line)))
		if len(payload) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.log.Debug("parse error", zap.ByteString("payload", payload), zap.Error(err))
			_ = s.writeError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.log.Debug("dispatch", zap.String("method", req.Method), zap.Any("id", req.ID))
		switch req.Method {
		case "initialize":
			s.handleInitialize(&req)
		case "session/new":
			s.handleSessionNew(&req)
		case "session/load":
			s.handleSessionLoad(&req)
		case "session/prompt":
			s.handlePrompt(ctx, &req)
		default:
			_ = s.writeError(req.ID, codeMethodNotFound, "Method not found", nil)
		}
	}
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResult(id any, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return s.writeError(id, codeInternal, "Internal error", err.Error())
	}
	return s.writeJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *Server) writeError(id any, code int, msg string, data any) error {
	return s.writeJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg, Data: data}})
}

func (s *Server) notify(sessionID string, update map[string]any) error {
	return s.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": sessionID, "update": update},
	})
}

func textUpdate(kind, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content":       map[string]any{"type": "text", "text": text},
	}
}

func (s *Server) handleInitialize(req *jsonrpcRequest) {
	_ = s.writeResult(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

func (s *Server) handleSessionNew(req *jsonrpcRequest) {
	var p sessionParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		_ = s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.mu.Lock()
	s.seq++
	sid := fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.seq)
	s.mu.Unlock()

	tr, err := session.New(s.sessionDir, sid)
	if err != nil {
		_ = s.writeError(req.ID, codeInternal, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}
	if err := s.open(sid, p.Cwd, tr); err != nil {
		_ = s.writeError(req.ID, codeInternal, "Internal error", err.Error())
		return
	}
	_ = s.writeResult(req.ID, map[string]any{"sessionId": sid})
}

// handleSessionLoad reopens a saved session and replays its turns.
func (s *Server) handleSessionLoad(req *jsonrpcRequest) {
	var p sessionParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		_ = s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	tr, err := session.Load(s.sessionDir, p.SessionID)
	if err != nil {
		_ = s.writeError(req.ID, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	if err := s.open(p.SessionID, p.Cwd, tr); err != nil {
		_ = s.writeError(req.ID, codeInternal, "Internal error", err.Error())
		return
	}
	for _, turn := range tr.Turns {
		switch turn.Role {
		case session.RoleUser:
			_ = s.notify(p.SessionID, textUpdate("user_message_chunk", turn.Content))
		case session.RoleAssistant:
			_ = s.notify(p.SessionID, textUpdate("agent_message_chunk", turn.Content))
		}
	}
	_ = s.writeResult(req.ID, nil)
}

func (s *Server) open(sid, cwd string, tr *session.Transcript) error {
	orch, err := s.factory(SessionSpec{ID: sid, Dir: cwd, Transcript: tr, Callbacks: s.stepCallbacks(sid)})
	if err != nil {
		return errors.Wrapf(err, "failed to start session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[sid]; ok {
		_ = old.Close()
	}
	s.sessions[sid] = orch
	return nil
}

// stepCallbacks reports agent steps as tool calls.
func (s *Server) stepCallbacks(sid string) agent.Callbacks {
	var mu sync.Mutex
	ids := make(map[*agent.Step]string)
	n := 0
	return agent.Callbacks{
		OnStepStart: func(_ int, step *agent.Step) {
			mu.Lock()
			n++
			id := fmt.Sprintf("step_%d", n)
			ids[step] = id
			mu.Unlock()
			_ = s.notify(sid, map[string]any{
				"sessionUpdate": "tool_call",
				"toolCallId":    id,
				"title":         step.Description,
				"kind":          "execute",
				"status":        "in_progress",
				"rawInput":      map[string]any{"command": step.Command},
			})
		},
		OnStepResult: func(_ int, step *agent.Step) {
			mu.Lock()
			id, ok := ids[step]
			mu.Unlock()
			if !ok {
				return
			}
			status := "completed"
			if step.Status == agent.StatusFailed {
				status = "failed"
			}
			update := map[string]any{
				"sessionUpdate": "tool_call_update",
				"toolCallId":    id,
				"status":        status,
			}
			if step.Result != nil {
				update["rawOutput"] = map[string]any{
					"exitCode": step.Result.ExitCode,
					"stdout":   step.Result.Stdout,
					"stderr":   step.Result.Stderr,
				}
			}
			if step.Reason != "" {
				update["content"] = []any{map[string]any{
					"type":    "content",
					"content": map[string]any{"type": "text", "text": step.Reason},
				}}
			}
			_ = s.notify(sid, update)
		},
	}
}

// contentBlock is a prompt content block. Only text and resource_link
// blocks are used.
type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

func (s *Server) handlePrompt(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := unmarshalParams(req.Params, &p); err != nil {
		_ = s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	s.mu.Lock()
	orch, ok := s.sessions[p.SessionID]
	s.mu.Unlock()
	if !ok {
		_ = s.writeError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}

	text := extractUserText(p.Prompt)
	ts, err := orch.HandleStream(ctx, session.NewRequest(text, session.ModeAI))
	if err != nil {
		_ = s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	for ts.Next() {
		_ = s.notify(p.SessionID, textUpdate("agent_message_chunk", ts.Current()))
	}
	_ = ts.Close()

	stop := "end_turn"
	if ts.Response().Refused {
		stop = "refusal"
	} else if ctx.Err() != nil {
		stop = "cancelled"
	}
	_ = s.writeResult(req.ID, map[string]any{"stopReason": stop})
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, orch := range s.sessions {
		if err := orch.Close(); err != nil {
			s.log.Warn("could not save session", zap.String("session", id), zap.Error(err))
		}
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// maxResourceSize bounds inlined file contents.
const maxResourceSize = 50000

// extractUserText joins text blocks and inlines file:// resources.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, describeResource(b))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}
	if content, err := readFileURI(b.URI); err != nil {
		fmt.Fprintf(&sb, "\n[%v]\n", err)
	} else {
		if len(content) > maxResourceSize {
			content = content[:maxResourceSize] + "\n\n[... truncated ...]"
		}
		fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

func readFileURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("content not available for %s resources", u.Scheme)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(data), nil
}
