// Package mcprpc is a JSON-RPC 2.0 client session for an MCP-style
// remote tool service. A session must complete the initialize handshake
// before any tool call; callers normally never invoke Connect themselves
// because ListTools and CallTool connect lazily and re-connect once
// after a failure.
package mcprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// State is the handshake state of a session.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultTimeout = 180 * time.Second

	methodInitialized = "notifications/initialized"
)

// rpcRequest is the outgoing JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcNotification is an envelope without an id; no response is expected.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Session speaks JSON-RPC 2.0 over HTTP POST to a single remote
// endpoint. One request is in flight at a time; the request id is a
// session-scoped monotonic counter used to correlate responses.
type Session struct {
	serverURL  string
	apiKey     string
	timeout    time.Duration
	clientInfo mcp.Implementation
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	state   State
	nextID  int64
	catalog map[string]mcp.Tool
	server  mcp.Implementation
}

// Option configures a Session.
type Option func(*Session)

// WithAPIKey sets the X-API-Key header sent on every request.
func WithAPIKey(key string) Option {
	return func(s *Session) { s.apiKey = key }
}

// WithTimeout sets the per-call timeout. The default is generous because
// the remote tools drive browser automation.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClientInfo sets the identity announced during the handshake.
func WithClientInfo(name, version string) Option {
	return func(s *Session) { s.clientInfo = mcp.Implementation{Name: name, Version: version} }
}

// WithHTTPClient replaces the underlying HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// New creates a Session for the given endpoint. No network traffic
// happens until the first call.
func New(serverURL string, opts ...Option) *Session {
	s := &Session{
		serverURL:  strings.TrimRight(serverURL, "/"),
		timeout:    defaultTimeout,
		clientInfo: mcp.Implementation{Name: "redpost", Version: "dev"},
		httpClient: &http.Client{},
		logger:     slog.Default(),
		catalog:    make(map[string]mcp.Tool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the identity the remote side announced during the
// handshake; zero value before the first successful Connect.
func (s *Session) ServerInfo() mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Connect performs the initialize handshake and sends the initialized
// notification. Calling Connect on a Ready session is a no-op. A failed
// handshake leaves the session in StateFailed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.state == StateReady {
		return nil
	}

	s.state = StateHandshaking
	params := initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      s.clientInfo,
	}

	raw, err := s.sendLocked(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		s.state = StateFailed
		return err
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.state = StateFailed
		return &ProtocolError{Op: "initialize", Message: fmt.Sprintf("malformed initialize result: %v", err)}
	}
	s.server = result.ServerInfo

	// Fire-and-forget acknowledgement; failure is logged, not fatal.
	if err := s.notifyLocked(ctx, methodInitialized); err != nil {
		s.logger.Warn("initialized notification failed", "error", err)
	}

	s.state = StateReady
	s.logger.Info("remote tool session ready",
		"server", result.ServerInfo.Name,
		"protocol", result.ProtocolVersion)
	return nil
}

// ListTools returns the remote tool catalog, connecting first if needed.
// The catalog is cached for ToolInfo lookups until the session is reset.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}

	raw, err := s.sendLocked(ctx, string(mcp.MethodToolsList), struct{}{})
	if err != nil {
		s.state = StateFailed
		return nil, err
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.state = StateFailed
		return nil, &ProtocolError{Op: "tools/list", Message: fmt.Sprintf("malformed tool list: %v", err)}
	}

	s.catalog = make(map[string]mcp.Tool, len(result.Tools))
	for _, tool := range result.Tools {
		s.catalog[tool.Name] = tool
	}
	return result.Tools, nil
}

// ToolInfo returns the cached catalog entry for a tool name.
func (s *Session) ToolInfo(name string) (mcp.Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool, ok := s.catalog[name]
	return tool, ok
}

// CallTool invokes a named remote tool, connecting first if needed. A
// JSON-RPC error object or transport failure is returned as
// *ProtocolError / *TransportError and marks the session failed so the
// next call reconnects; a result whose payload reports a domain failure
// is returned as a normal *mcp.CallToolResult for the caller to inspect.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := s.sendLocked(ctx, string(mcp.MethodToolsCall), callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		s.state = StateFailed
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		s.state = StateFailed
		return nil, &ProtocolError{Op: "tools/call", Message: fmt.Sprintf("malformed tool result: %v", err)}
	}
	return result, nil
}

// ensureReadyLocked connects at most once per call. Retrying beyond that
// belongs to the orchestrator, not this layer.
func (s *Session) ensureReadyLocked(ctx context.Context) error {
	switch s.state {
	case StateReady:
		return nil
	case StateHandshaking:
		// A request slipped in mid-handshake; the mutex should make
		// this impossible.
		return ErrNotInitialized
	default:
		return s.connectLocked(ctx)
	}
}

// sendLocked posts one request and correlates the response by id.
func (s *Session) sendLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.nextID++
	id := s.nextID

	req := rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: id, Method: method, Params: params}
	respBody, err := s.post(ctx, method, req)
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProtocolError{Op: method, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if resp.Error != nil {
		return nil, &ProtocolError{Op: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.ID != id {
		return nil, &ProtocolError{Op: method, Message: fmt.Sprintf("response id %d does not match request id %d", resp.ID, id)}
	}
	if resp.Result == nil {
		return nil, &ProtocolError{Op: method, Message: "response carries neither result nor error"}
	}
	return resp.Result, nil
}

func (s *Session) notifyLocked(ctx context.Context, method string) error {
	_, err := s.post(ctx, method, rpcNotification{JSONRPC: mcp.JSONRPC_VERSION, Method: method})
	return err
}

func (s *Session) post(ctx context.Context, op string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return buf.Bytes(), nil
}

// ResultText concatenates the text content blocks of a tool result. The
// remote tools answer in free text, so this is the payload callers
// inspect for success markers.
func ResultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
