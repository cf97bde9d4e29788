package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/httpclient"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2025-03-26"

// sessionHeader carries the server-assigned session id on the HTTP transport.
const sessionHeader = "Mcp-Session-Id"

// JSON-RPC 2.0 envelope types.

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// rpcTransport moves JSON-RPC envelopes to and from the remote process.
type rpcTransport interface {
	roundTrip(ctx context.Context, req *rpcRequest) (*rpcResponse, error)
	notify(ctx context.Context, method string, params interface{}) error
	close() error
}

// MCPClient speaks the MCP tool protocol to one remote server.
type MCPClient struct {
	serverID  string
	transport rpcTransport
	nextID    atomic.Int64
}

// NewMCPClient builds a client for the server record and performs the
// initialize handshake. The caller owns the client and must Close it.
func NewMCPClient(ctx context.Context, record MCPServerRecord) (*MCPClient, error) {
	var transport rpcTransport
	var err error

	switch record.Transport {
	case "stdio":
		transport, err = newStdioTransport(record.Command, record.Args, record.Env)
	case "http", "sse":
		transport = newHTTPTransport(record.Command, record.Headers)
	default:
		return nil, NewToolError("mcp", "connect",
			fmt.Sprintf("unsupported transport %q", record.Transport), nil)
	}
	if err != nil {
		return nil, NewToolError("mcp", "connect", "failed to start transport", err)
	}

	c := &MCPClient{serverID: record.ID, transport: transport}
	if err := c.initialize(ctx); err != nil {
		transport.close()
		return nil, err
	}
	return c, nil
}

func (c *MCPClient) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "kk-ai-nl2sql",
			"version": "1.0.0",
		},
	}

	if _, err := c.request(ctx, "initialize", params); err != nil {
		return NewToolError("mcp", "initialize", "handshake failed", err)
	}
	if err := c.transport.notify(ctx, "notifications/initialized", nil); err != nil {
		return NewToolError("mcp", "initialize", "failed to send initialized notification", err)
	}
	return nil
}

func (c *MCPClient) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	resp, err := c.transport.roundTrip(ctx, &rpcRequest{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// ListTools discovers the server's tool descriptors.
func (c *MCPClient) ListTools(ctx context.Context) ([]Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	result, err := c.request(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, NewToolError("mcp", "list_tools", "discovery failed", err)
	}

	var parsed struct {
		Tools []struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			InputSchema map[string]interface{} `json:"inputSchema"`
			Parameters  map[string]interface{} `json:"parameters"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, NewToolError("mcp", "list_tools", "malformed tools/list result", err)
	}

	descriptors := make([]Descriptor, 0, len(parsed.Tools))
	for _, t := range parsed.Tools {
		params := t.InputSchema
		if params == nil {
			params = t.Parameters
		}
		descriptors = append(descriptors, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Source:      SourceMCPPrefix + c.serverID,
		})
	}
	return descriptors, nil
}

// CallTool invokes a tool and returns the concatenated text parts of the
// result. A result flagged isError is returned as an error with the text.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := c.request(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", NewToolError("mcp", "call_tool", fmt.Sprintf("call to %q failed", name), err)
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", NewToolError("mcp", "call_tool", "malformed tools/call result", err)
	}

	var parts []string
	for _, part := range parsed.Content {
		if part.Type == "text" && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if parsed.IsError {
		return "", NewToolError("mcp", "call_tool", text, nil)
	}
	return text, nil
}

// Close releases the transport: the child process is terminated or the HTTP
// session is dropped.
func (c *MCPClient) Close() error {
	return c.transport.close()
}

// stdio transport: newline-framed JSON-RPC over child-process pipes.

type stdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse

	done     chan struct{}
	closeOne sync.Once
}

func newStdioTransport(command string, args []string, env map[string]string) (*stdioTransport, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required for stdio transport")
	}

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t, nil
}

// newStdioTransportFromPipes builds a transport over arbitrary pipes with no
// child process, used by tests.
func newStdioTransportFromPipes(stdin io.WriteCloser, stdout io.Reader) *stdioTransport {
	t := &stdioTransport{
		stdin:   stdin,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Debug("skipping unparseable stdio line", "error", err)
			continue
		}
		// Out-of-band notifications carry no id.
		if resp.ID == nil {
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.pendingMu.Unlock()

		if ok {
			ch <- &resp
		}
	}
	t.closeOne.Do(func() { close(t.done) })
}

func (t *stdioTransport) write(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

func (t *stdioTransport) roundTrip(ctx context.Context, req *rpcRequest) (*rpcResponse, error) {
	ch := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[*req.ID] = ch
	t.pendingMu.Unlock()

	cleanup := func() {
		t.pendingMu.Lock()
		delete(t.pending, *req.ID)
		t.pendingMu.Unlock()
	}

	if err := t.write(req); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-t.done:
		cleanup()
		return nil, fmt.Errorf("remote process closed its output")
	}
}

func (t *stdioTransport) notify(ctx context.Context, method string, params interface{}) error {
	return t.write(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *stdioTransport) close() error {
	t.stdin.Close()
	if t.cmd != nil && t.cmd.Process != nil {
		// Give the process a moment to exit on closed stdin, then kill.
		waited := make(chan error, 1)
		go func() { waited <- t.cmd.Wait() }()
		select {
		case <-waited:
		case <-time.After(2 * time.Second):
			t.cmd.Process.Kill()
			<-waited
		}
	}
	t.closeOne.Do(func() { close(t.done) })
	return nil
}

// HTTP transport: JSON-RPC envelopes over POST, accepting either a JSON body
// or a text/event-stream response.

type httpTransport struct {
	url     string
	headers map[string]string
	client  *httpclient.Client

	sessionMu sync.Mutex
	sessionID string
}

func newHTTPTransport(url string, headers map[string]string) *httpTransport {
	return &httpTransport{
		url:     url,
		headers: headers,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: CallTimeout + 5*time.Second}),
			httpclient.WithMaxRetries(1),
		),
	}
}

func (t *httpTransport) post(ctx context.Context, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.sessionMu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.sessionMu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	// The session id assigned on the first response is echoed afterwards.
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.sessionMu.Lock()
		t.sessionID = sid
		t.sessionMu.Unlock()
	}

	return resp, nil
}

func (t *httpTransport) roundTrip(ctx context.Context, req *rpcRequest) (*rpcResponse, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return parseSSEResponse(resp.Body)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &rpcResp, nil
}

// parseSSEResponse extracts the first data: line whose payload parses as a
// JSON-RPC response.
func parseSSEResponse(body io.Reader) (*rpcResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var rpcResp rpcResponse
		if err := json.Unmarshal([]byte(payload), &rpcResp); err != nil {
			continue
		}
		return &rpcResp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil, fmt.Errorf("no JSON-RPC payload in event stream")
}

func (t *httpTransport) notify(ctx context.Context, method string, params interface{}) error {
	resp, err := t.post(ctx, &rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil
}

func (t *httpTransport) close() error {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	t.sessionID = ""
	return nil
}
