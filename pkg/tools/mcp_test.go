package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStdioServer answers JSON-RPC requests over in-memory pipes.
func fakeStdioServer(t *testing.T, handler func(req rpcRequest) interface{}) *stdioTransport {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	go func() {
		defer outW.Close()
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			// Notifications get no response.
			if req.ID == nil {
				continue
			}
			result := handler(req)
			resp := map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      *req.ID,
				"result":  result,
			}
			data, _ := json.Marshal(resp)
			// Interleave an unsolicited notification; clients must skip it.
			fmt.Fprintf(outW, `{"jsonrpc":"2.0","method":"notifications/progress"}`+"\n")
			outW.Write(append(data, '\n'))
		}
	}()

	return newStdioTransportFromPipes(inW, outR)
}

func stdioHandler(req rpcRequest) interface{} {
	switch req.Method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]interface{}{"name": "fake"},
		}
	case "tools/list":
		return map[string]interface{}{
			"tools": []map[string]interface{}{
				{
					"name":        "get_weather",
					"description": "weather lookup",
					"inputSchema": map[string]interface{}{"type": "object"},
				},
			},
		}
	case "tools/call":
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "sunny"},
				{"type": "image", "data": "ignored"},
				{"type": "text", "text": "22C"},
			},
		}
	default:
		return map[string]interface{}{}
	}
}

func TestMCPClientOverStdio(t *testing.T) {
	transport := fakeStdioServer(t, stdioHandler)
	defer transport.close()

	c := &MCPClient{serverID: "srv-1", transport: transport}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.initialize(ctx))

	descriptors, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "get_weather", descriptors[0].Name)
	assert.Equal(t, "mcp:srv-1", descriptors[0].Source)

	out, err := c.CallTool(ctx, "get_weather", map[string]interface{}{"city": "SH"})
	require.NoError(t, err)
	assert.Equal(t, "sunny\n22C", out)
}

func TestStdioSkipsNotificationsAndMatchesByID(t *testing.T) {
	transport := fakeStdioServer(t, func(req rpcRequest) interface{} {
		return map[string]interface{}{"echo": req.Method}
	})
	defer transport.close()

	id := int64(42)
	resp, err := transport.roundTrip(context.Background(), &rpcRequest{
		JSONRPC: "2.0", ID: &id, Method: "ping",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ID)
	assert.Equal(t, id, *resp.ID)
}

func TestStdioRoundTripContextTimeout(t *testing.T) {
	// A server that reads requests but never answers.
	inR, inW := io.Pipe()
	go io.Copy(io.Discard, inR)
	outR, _ := io.Pipe()
	transport := newStdioTransportFromPipes(inW, outR)
	defer transport.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	id := int64(1)
	_, err := transport.roundTrip(ctx, &rpcRequest{JSONRPC: "2.0", ID: &id, Method: "ping"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func mcpHTTPServer(t *testing.T, sse bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		// Session assigned on initialize, expected afterwards.
		if req.Method == "initialize" {
			w.Header().Set(sessionHeader, "sess-abc")
		} else if got := r.Header.Get(sessionHeader); got != "sess-abc" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}

		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		result := stdioHandler(req)
		resp, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      *req.ID,
			"result":  result,
		})

		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	}))
}

func TestMCPClientOverHTTP(t *testing.T) {
	for _, sse := range []bool{false, true} {
		name := "json"
		if sse {
			name = "sse"
		}
		t.Run(name, func(t *testing.T) {
			server := mcpHTTPServer(t, sse)
			defer server.Close()

			ctx := context.Background()
			c, err := NewMCPClient(ctx, MCPServerRecord{
				ID:        "srv-http",
				Transport: "http",
				Command:   server.URL,
			})
			require.NoError(t, err)
			defer c.Close()

			descriptors, err := c.ListTools(ctx)
			require.NoError(t, err)
			require.Len(t, descriptors, 1)
			assert.Equal(t, "get_weather", descriptors[0].Name)

			out, err := c.CallTool(ctx, "get_weather", nil)
			require.NoError(t, err)
			assert.Equal(t, "sunny\n22C", out)
		})
	}
}

func TestMCPClientRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if req.Method == "initialize" {
			resp, _ := json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0", "id": *req.ID, "result": map[string]interface{}{},
			})
			w.Write(resp)
			return
		}
		resp, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0", "id": *req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not found"},
		})
		w.Write(resp)
	}))
	defer server.Close()

	ctx := context.Background()
	c, err := NewMCPClient(ctx, MCPServerRecord{ID: "s", Transport: "http", Command: server.URL})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CallTool(ctx, "anything", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestMCPClientUnsupportedTransport(t *testing.T) {
	_, err := NewMCPClient(context.Background(), MCPServerRecord{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}
