package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
)

// fakeMCPServer answers initialize, tools/list and tools/call over
// JSON-RPC.
func fakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = map[string]interface{}{"protocolVersion": mcpProtocolVersion}
		case "tools/list":
			resp.Result = map[string]interface{}{
				"tools": []interface{}{
					map[string]interface{}{
						"name":        "weather",
						"description": "Current weather for a city.",
						"inputSchema": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"city": map[string]interface{}{"type": "string"},
							},
						},
					},
					map[string]interface{}{
						"name": "fail",
					},
				},
			}
		case "tools/call":
			params := req.Params.(map[string]interface{})
			if params["name"] == "fail" {
				resp.Result = map[string]interface{}{
					"isError": true,
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": "backend unavailable"},
					},
				}
			} else {
				resp.Result = map[string]interface{}{
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": "sunny"},
					},
				}
			}
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func connectedClient(t *testing.T, url string) *MCPClient {
	t.Helper()
	client := NewMCPClient(config.MCPServerConfig{Name: "test-server", URL: url})
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestMCPClientLifecycle(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()

	client := NewMCPClient(config.MCPServerConfig{Name: "test-server", URL: server.URL})
	assert.False(t, client.IsConnected())

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())

	// Connect and Disconnect are idempotent.
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())
}

func TestMCPClientHTTPConnectCompletes(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()
	client := NewMCPClient(config.MCPServerConfig{Name: "test-server", URL: server.URL})

	done := make(chan error, 1)
	go func() { done <- client.Connect(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("HTTP connect did not complete")
	}
	assert.True(t, client.IsConnected())
	require.NoError(t, client.Disconnect())
}

func TestMCPClientConnectFailsFast(t *testing.T) {
	client := NewMCPClient(config.MCPServerConfig{Name: "dead", URL: "http://127.0.0.1:1/rpc"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	require.Error(t, err)
	assert.False(t, client.IsConnected())
}

func TestMCPClientListTools(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()

	tools, err := connectedClient(t, server.URL).ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "weather", tools[0].Name)
	assert.Equal(t, "object", tools[0].InputSchema["type"])
}

func TestMCPClientCallTool(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()
	client := connectedClient(t, server.URL)

	data, err := client.CallTool(context.Background(), "weather", map[string]interface{}{"city": "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, "sunny", data["result"])

	_, err = client.CallTool(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}

func TestMCPClientRequiresConnection(t *testing.T) {
	client := NewMCPClient(config.MCPServerConfig{Name: "cold", URL: "http://127.0.0.1:1"})
	_, err := client.ListTools(context.Background())
	require.Error(t, err)
	_, err = client.CallTool(context.Background(), "x", nil)
	require.Error(t, err)
}

func TestMCPToolRegistryRoundTrip(t *testing.T) {
	server := fakeMCPServer(t)
	defer server.Close()
	client := connectedClient(t, server.URL)

	reg := NewRegistry()
	mcpReg := NewMCPToolRegistry(client)

	count, err := mcpReg.RegisterMCPTools(context.Background(), reg)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, mcpReg.RegisteredToolCount())

	// The remote tool is dispatchable through the router.
	router := NewRouter(reg)
	call := protocol.ToolCall{ID: "c1", Name: "weather", Parameters: map[string]interface{}{"city": "Oslo"}}
	result := router.Execute(context.Background(), call, nil, time.Second)
	require.True(t, result.Success)
	assert.Equal(t, "sunny", result.Data["result"])

	mcpReg.UnregisterMCPTools()
	assert.Equal(t, 0, mcpReg.RegisteredToolCount())
	assert.Equal(t, 0, reg.Count())
}

func TestParseHTTPResultShapes(t *testing.T) {
	// Single text part collapses to "result".
	data, err := parseHTTPResult(map[string]interface{}{
		"content": []interface{}{map[string]interface{}{"type": "text", "text": "one"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "one", data["result"])

	// Multiple parts become "results".
	data, err = parseHTTPResult(map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": "a"},
			map[string]interface{}{"type": "text", "text": "b"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, data["results"])

	// Non-map results are preserved.
	data, err = parseHTTPResult("bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", data["result"])
}
