package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// RemoteTool is a tool advertised by an MCP server.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// MCPClient talks to one remote tool server. URL-configured servers use
// JSON-RPC 2.0 over HTTP; command-configured servers run the server as a
// subprocess speaking the stdio transport.
type MCPClient struct {
	cfg config.MCPServerConfig

	mu        sync.Mutex
	http      *httpclient.Client
	stdio     *client.Client
	connected bool
	nextID    int
}

func NewMCPClient(cfg config.MCPServerConfig) *MCPClient {
	return &MCPClient{cfg: cfg, nextID: 1}
}

// Name returns the configured server name.
func (c *MCPClient) Name() string {
	return c.cfg.Name
}

// IsConnected reflects the live connection.
func (c *MCPClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect performs the MCP initialize handshake. Connecting twice is a
// no-op.
func (c *MCPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var err error
	if c.cfg.Command != "" {
		err = c.connectStdio(ctx)
	} else {
		err = c.connectHTTP(ctx)
	}
	if err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *MCPClient) connectStdio(ctx context.Context) error {
	stdioClient, err := client.NewStdioMCPClient(c.cfg.Command, nil, c.cfg.Args...)
	if err != nil {
		return errs.Wrap(errs.CodeTool, fmt.Sprintf("failed to spawn MCP server '%s'", c.cfg.Name), err)
	}
	if err := stdioClient.Start(ctx); err != nil {
		return errs.Wrap(errs.CodeTool, fmt.Sprintf("failed to start MCP server '%s'", c.cfg.Name), err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "llmbridge",
		Version: "1.0.0",
	}
	if _, err := stdioClient.Initialize(ctx, initReq); err != nil {
		stdioClient.Close()
		return errs.Wrap(errs.CodeTool, fmt.Sprintf("failed to initialize MCP server '%s'", c.cfg.Name), err)
	}

	c.stdio = stdioClient
	slog.Info("Connected to MCP server", "name", c.cfg.Name, "transport", "stdio", "command", c.cfg.Command)
	return nil
}

// connectHTTP runs under c.mu (held by Connect), so the id counter and
// the transport field are touched directly instead of through rpc.
func (c *MCPClient) connectHTTP(ctx context.Context) error {
	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(2),
	)
	id := c.nextID
	c.nextID++

	resp, err := c.send(ctx, httpClient, id, "initialize", map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    "llmbridge",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' rejected initialize: %s", c.cfg.Name, resp.Error.Message))
	}

	c.http = httpClient
	slog.Info("Connected to MCP server", "name", c.cfg.Name, "transport", "http", "url", c.cfg.URL)
	return nil
}

// Disconnect closes the connection. Safe to call repeatedly.
func (c *MCPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.stdio != nil {
		if err := c.stdio.Close(); err != nil {
			return errs.Wrap(errs.CodeTool, fmt.Sprintf("failed to close MCP server '%s'", c.cfg.Name), err)
		}
		c.stdio = nil
	}
	c.http = nil
	return nil
}

// ListTools discovers the tools the server advertises.
func (c *MCPClient) ListTools(ctx context.Context) ([]RemoteTool, error) {
	c.mu.Lock()
	stdio := c.stdio
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' is not connected", c.cfg.Name))
	}

	if stdio != nil {
		listResp, err := stdio.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, errs.Wrap(errs.CodeTool, fmt.Sprintf("failed to list tools from '%s'", c.cfg.Name), err)
		}
		tools := make([]RemoteTool, 0, len(listResp.Tools))
		for _, remote := range listResp.Tools {
			tools = append(tools, RemoteTool{
				Name:        remote.Name,
				Description: remote.Description,
				InputSchema: schemaToMap(remote.InputSchema),
			})
		}
		return tools, nil
	}

	resp, err := c.rpc(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' failed tools/list: %s", c.cfg.Name, resp.Error.Message))
	}
	return parseRemoteTools(resp.Result), nil
}

// CallTool invokes one remote tool and reduces the MCP result to a plain
// data map. Server-reported tool errors come back as errors, not data.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	stdio := c.stdio
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' is not connected", c.cfg.Name))
	}

	if stdio != nil {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		resp, err := stdio.CallTool(ctx, req)
		if err != nil {
			return nil, errs.Wrap(errs.CodeTool, fmt.Sprintf("MCP call '%s' failed on '%s'", name, c.cfg.Name), err)
		}
		return parseStdioResult(resp)
	}

	resp, err := c.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP call '%s' failed on '%s': %s", name, c.cfg.Name, resp.Error.Message))
	}
	return parseHTTPResult(resp.Result)
}

// JSON-RPC 2.0 envelope.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request over the established HTTP transport.
func (c *MCPClient) rpc(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	httpClient := c.http
	c.mu.Unlock()

	if httpClient == nil {
		return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' has no HTTP transport", c.cfg.Name))
	}
	return c.send(ctx, httpClient, id, method, params)
}

// send performs one JSON-RPC exchange without touching c.mu; callers pass
// the transport and request id explicitly. Servers may answer with plain
// JSON or with a single-event SSE body; both are accepted.
func (c *MCPClient) send(ctx context.Context, httpClient *httpclient.Client, id int, method string, params interface{}) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errs.Wrap(errs.CodeTool, "failed to encode MCP request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, errs.Wrap(errs.CodeTool, "failed to build MCP request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	httpResp, err := httpClient.Do(req)
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
		}
		return nil, errs.Wrap(errs.CodeTransport, fmt.Sprintf("MCP request to '%s' failed", c.cfg.Name), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' returned HTTP %d", c.cfg.Name, httpResp.StatusCode))
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransport, "failed to read MCP response", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(responseBody, &resp); err == nil {
		return &resp, nil
	}

	for _, line := range strings.Split(string(responseBody), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &resp); err == nil {
				return &resp, nil
			}
		}
	}
	return nil, errs.New(errs.CodeTool, fmt.Sprintf("MCP server '%s' returned an unparseable response", c.cfg.Name))
}

func parseRemoteTools(result interface{}) []RemoteTool {
	var tools []RemoteTool
	resultMap, ok := result.(map[string]interface{})
	if !ok {
		return tools
	}
	rawTools, ok := resultMap["tools"].([]interface{})
	if !ok {
		return tools
	}
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		description, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]interface{})
		tools = append(tools, RemoteTool{Name: name, Description: description, InputSchema: schema})
	}
	return tools
}

// parseHTTPResult reduces a tools/call result to a data map: isError
// results surface the error text, text content collapses to "result" or
// "results".
func parseHTTPResult(result interface{}) (map[string]interface{}, error) {
	resultMap, ok := result.(map[string]interface{})
	if !ok {
		return map[string]interface{}{"result": result}, nil
	}

	if isError, _ := resultMap["isError"].(bool); isError {
		message := "unknown error"
		if content, ok := resultMap["content"].([]interface{}); ok {
			for _, part := range content {
				if partMap, ok := part.(map[string]interface{}); ok {
					if text, ok := partMap["text"].(string); ok {
						message = text
						break
					}
				}
			}
		}
		return nil, errs.New(errs.CodeTool, message)
	}

	var texts []string
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, part := range content {
			if partMap, ok := part.(map[string]interface{}); ok && partMap["type"] == "text" {
				if text, ok := partMap["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}

	out := make(map[string]interface{})
	switch len(texts) {
	case 0:
		out["result"] = resultMap
	case 1:
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out, nil
}

func parseStdioResult(resp *mcp.CallToolResult) (map[string]interface{}, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		message := "unknown error"
		if len(texts) > 0 {
			message = texts[0]
		}
		return nil, errs.New(errs.CodeTool, message)
	}

	out := make(map[string]interface{})
	switch len(texts) {
	case 0:
		// Non-text content; preserve it verbatim.
		out["result"] = resp.Content
	case 1:
		out["result"] = texts[0]
	default:
		out["results"] = texts
	}
	return out, nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
