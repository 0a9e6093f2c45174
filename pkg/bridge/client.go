// Package bridge exposes the client facade: configuration validation,
// registry wiring, provider routing, tool registration, and shutdown.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/langadventurellc/burnside-sub006/pkg/agent"
	"github.com/langadventurellc/burnside-sub006/pkg/config"
	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/llms"
	"github.com/langadventurellc/burnside-sub006/pkg/logger"
	"github.com/langadventurellc/burnside-sub006/pkg/observability"
	"github.com/langadventurellc/burnside-sub006/pkg/protocol"
	"github.com/langadventurellc/burnside-sub006/pkg/streaming"
	"github.com/langadventurellc/burnside-sub006/pkg/tools"
)

const mcpConnectTimeout = 10 * time.Second

// Client routes unified chat requests to provider plugins. Construction
// validates and freezes the configuration; a Client is safe for
// concurrent use until Dispose.
type Client struct {
	cfg       *config.ValidatedConfig
	providers *llms.ProviderRegistry
	models    *llms.ModelRegistry
	transport llms.Transport

	toolRegistry *tools.Registry
	toolRouter   *tools.Router
	mcpRegs      []*tools.MCPToolRegistry

	mu          sync.Mutex
	initialized map[string]bool
	disposed    bool
}

// New validates the configuration and wires the registries. MCP server
// failures are logged and skipped; they never fail construction.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	validated, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	level, _ := logger.ParseLevel(validated.Logging.Level)
	logger.Init(level, os.Stderr, validated.Logging.Format)

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      validated.Tracing.Enabled,
		EndpointURL:  validated.Tracing.EndpointURL,
		SamplingRate: validated.Tracing.SamplingRate,
		ServiceName:  validated.Tracing.ServiceName,
	}); err != nil {
		slog.Warn("tracer bootstrap failed, continuing without tracing", "error", err)
	}

	client := &Client{
		cfg:         validated,
		providers:   llms.NewProviderRegistry(),
		models:      llms.NewModelRegistry(),
		transport:   llms.NewHTTPTransport(validated),
		initialized: make(map[string]bool),
	}

	for _, plugin := range []llms.ProviderPlugin{
		llms.NewOpenAIPlugin(),
		llms.NewAnthropicPlugin(),
		llms.NewGeminiPlugin(),
	} {
		if err := client.providers.RegisterPlugin(plugin); err != nil {
			return nil, err
		}
	}

	if err := client.seedModels(); err != nil {
		return nil, err
	}

	if validated.Tools != nil && validated.Tools.Enabled {
		client.toolRegistry = tools.NewRegistry()
		client.toolRouter = tools.NewRouter(client.toolRegistry)
		if err := tools.RegisterBuiltins(client.toolRegistry, validated.Tools.BuiltinTools); err != nil {
			return nil, err
		}
		client.connectMCPServers(ctx, validated.Tools.MCPServers)
	}

	return client, nil
}

// seedModels populates the model registry per the model_seed spec.
func (c *Client) seedModels() error {
	var catalog *llms.Catalog
	var err error

	switch c.cfg.ModelSeed.Mode {
	case config.ModelSeedNone:
		return nil
	case config.ModelSeedBuiltin:
		catalog, err = llms.LoadBuiltinCatalog()
		if err == nil {
			// Builtin seeding only covers provider types the caller
			// actually configured.
			return catalog.Seed(c.models, c.configuredProviderTypes())
		}
	case config.ModelSeedData:
		catalog, err = llms.CatalogFromData(c.cfg.ModelSeed.Data)
	case config.ModelSeedPath:
		catalog, err = llms.LoadCatalogFile(c.cfg.ModelSeed.Path)
	default:
		return errs.New(errs.CodeInvalidConfig,
			fmt.Sprintf("unsupported model seed mode '%s'", c.cfg.ModelSeed.Mode))
	}
	if err != nil {
		return err
	}
	return catalog.Seed(c.models, nil)
}

func (c *Client) configuredProviderTypes() map[string]bool {
	types := make(map[string]bool, len(c.cfg.Providers))
	for key := range c.cfg.Providers {
		types[config.ProviderTypeOf(key)] = true
	}
	return types
}

// connectMCPServers brings up each configured server. A failing server is
// logged and skipped so one bad endpoint cannot block construction.
func (c *Client) connectMCPServers(ctx context.Context, servers []config.MCPServerConfig) {
	for _, server := range servers {
		connectCtx, cancel := context.WithTimeout(ctx, mcpConnectTimeout)
		mcpClient := tools.NewMCPClient(server)
		if err := mcpClient.Connect(connectCtx); err != nil {
			slog.Warn("skipping MCP server", "server", server.Name, "error", err)
			cancel()
			continue
		}

		reg := tools.NewMCPToolRegistry(mcpClient)
		count, err := reg.RegisterMCPTools(connectCtx, c.toolRegistry)
		cancel()
		if err != nil {
			slog.Warn("failed to register MCP tools", "server", server.Name, "error", err)
			if derr := mcpClient.Disconnect(); derr != nil {
				slog.Warn("failed to disconnect MCP server", "server", server.Name, "error", derr)
			}
			continue
		}

		slog.Info("registered MCP tools", "server", server.Name, "count", count)
		c.mcpRegs = append(c.mcpRegs, reg)
	}
}

// GetConfig returns a copy of the frozen, validated configuration.
func (c *Client) GetConfig() *config.ValidatedConfig {
	return c.cfg.Clone()
}

// ToolsEnabled reports whether the tool system is active.
func (c *Client) ToolsEnabled() bool {
	return c.toolRegistry != nil
}

// RegisterTool adds a caller-supplied tool to the registry.
func (c *Client) RegisterTool(def protocol.ToolDefinition, handler tools.Handler) error {
	if c.toolRegistry == nil {
		return errs.New(errs.CodeToolSystemDisabled,
			"tool system is disabled, enable tools in the client configuration")
	}
	return c.toolRegistry.RegisterTool(def, handler, false)
}

// Chat performs one unified chat exchange and returns the final assistant
// message. Requests carrying tools and a multi-turn config run the agent
// loop; everything else is a single provider call.
func (c *Client) Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.Message, error) {
	plugin, info, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	// The plugins serialize req.Model, so the resolved id must land on
	// the request copy, not just on info.
	resolved := *req
	resolved.Model = info.ID

	if agent.ShouldExecuteMultiTurn(req, c.ToolsEnabled()) {
		loop := agent.NewLoop(plugin, c.transport, c.toolRouter, &info.Capabilities, c.toolDefaults())
		return loop.Chat(ctx, &resolved)
	}

	resp, err := c.fetchOnce(ctx, plugin, info, &resolved)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// Stream performs one unified chat exchange as a lazy delta sequence.
func (c *Client) Stream(ctx context.Context, req *protocol.ChatRequest) (<-chan llms.StreamEvent, error) {
	plugin, info, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	if !info.Capabilities.Streaming {
		return nil, errs.New(errs.CodeValidation,
			fmt.Sprintf("model '%s' does not support streaming", info.ID))
	}

	resolved := *req
	resolved.Model = info.ID

	if agent.ShouldExecuteMultiTurn(req, c.ToolsEnabled()) {
		loop := agent.NewLoop(plugin, c.transport, c.toolRouter, &info.Capabilities, c.toolDefaults())
		return loop.Stream(ctx, &resolved)
	}

	return c.streamOnce(ctx, plugin, info, &resolved)
}

// prepare runs request validation, model resolution, and one-shot plugin
// initialization shared by Chat and Stream.
func (c *Client) prepare(req *protocol.ChatRequest) (llms.ProviderPlugin, *llms.ModelInfo, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, nil, err
	}
	if err := c.validateRequest(req); err != nil {
		return nil, nil, err
	}

	plugin, info, err := c.resolveModel(req.Model)
	if err != nil {
		return nil, nil, err
	}
	if err := c.ensureInitialized(plugin); err != nil {
		return nil, nil, err
	}
	return plugin, info, nil
}

func (c *Client) checkDisposed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errs.New(errs.CodeValidation, "client is disposed")
	}
	return nil
}

func (c *Client) validateRequest(req *protocol.ChatRequest) error {
	if req == nil || len(req.Messages) == 0 {
		return errs.New(errs.CodeValidation, "request carries no messages")
	}
	if len(req.Tools) > 0 {
		if c.toolRegistry == nil {
			return errs.New(errs.CodeToolSystemDisabled,
				"request carries tools but the tool system is disabled")
		}
		seen := make(map[string]bool, len(req.Tools))
		for _, def := range req.Tools {
			if seen[def.Name] {
				return errs.New(errs.CodeValidation,
					fmt.Sprintf("duplicate tool definition '%s'", def.Name))
			}
			seen[def.Name] = true
		}
	}
	return nil
}

// resolveModel qualifies the model identifier with the default provider
// type, looks it up, and resolves the bound plugin.
func (c *Client) resolveModel(model string) (llms.ProviderPlugin, *llms.ModelInfo, error) {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	defaultType := config.ProviderTypeOf(c.cfg.DefaultProvider)
	qualified := llms.QualifiedModelID(defaultType, model)

	info, ok := c.models.Lookup(model, defaultType)
	if !ok {
		return nil, nil, errs.New(errs.CodeUnknownModel,
			fmt.Sprintf("model '%s' is not registered", qualified))
	}

	binding := info.PluginBinding()
	if binding == "" {
		binding = info.ProviderID
	}
	plugin, ok := c.providers.Resolve(binding)
	if !ok {
		return nil, nil, errs.New(errs.CodeUnknownModel,
			fmt.Sprintf("model '%s' is bound to unregistered plugin '%s'", qualified, binding))
	}
	return plugin, info, nil
}

// ensureInitialized calls plugin.Initialize exactly once per (plugin id,
// provider-config key).
func (c *Client) ensureInitialized(plugin llms.ProviderPlugin) error {
	configKey, providerCfg, err := c.providerConfigFor(plugin.ID())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cacheKey := plugin.ID() + "|" + configKey
	if c.initialized[cacheKey] {
		return nil
	}
	if err := plugin.Initialize(providerCfg); err != nil {
		return err
	}
	c.initialized[cacheKey] = true
	return nil
}

// providerConfigFor picks the configuration serving a provider type: the
// default provider when it matches, else the first flattened key of that
// type in sorted order.
func (c *Client) providerConfigFor(providerType string) (string, config.ProviderConfig, error) {
	if config.ProviderTypeOf(c.cfg.DefaultProvider) == providerType {
		return c.cfg.DefaultProvider, c.cfg.Providers[c.cfg.DefaultProvider], nil
	}

	var keys []string
	for key := range c.cfg.Providers {
		if strings.HasPrefix(key, providerType+".") {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return "", nil, errs.New(errs.CodeInvalidConfig,
			fmt.Sprintf("no provider configuration for type '%s'", providerType))
	}
	sort.Strings(keys)
	return keys[0], c.cfg.Providers[keys[0]], nil
}

func (c *Client) toolDefaults() tools.ExecuteOptions {
	opts := tools.ExecuteOptions{}
	if t := c.cfg.Tools; t != nil {
		opts.Timeout = time.Duration(t.ExecutionTimeoutMs) * time.Millisecond
		opts.MaxConcurrent = t.MaxConcurrentTools
	}
	return opts
}

// fetchOnce performs a single non-streaming provider exchange.
func (c *Client) fetchOnce(ctx context.Context, plugin llms.ProviderPlugin, info *llms.ModelInfo, req *protocol.ChatRequest) (*protocol.UnifiedResponse, error) {
	singleReq := *req
	singleReq.Stream = false

	wireReq, err := plugin.TranslateRequest(&singleReq, &info.Capabilities, nil)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartProviderCall(ctx, plugin.ID(), info.ID, false)
	defer span.End()

	resp, err := c.transport.Fetch(ctx, wireReq)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	unified, err := plugin.ParseResponse(resp)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if unified.Usage != nil {
		observability.AddTokenUsage(span, unified.Usage.PromptTokens, unified.Usage.CompletionTokens)
	}
	return unified, nil
}

// streamOnce performs a single streaming exchange, driving the deltas
// through the state machine so the caller observes one clean sequence.
func (c *Client) streamOnce(ctx context.Context, plugin llms.ProviderPlugin, info *llms.ModelInfo, req *protocol.ChatRequest) (<-chan llms.StreamEvent, error) {
	streamReq := *req
	streamReq.Stream = true

	wireReq, err := plugin.TranslateRequest(&streamReq, &info.Capabilities, nil)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartProviderCall(ctx, plugin.ID(), info.ID, true)

	resp, err := c.transport.Stream(ctx, wireReq)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBody(resp)
		normalized := plugin.NormalizeError(resp.StatusCode, body, resp.Header)
		observability.RecordError(span, normalized)
		span.End()
		return nil, normalized
	}

	events := plugin.ParseStream(ctx, resp.Body)
	out := make(chan llms.StreamEvent)

	go func() {
		defer close(out)
		defer span.End()

		machine := streaming.NewMachine()
		machine.OnDelta = func(delta protocol.StreamDelta) {
			select {
			case out <- llms.StreamEvent{Delta: &delta}:
			case <-ctx.Done():
			}
		}

		result := machine.HandleStream(ctx, events)
		if !result.Success && result.Err != nil {
			observability.RecordError(span, result.Err)
			select {
			case out <- llms.StreamEvent{Err: result.Err}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body
}

// Dispose tears the client down: MCP tools are unregistered, every MCP
// client is disconnected, and internal caches are cleared. Idempotent and
// never fails; individual cleanup errors are logged as warnings.
func (c *Client) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.initialized = make(map[string]bool)
	regs := c.mcpRegs
	c.mcpRegs = nil
	c.mu.Unlock()

	for _, reg := range regs {
		reg.UnregisterMCPTools()
		if err := reg.Client().Disconnect(); err != nil {
			slog.Warn("failed to disconnect MCP server", "server", reg.Client().Name(), "error", err)
		}
	}
	return nil
}
