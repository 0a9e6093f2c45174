// Package config defines and validates the bridge client configuration.
//
// Callers may supply providers in flat form ({type: {..opts}}) or nested
// form ({type: {configName: {..opts}}}). Validation flattens both into
// "type.configName" keys and resolves the default provider against them.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
)

const (
	DefaultTimeoutMs = 30000
	MinTimeoutMs     = 1000
	MaxTimeoutMs     = 300000

	// DefaultModel is used when the caller supplies neither a default
	// model nor a model on the request.
	DefaultModel = "gpt-4o-mini"

	DefaultConfigName = "default"
)

// Model seeding modes.
const (
	ModelSeedBuiltin = "builtin"
	ModelSeedNone    = "none"
	ModelSeedData    = "data"
	ModelSeedPath    = "path"
)

// ProviderConfig is the opaque option map handed to a provider plugin's
// Initialize call (api_key, base_url, and plugin-specific options).
type ProviderConfig map[string]interface{}

// Config is the caller-facing configuration surface. It is mutable until
// Validate produces a ValidatedConfig; the validated form is what the
// client keeps.
type Config struct {
	// DefaultProvider selects which provider configuration handles bare
	// model identifiers. Accepts a flattened key ("openai.prod") or a
	// bare type ("openai") when unambiguous.
	DefaultProvider string `yaml:"default_provider,omitempty" json:"defaultProvider,omitempty" mapstructure:"default_provider"`

	// Providers maps provider type to either a flat option map or a map
	// of named configurations.
	Providers map[string]map[string]interface{} `yaml:"providers" json:"providers" mapstructure:"providers"`

	DefaultModel string `yaml:"default_model,omitempty" json:"defaultModel,omitempty" mapstructure:"default_model"`

	// Timeout in milliseconds for a single provider HTTP exchange.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout"`

	// ModelSeed is "builtin", "none", or an object {data: catalog} /
	// {path: file}.
	ModelSeed interface{} `yaml:"model_seed,omitempty" json:"modelSeed,omitempty" mapstructure:"model_seed"`

	Tools *ToolsConfig `yaml:"tools,omitempty" json:"tools,omitempty" mapstructure:"tools"`

	RetryPolicy     *RetryPolicy     `yaml:"retry_policy,omitempty" json:"retryPolicy,omitempty" mapstructure:"retry_policy"`
	RateLimitPolicy *RateLimitPolicy `yaml:"rate_limit_policy,omitempty" json:"rateLimitPolicy,omitempty" mapstructure:"rate_limit_policy"`
	TLS             *TLSSettings     `yaml:"tls,omitempty" json:"tls,omitempty" mapstructure:"tls"`

	Options         map[string]interface{} `yaml:"options,omitempty" json:"options,omitempty" mapstructure:"options"`
	RegistryOptions map[string]interface{} `yaml:"registry_options,omitempty" json:"registryOptions,omitempty" mapstructure:"registry_options"`

	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty" mapstructure:"tracing"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" mapstructure:"level"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" mapstructure:"format"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url,omitempty" json:"endpointUrl,omitempty" mapstructure:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"samplingRate,omitempty" mapstructure:"sampling_rate"`
	ServiceName  string  `yaml:"service_name,omitempty" json:"serviceName,omitempty" mapstructure:"service_name"`
}

// ToolsConfig enables the tool system.
type ToolsConfig struct {
	Enabled            bool              `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	BuiltinTools       []string          `yaml:"builtin_tools,omitempty" json:"builtinTools,omitempty" mapstructure:"builtin_tools"`
	ExecutionTimeoutMs int               `yaml:"execution_timeout_ms,omitempty" json:"executionTimeoutMs,omitempty" mapstructure:"execution_timeout_ms"`
	MaxConcurrentTools int               `yaml:"max_concurrent_tools,omitempty" json:"maxConcurrentTools,omitempty" mapstructure:"max_concurrent_tools"`
	MCPServers         []MCPServerConfig `yaml:"mcp_servers,omitempty" json:"mcpServers,omitempty" mapstructure:"mcp_servers"`
}

// MCPServerConfig describes one remote tool server. URL selects the HTTP
// transport; Command selects STDIO. Exactly one must be set.
type MCPServerConfig struct {
	Name    string   `yaml:"name" json:"name" mapstructure:"name"`
	URL     string   `yaml:"url,omitempty" json:"url,omitempty" mapstructure:"url"`
	Command string   `yaml:"command,omitempty" json:"command,omitempty" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty" mapstructure:"args"`
}

// RetryPolicy shapes transport-level retries.
type RetryPolicy struct {
	Attempts             int    `yaml:"attempts,omitempty" json:"attempts,omitempty" mapstructure:"attempts"`
	Backoff              string `yaml:"backoff,omitempty" json:"backoff,omitempty" mapstructure:"backoff"`
	BaseDelayMs          int    `yaml:"base_delay_ms,omitempty" json:"baseDelayMs,omitempty" mapstructure:"base_delay_ms"`
	MaxDelayMs           int    `yaml:"max_delay_ms,omitempty" json:"maxDelayMs,omitempty" mapstructure:"max_delay_ms"`
	Jitter               *bool  `yaml:"jitter,omitempty" json:"jitter,omitempty" mapstructure:"jitter"`
	RetryableStatusCodes []int  `yaml:"retryable_status_codes,omitempty" json:"retryableStatusCodes,omitempty" mapstructure:"retryable_status_codes"`
}

// TLSSettings applies to every provider HTTP exchange: a custom CA bundle
// for private gateways, and the verification bypass for dev setups.
type TLSSettings struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecureSkipVerify,omitempty" mapstructure:"insecure_skip_verify"`
	CACertificate      string `yaml:"ca_certificate,omitempty" json:"caCertificate,omitempty" mapstructure:"ca_certificate"`
}

// RateLimitPolicy shapes client-side request pacing.
type RateLimitPolicy struct {
	Enabled *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`
	MaxRps  float64 `yaml:"max_rps,omitempty" json:"maxRps,omitempty" mapstructure:"max_rps"`
	Burst   int     `yaml:"burst,omitempty" json:"burst,omitempty" mapstructure:"burst"`
	Scope   string  `yaml:"scope,omitempty" json:"scope,omitempty" mapstructure:"scope"`
}

// ModelSeedSpec is the normalized form of the model_seed value.
type ModelSeedSpec struct {
	Mode string
	Data map[string]interface{}
	Path string
}

// ValidatedConfig is the frozen configuration a bridge client runs on.
// Providers are flattened to "type.configName" keys and the default
// provider is resolved to one of them. Treat as immutable; Clone before
// handing it to callers.
type ValidatedConfig struct {
	Timeout         int                       `json:"timeout"`
	Providers       map[string]ProviderConfig `json:"providers"`
	DefaultProvider string                    `json:"defaultProvider"`
	DefaultModel    string                    `json:"defaultModel"`
	ModelSeed       ModelSeedSpec             `json:"modelSeed"`
	Tools           *ToolsConfig              `json:"tools,omitempty"`
	RetryPolicy     *RetryPolicy              `json:"retryPolicy,omitempty"`
	RateLimitPolicy *RateLimitPolicy          `json:"rateLimitPolicy,omitempty"`
	TLS             *TLSSettings              `json:"tls,omitempty"`
	Options         map[string]interface{}    `json:"options,omitempty"`
	RegistryOptions map[string]interface{}    `json:"registryOptions,omitempty"`
	Logging         LoggingConfig             `json:"logging"`
	Tracing         TracingConfig             `json:"tracing"`
	Validated       bool                      `json:"validated"`
}

// SetDefaults applies default values before validation.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeoutMs
	}
	if c.DefaultModel == "" {
		c.DefaultModel = DefaultModel
	}
	if c.ModelSeed == nil {
		c.ModelSeed = ModelSeedBuiltin
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Tools != nil {
		if c.Tools.ExecutionTimeoutMs == 0 {
			c.Tools.ExecutionTimeoutMs = 5000
		}
		if c.Tools.MaxConcurrentTools == 0 {
			c.Tools.MaxConcurrentTools = 3
		}
	}
	if c.RetryPolicy != nil {
		if c.RetryPolicy.Attempts == 0 {
			c.RetryPolicy.Attempts = 3
		}
		if c.RetryPolicy.Backoff == "" {
			c.RetryPolicy.Backoff = "exponential"
		}
		if c.RetryPolicy.BaseDelayMs == 0 {
			c.RetryPolicy.BaseDelayMs = 2000
		}
		if c.RetryPolicy.MaxDelayMs == 0 {
			c.RetryPolicy.MaxDelayMs = 60000
		}
	}
	if c.RateLimitPolicy != nil && c.RateLimitPolicy.Scope == "" {
		c.RateLimitPolicy.Scope = "provider"
	}
}

// Validate checks the configuration, flattens providers, resolves the
// default provider, and returns the frozen form. All failures carry the
// INVALID_CONFIG code.
func (c *Config) Validate() (*ValidatedConfig, error) {
	c.SetDefaults()

	if c.Timeout < MinTimeoutMs || c.Timeout > MaxTimeoutMs {
		return nil, errs.New(errs.CodeInvalidConfig,
			fmt.Sprintf("timeout must be between %d and %d milliseconds, got %d", MinTimeoutMs, MaxTimeoutMs, c.Timeout))
	}

	if len(c.Providers) == 0 {
		return nil, errs.New(errs.CodeInvalidConfig, "at least one provider must be configured")
	}

	flattened, order, err := flattenProviders(c.Providers)
	if err != nil {
		return nil, err
	}

	defaultKey, err := resolveDefaultProvider(c.DefaultProvider, flattened, order)
	if err != nil {
		return nil, err
	}

	seed, err := normalizeModelSeed(c.ModelSeed)
	if err != nil {
		return nil, err
	}

	if c.Tools != nil {
		if err := c.Tools.validate(); err != nil {
			return nil, err
		}
	}
	if c.RetryPolicy != nil {
		if err := c.RetryPolicy.validate(); err != nil {
			return nil, err
		}
	}
	if c.RateLimitPolicy != nil {
		if err := c.RateLimitPolicy.validate(); err != nil {
			return nil, err
		}
	}

	return &ValidatedConfig{
		Timeout:         c.Timeout,
		Providers:       flattened,
		DefaultProvider: defaultKey,
		DefaultModel:    c.DefaultModel,
		ModelSeed:       seed,
		Tools:           c.Tools,
		RetryPolicy:     c.RetryPolicy,
		RateLimitPolicy: c.RateLimitPolicy,
		TLS:             c.TLS,
		Options:         c.Options,
		RegistryOptions: c.RegistryOptions,
		Logging:         c.Logging,
		Tracing:         c.Tracing,
		Validated:       true,
	}, nil
}

// flattenProviders converts both accepted provider shapes into
// "type.configName" keys. Flat maps become "type.default". The returned
// order preserves the first flattened key per type for default selection.
func flattenProviders(providers map[string]map[string]interface{}) (map[string]ProviderConfig, []string, error) {
	flattened := make(map[string]ProviderConfig)
	var order []string

	for providerType, raw := range providers {
		if len(raw) == 0 {
			return nil, nil, errs.New(errs.CodeInvalidConfig,
				fmt.Sprintf("provider '%s' has no configurations defined", providerType))
		}

		if isNestedForm(raw) {
			for configName, value := range raw {
				nested, ok := value.(map[string]interface{})
				if !ok {
					return nil, nil, errs.New(errs.CodeInvalidConfig,
						fmt.Sprintf("provider '%s' configuration '%s' must be an object", providerType, configName))
				}
				if len(nested) == 0 {
					return nil, nil, errs.New(errs.CodeInvalidConfig,
						fmt.Sprintf("provider '%s' configuration '%s' has no configurations defined", providerType, configName))
				}
				key := providerType + "." + configName
				flattened[key] = ProviderConfig(nested)
				order = append(order, key)
			}
			continue
		}

		key := providerType + "." + DefaultConfigName
		flattened[key] = ProviderConfig(raw)
		order = append(order, key)
	}

	// Map iteration order is random; sort so default selection is
	// deterministic across constructions.
	sort.Strings(order)
	return flattened, order, nil
}

// isNestedForm reports whether every value of the provider map is itself
// an object, which distinguishes {type: {name: {..}}} from {type: {..opts}}.
func isNestedForm(raw map[string]interface{}) bool {
	for _, value := range raw {
		if _, ok := value.(map[string]interface{}); !ok {
			return false
		}
	}
	return true
}

// resolveDefaultProvider maps the caller's defaultProvider value onto a
// flattened key. A bare provider type resolves when it owns exactly one
// configuration, regardless of that configuration's name.
func resolveDefaultProvider(requested string, flattened map[string]ProviderConfig, order []string) (string, error) {
	if requested == "" {
		return order[0], nil
	}

	if _, ok := flattened[requested]; ok {
		return requested, nil
	}

	var matches []string
	prefix := requested + "."
	for key := range flattened {
		if strings.HasPrefix(key, prefix) {
			matches = append(matches, key)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", errs.New(errs.CodeInvalidConfig,
			fmt.Sprintf("default provider '%s' not found in providers configuration", requested))
	default:
		return "", errs.New(errs.CodeInvalidConfig,
			fmt.Sprintf("default provider '%s' matches multiple configurations, use a qualified key", requested))
	}
}

func normalizeModelSeed(raw interface{}) (ModelSeedSpec, error) {
	switch v := raw.(type) {
	case string:
		if v != ModelSeedBuiltin && v != ModelSeedNone {
			return ModelSeedSpec{}, errs.New(errs.CodeInvalidConfig,
				fmt.Sprintf("model_seed must be 'builtin', 'none', or an object, got '%s'", v))
		}
		return ModelSeedSpec{Mode: v}, nil
	case map[string]interface{}:
		if data, ok := v["data"].(map[string]interface{}); ok {
			return ModelSeedSpec{Mode: ModelSeedData, Data: data}, nil
		}
		if path, ok := v["path"].(string); ok && path != "" {
			return ModelSeedSpec{Mode: ModelSeedPath, Path: path}, nil
		}
		return ModelSeedSpec{}, errs.New(errs.CodeInvalidConfig,
			"model_seed object must carry 'data' or 'path'")
	case ModelSeedSpec:
		return v, nil
	default:
		return ModelSeedSpec{}, errs.New(errs.CodeInvalidConfig,
			"model_seed must be 'builtin', 'none', or an object")
	}
}

func (t *ToolsConfig) validate() error {
	if t.ExecutionTimeoutMs < 0 {
		return errs.New(errs.CodeInvalidConfig, "tools.execution_timeout_ms cannot be negative")
	}
	if t.MaxConcurrentTools < 1 {
		return errs.New(errs.CodeInvalidConfig, "tools.max_concurrent_tools must be at least 1")
	}
	for i, server := range t.MCPServers {
		if server.Name == "" {
			return errs.New(errs.CodeInvalidConfig,
				fmt.Sprintf("tools.mcp_servers[%d] requires a name", i))
		}
		if (server.URL == "") == (server.Command == "") {
			return errs.New(errs.CodeInvalidConfig,
				fmt.Sprintf("mcp server '%s' must set exactly one of url or command", server.Name))
		}
	}
	return nil
}

func (r *RetryPolicy) validate() error {
	if r.Attempts < 0 {
		return errs.New(errs.CodeInvalidConfig, "retry_policy.attempts cannot be negative")
	}
	if r.Backoff != "exponential" && r.Backoff != "linear" {
		return errs.New(errs.CodeInvalidConfig,
			fmt.Sprintf("retry_policy.backoff must be 'exponential' or 'linear', got '%s'", r.Backoff))
	}
	return nil
}

func (r *RateLimitPolicy) validate() error {
	switch r.Scope {
	case "global", "provider", "provider:model", "provider:model:key":
		return nil
	}
	return errs.New(errs.CodeInvalidConfig,
		fmt.Sprintf("rate_limit_policy.scope must be one of global, provider, provider:model, provider:model:key, got '%s'", r.Scope))
}

// Clone returns a deep copy. The client hands copies to callers so the
// validated config stays frozen.
func (v *ValidatedConfig) Clone() *ValidatedConfig {
	out := *v

	out.Providers = make(map[string]ProviderConfig, len(v.Providers))
	for key, cfg := range v.Providers {
		out.Providers[key] = deepCopyMap(cfg)
	}
	out.Options = deepCopyMap(v.Options)
	out.RegistryOptions = deepCopyMap(v.RegistryOptions)
	if v.ModelSeed.Data != nil {
		out.ModelSeed.Data = deepCopyMap(v.ModelSeed.Data)
	}
	if v.Tools != nil {
		tools := *v.Tools
		tools.BuiltinTools = append([]string(nil), v.Tools.BuiltinTools...)
		tools.MCPServers = append([]MCPServerConfig(nil), v.Tools.MCPServers...)
		out.Tools = &tools
	}
	if v.RetryPolicy != nil {
		rp := *v.RetryPolicy
		rp.RetryableStatusCodes = append([]int(nil), v.RetryPolicy.RetryableStatusCodes...)
		out.RetryPolicy = &rp
	}
	if v.RateLimitPolicy != nil {
		rl := *v.RateLimitPolicy
		out.RateLimitPolicy = &rl
	}
	if v.TLS != nil {
		tls := *v.TLS
		out.TLS = &tls
	}

	return &out
}

// ProviderTypeOf extracts the provider type from a flattened key.
func ProviderTypeOf(flattenedKey string) string {
	providerType, _, _ := strings.Cut(flattenedKey, ".")
	return providerType
}

// DecodeProviderConfig maps a provider option map onto a typed struct
// using mapstructure, tolerating string/number coercions from YAML.
func DecodeProviderConfig(raw ProviderConfig, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errs.Wrap(errs.CodeInvalidConfig, "failed to build provider config decoder", err)
	}
	if err := decoder.Decode(map[string]interface{}(raw)); err != nil {
		return errs.Wrap(errs.CodeInvalidConfig, "failed to decode provider config", err)
	}
	return nil
}

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return deepCopyMap(v)
	case []interface{}:
		copied := make([]interface{}, len(v))
		for i, item := range v {
			copied[i] = deepCopyValue(item)
		}
		return copied
	default:
		return v
	}
}
