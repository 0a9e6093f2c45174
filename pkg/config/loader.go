package config

import (
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
)

// LoadFile reads a YAML configuration file, expands environment variable
// references, and decodes it into a Config. The result is not yet
// validated; callers run Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to read config file", err).With("path", path)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to parse config YAML", err)
	}

	expanded, ok := ExpandEnvVarsInData(raw).(map[string]interface{})
	if !ok {
		return nil, errs.New(errs.CodeInvalidConfig, "config root must be a mapping")
	}

	return FromMap(expanded)
}

// FromMap decodes an already-parsed configuration tree into a Config.
// This is the entry point for callers that build configuration
// programmatically instead of from YAML.
func FromMap(raw map[string]interface{}) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to build config decoder", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to decode config", err)
	}

	return &cfg, nil
}
