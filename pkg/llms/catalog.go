package llms

import (
	_ "embed"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
)

//go:embed models.yaml
var builtinCatalog []byte

// Catalog is a seedable set of model entries.
type Catalog struct {
	Models []ModelInfo `yaml:"models" mapstructure:"models"`
}

// LoadBuiltinCatalog parses the packaged model catalog.
func LoadBuiltinCatalog() (*Catalog, error) {
	return parseCatalog(builtinCatalog)
}

// LoadCatalogFile reads a caller-supplied catalog file; it replaces the
// packaged data entirely.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to read model catalog", err).With("path", path)
	}
	return parseCatalog(data)
}

// CatalogFromData decodes a caller-supplied catalog tree (the
// model_seed {data: ...} form).
func CatalogFromData(data map[string]interface{}) (*Catalog, error) {
	var catalog Catalog
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &catalog,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to build catalog decoder", err)
	}
	if err := decoder.Decode(data); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to decode model catalog data", err)
	}
	return &catalog, nil
}

func parseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "failed to parse model catalog", err)
	}
	return &catalog, nil
}

// Seed registers the catalog entries whose provider type is configured.
// An empty provider set seeds everything.
func (c *Catalog) Seed(models *ModelRegistry, configuredProviders map[string]bool) error {
	for i := range c.Models {
		info := c.Models[i]
		if len(configuredProviders) > 0 && !configuredProviders[info.ProviderID] {
			continue
		}
		if err := models.RegisterModel(&info); err != nil {
			return err
		}
	}
	return nil
}
