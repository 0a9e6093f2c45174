package llms

import (
	"strconv"
	"strings"

	"github.com/langadventurellc/burnside-sub006/pkg/errs"
	"github.com/langadventurellc/burnside-sub006/pkg/registry"
)

// ProviderRegistry stores plugins keyed "<id>-<version>". A bare id or an
// explicit "latest" resolves to the highest registered version.
type ProviderRegistry struct {
	*registry.BaseRegistry[ProviderPlugin]
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{BaseRegistry: registry.NewBaseRegistry[ProviderPlugin]()}
}

// RegisterPlugin adds a plugin under its versioned key.
func (r *ProviderRegistry) RegisterPlugin(plugin ProviderPlugin) error {
	if plugin.ID() == "" {
		return errs.New(errs.CodeValidation, "provider plugin id cannot be empty")
	}
	return r.Register(PluginKey(plugin.ID(), plugin.Version()), plugin)
}

// Resolve looks up a plugin by binding: "<id>-<version>", "<id>-latest",
// or bare "<id>".
func (r *ProviderRegistry) Resolve(binding string) (ProviderPlugin, bool) {
	if plugin, ok := r.Get(binding); ok {
		return plugin, true
	}

	id := binding
	if strings.HasSuffix(binding, "-latest") {
		id = strings.TrimSuffix(binding, "-latest")
	}
	return r.latest(id)
}

func (r *ProviderRegistry) latest(id string) (ProviderPlugin, bool) {
	prefix := id + "-"
	var best ProviderPlugin
	bestVersion := ""

	for _, key := range r.Names() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		version := strings.TrimPrefix(key, prefix)
		if bestVersion == "" || compareVersions(version, bestVersion) > 0 {
			if plugin, ok := r.Get(key); ok {
				best = plugin
				bestVersion = version
			}
		}
	}

	return best, best != nil
}

// PluginKey builds the registry key and the metadata.providerPlugin value.
func PluginKey(id, version string) string {
	return id + "-" + version
}

// compareVersions orders dotted numeric versions. Non-numeric segments
// compare lexically, which is enough for the plugin versions we issue.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}

		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an > bn {
					return 1
				}
				return -1
			}
			continue
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}

// ModelRegistry stores model entries keyed by qualified id
// ("openai:gpt-4o").
type ModelRegistry struct {
	*registry.BaseRegistry[*ModelInfo]
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{BaseRegistry: registry.NewBaseRegistry[*ModelInfo]()}
}

// RegisterModel adds a model under its qualified id, overwriting any
// seeded entry so caller-supplied data wins.
func (r *ModelRegistry) RegisterModel(info *ModelInfo) error {
	if info.ID == "" {
		return errs.New(errs.CodeValidation, "model id cannot be empty")
	}
	if info.ProviderID == "" {
		return errs.New(errs.CodeValidation, "model provider id cannot be empty").With("model", info.ID)
	}
	r.Replace(QualifiedModelID(info.ProviderID, info.ID), info)
	return nil
}

// Lookup resolves a model by qualified or bare id; bare ids are qualified
// with the default provider type.
func (r *ModelRegistry) Lookup(model, defaultProviderType string) (*ModelInfo, bool) {
	return r.Get(QualifiedModelID(defaultProviderType, model))
}

// QualifiedModelID prefixes a bare model id with a provider type.
// Already-qualified ids pass through.
func QualifiedModelID(providerType, model string) string {
	if strings.Contains(model, ":") {
		return model
	}
	return providerType + ":" + model
}
