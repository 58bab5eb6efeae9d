package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelAliases maps short names to catalog model ids and groups ids by provider.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	if aliases.Providers == nil {
		aliases.Providers = make(map[string][]string)
	}
	return &aliases, nil
}

// NewAliases builds the alias table for a catalog. Provider membership is derived
// from the catalog itself.
func NewAliases(aliases map[string]string, models []ModelSpec) *ModelAliases {
	a := &ModelAliases{
		Aliases:   make(map[string]string, len(aliases)),
		Providers: make(map[string][]string),
	}
	for k, v := range aliases {
		a.Aliases[k] = v
	}
	for _, m := range models {
		a.Providers[m.Provider] = append(a.Providers[m.Provider], m.ID)
	}
	return a
}

// Resolve returns the catalog id for an alias. Non-aliases are returned unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil || a.Aliases == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ValidateModel checks that a model belongs to the provider's list.
func (a *ModelAliases) ValidateModel(provider, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}

	models, ok := a.Providers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, provider)
}

// ListAliases returns a copy of the aliases map.
func (a *ModelAliases) ListAliases() map[string]string {
	if a == nil || a.Aliases == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(a.Aliases))
	for k, v := range a.Aliases {
		result[k] = v
	}
	return result
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// GetProviderForModel returns the provider name for a catalog id.
func (a *ModelAliases) GetProviderForModel(model string) string {
	if a == nil || a.Providers == nil {
		return ""
	}
	for provider, models := range a.Providers {
		for _, m := range models {
			if m == model {
				return provider
			}
		}
	}
	return ""
}

// ValidatePins checks that every pinned model resolves to a catalog id.
func (a *ModelAliases) ValidatePins(pins map[string]string) []error {
	if a == nil {
		return nil
	}
	var errs []error
	keys := make([]string, 0, len(pins))
	for k := range pins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		model := a.Resolve(pins[k])
		if a.GetProviderForModel(model) == "" {
			errs = append(errs, fmt.Errorf("pin %q: model %q is not in the catalog", k, pins[k]))
		}
	}
	return errs
}

// DefaultAliases returns the short names for the default catalog.
func DefaultAliases() map[string]string {
	return map[string]string{
		"cheap":    "gemini-2.0-flash",
		"mini":     "gpt-4o-mini",
		"haiku":    "claude-3-5-haiku-latest",
		"deepseek": "deepseek-chat",
		"quality":  "claude-sonnet-4-20250514",
		"gpt":      "gpt-4o",
		"research": "gemini-2.5-pro",
	}
}
