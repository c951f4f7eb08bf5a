package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"

	"bredai/internal/providers"
)

//go:embed models.toml
var defaultCatalog string

var ErrUnknownModel = errors.New("unknown model")

type Capability string

const (
	Text   Capability = "text"
	Vision Capability = "vision"
	Search Capability = "search"
)

type Model struct {
	// Key is the catalog id; ID is what goes over the wire.
	Key          string         `toml:"-"`
	ID           string         `toml:"id"`
	Name         string         `toml:"name"`
	Provider     providers.Name `toml:"provider"`
	Capabilities []Capability   `toml:"capabilities"`
	RPM          int            `toml:"rpm"`
	RPD          int            `toml:"rpd"`
}

func (m Model) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type Catalog struct {
	DefaultModel   string                    `toml:"default_model"`
	CheckModel     string                    `toml:"check_model"`
	VisionModel    string                    `toml:"vision_model"`
	FallbackModel  string                    `toml:"fallback_model"`
	FallbackModels map[providers.Name]string `toml:"fallback_models"`
	Models         map[string]Model          `toml:"models"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog file, or the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return c.finish()
}

func Parse(data string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return c.finish()
}

func (c *Catalog) finish() (*Catalog, error) {
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("catalog has no models")
	}
	for key, m := range c.Models {
		m.Key = key
		if _, err := providers.ParseName(string(m.Provider)); err != nil {
			return nil, fmt.Errorf("model %q: %w", key, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("model %q has no wire id", key)
		}
		if m.RPM <= 0 || m.RPD <= 0 {
			return nil, fmt.Errorf("model %q needs positive rpm and rpd", key)
		}
		c.Models[key] = m
	}
	for _, key := range []string{c.DefaultModel, c.CheckModel, c.VisionModel, c.FallbackModel} {
		if _, ok := c.Models[key]; !ok {
			return nil, fmt.Errorf("%w %q referenced by catalog defaults", ErrUnknownModel, key)
		}
	}
	if !c.Models[c.VisionModel].Has(Vision) {
		return nil, fmt.Errorf("vision model %q lacks vision capability", c.VisionModel)
	}
	for p, key := range c.FallbackModels {
		m, ok := c.Models[key]
		if !ok {
			return nil, fmt.Errorf("%w %q used as %s fallback", ErrUnknownModel, key, p)
		}
		if m.Provider != p {
			return nil, fmt.Errorf("fallback model %q belongs to %s, not %s", key, m.Provider, p)
		}
	}
	return c, nil
}

func (c *Catalog) Get(key string) (Model, error) {
	m, ok := c.Models[key]
	if !ok {
		return Model{}, fmt.Errorf("%w %q", ErrUnknownModel, key)
	}
	return m, nil
}

// FallbackFor returns the model used when traffic is rerouted to p.
func (c *Catalog) FallbackFor(p providers.Name) (Model, bool) {
	key, ok := c.FallbackModels[p]
	if !ok {
		return Model{}, false
	}
	m, ok := c.Models[key]
	return m, ok
}

// Keys lists catalog ids grouped by provider, then by id.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.Models))
	for k := range c.Models {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := c.Models[keys[i]].Provider, c.Models[keys[j]].Provider
		if pi != pj {
			return pi < pj
		}
		return keys[i] < keys[j]
	})
	return keys
}
