package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lattice-ai/loom/internal/llm"
	"github.com/lattice-ai/loom/internal/model"
)

// Def describes one tool offered to the model: its function spec plus the
// risk tier that decides whether executions need human approval.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	RiskTier    model.RiskTier  `json:"riskTier"`
}

// Catalog is the set of tools available to runs. Loaded once at startup;
// read-only afterwards.
type Catalog struct {
	defs map[string]Def
}

// ParseCatalog decodes a JSON array of tool definitions. Missing risk tiers
// default to medium, which never gates; dangerous tools must say so.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return &Catalog{defs: map[string]Def{}}, nil
	}
	var defs []Def
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("tools: parse catalog: %w", err)
	}
	byName := make(map[string]Def, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("tools: catalog entry missing name")
		}
		if d.RiskTier == "" {
			d.RiskTier = model.RiskMedium
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate catalog entry %q", d.Name)
		}
		byName[d.Name] = d
	}
	return &Catalog{defs: byName}, nil
}

// Get returns the definition for a tool name.
func (c *Catalog) Get(name string) (Def, bool) {
	d, ok := c.defs[name]
	return d, ok
}

// RiskOf returns the configured tier for a tool, medium when unknown.
func (c *Catalog) RiskOf(name string) model.RiskTier {
	if d, ok := c.defs[name]; ok {
		return d.RiskTier
	}
	return model.RiskMedium
}

// Len reports the number of tools in the catalog.
func (c *Catalog) Len() int { return len(c.defs) }

// Specs renders the catalog as model-facing tool specs, name-ordered for a
// stable prompt.
func (c *Catalog) Specs() []llm.Tool {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		d := c.defs[name]
		specs = append(specs, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return specs
}
