// Package blueprint holds the named agent blueprints whose demands are merged
// into runs that reference them by agent name.
package blueprint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/relay/internal/demand"
	"github.com/fentz26/relay/internal/models"
)

// Blueprint describes an agent's placement requirements.
type Blueprint struct {
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Demands     models.Demand `yaml:"demands" json:"demands"`
}

// Catalog is a replaceable set of blueprints keyed by agent name.
type Catalog struct {
	mu         sync.RWMutex
	blueprints map[string]Blueprint
}

// NewCatalog returns a catalog holding bps.
func NewCatalog(bps map[string]Blueprint) *Catalog {
	c := &Catalog{}
	c.Replace(bps)
	return c
}

// Replace swaps the whole catalog atomically.
func (c *Catalog) Replace(bps map[string]Blueprint) {
	next := make(map[string]Blueprint, len(bps))
	for name, bp := range bps {
		bp.Demands = demand.Normalize(bp.Demands)
		next[name] = bp
	}
	c.mu.Lock()
	c.blueprints = next
	c.mu.Unlock()
}

// Get returns the blueprint registered under name.
func (c *Catalog) Get(name string) (Blueprint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bp, ok := c.blueprints[name]
	return bp, ok
}

// Names lists blueprint names in order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.blueprints))
	for name := range c.blueprints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve merges the demands of the blueprint named by spec.AgentName into
// spec. Specs without a known blueprint are returned unchanged.
func (c *Catalog) Resolve(spec models.RunSpec) (models.RunSpec, error) {
	if spec.AgentName == "" {
		return spec, nil
	}
	bp, ok := c.Get(spec.AgentName)
	if !ok {
		return spec, nil
	}
	merged, err := demand.Merge(bp.Demands, spec.Demands)
	if err != nil {
		return spec, fmt.Errorf("blueprint %s: %w", spec.AgentName, err)
	}
	spec.Demands = merged
	return spec, nil
}
