// Package catalog holds the capability table: which algorithms each
// device model can run, at what throughput, and what resources they
// demand. The table is loaded once at startup and read-only afterwards.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability describes one (device model, algorithm) pairing.
type Capability struct {
	// Hashrate in native hashes per second
	Hashrate float64 `yaml:"hashrate"`
	// PowerWatts is the typical board draw while running the algorithm
	PowerWatts float64 `yaml:"power_watts"`
	// MemoryBytes is the resource class: addressable memory the
	// algorithm demands on this device (DAG plus working set)
	MemoryBytes uint64 `yaml:"memory_bytes"`
}

// Catalog maps device model x algorithm to capabilities.
type Catalog struct {
	entries map[string]map[string]Capability

	// model keys sorted longest-first so the most specific entry wins
	// when fuzzy-matching reported device names ("RTX 3080 Laptop"
	// must match before "RTX 3080")
	matchOrder []string
}

type catalogFile struct {
	Models map[string]map[string]Capability `yaml:"models"`
}

// Load reads a capability table from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability table: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse capability table: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("capability table %s contains no models", path)
	}

	return New(file.Models), nil
}

// New builds a catalog from an in-memory table.
func New(models map[string]map[string]Capability) *Catalog {
	c := &Catalog{
		entries:    make(map[string]map[string]Capability, len(models)),
		matchOrder: make([]string, 0, len(models)),
	}
	for model, algos := range models {
		key := normalize(model)
		c.entries[key] = algos
		c.matchOrder = append(c.matchOrder, key)
	}
	sort.Slice(c.matchOrder, func(i, j int) bool {
		if len(c.matchOrder[i]) != len(c.matchOrder[j]) {
			return len(c.matchOrder[i]) > len(c.matchOrder[j])
		}
		return c.matchOrder[i] < c.matchOrder[j]
	})
	return c
}

// MatchModel resolves a reported device name to a catalog model key.
// Reported names carry vendor prefixes and suffixes ("NVIDIA GeForce
// RTX 3080 Laptop GPU"), so matching is substring-based with the
// longest table key winning.
func (c *Catalog) MatchModel(reported string) (string, bool) {
	name := normalize(reported)
	for _, key := range c.matchOrder {
		if strings.Contains(name, key) {
			return key, true
		}
	}
	return "", false
}

// Lookup returns the capability for (device model, algorithm).
// A missing entry is not an error: it means the algorithm is simply
// excluded for that device.
func (c *Catalog) Lookup(model, algorithm string) (Capability, bool) {
	key, ok := c.MatchModel(model)
	if !ok {
		return Capability{}, false
	}
	cap, ok := c.entries[key][strings.ToLower(algorithm)]
	return cap, ok
}

// AlgorithmsFor returns the algorithms the model has entries for,
// sorted for deterministic iteration.
func (c *Catalog) AlgorithmsFor(model string) []string {
	key, ok := c.MatchModel(model)
	if !ok {
		return nil
	}
	algos := make([]string, 0, len(c.entries[key]))
	for a := range c.entries[key] {
		algos = append(algos, a)
	}
	sort.Strings(algos)
	return algos
}

// Models returns all table model keys.
func (c *Catalog) Models() []string {
	models := make([]string, len(c.matchOrder))
	copy(models, c.matchOrder)
	return models
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
