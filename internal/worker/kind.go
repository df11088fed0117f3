// Package worker models the external miner binaries the supervisor
// launches. Each binary family has its own command-line conventions
// and control-channel response shape; they are expressed as a small
// capability interface selected per device, not through inheritance.
package worker

import (
	"fmt"
	"sort"
	"strings"
)

// Invocation carries everything needed to build a worker command line.
type Invocation struct {
	Algorithm   string
	PoolURL     string
	Wallet      string
	WorkerName  string
	DeviceIndex int
	ControlPort int
}

// Health is the decoded control-channel report of a running worker.
type Health struct {
	// Hashrate in H/s; zero means the worker has not produced work yet
	Hashrate float64
	Accepted uint64
	Rejected uint64
}

// Kind describes one worker binary family.
type Kind interface {
	// Name is the registry key ("t-rex", "lolminer", ...)
	Name() string
	// Binary is the executable path relative to the miners directory
	Binary() string
	// BuildCommand returns argv (excluding the binary itself)
	BuildCommand(inv Invocation) []string
	// HealthPath is the HTTP path polled on the control port
	HealthPath() string
	// ParseHealthResponse decodes a control-channel response body
	ParseHealthResponse(data []byte) (Health, error)
	// Supports reports whether the kind can run the algorithm
	Supports(algorithm string) bool
}

// Registry selects worker kinds by name and by algorithm preference.
type Registry struct {
	kinds map[string]Kind
	// preference per algorithm, best kind first; mirrors which miners
	// handle which algorithms well in practice
	preferred map[string][]string
}

// NewRegistry builds the default registry with all known kinds.
func NewRegistry() *Registry {
	r := &Registry{
		kinds: make(map[string]Kind),
		preferred: map[string][]string{
			"kawpow":      {"t-rex", "nbminer", "gminer", "rigel"},
			"autolykos2":  {"t-rex", "nbminer", "lolminer", "rigel"},
			"etchash":     {"t-rex", "nbminer", "gminer", "lolminer"},
			"ethash":      {"t-rex", "nbminer", "gminer", "lolminer"},
			"kheavyhash":  {"lolminer", "rigel"},
			"blake3":      {"lolminer", "rigel"},
			"equihash125": {"lolminer", "gminer"},
			"equihash144": {"lolminer", "gminer"},
			"beamhashiii": {"lolminer", "gminer"},
			"octopus":     {"t-rex", "nbminer"},
			"firopow":     {"t-rex", "nbminer"},
			"randomx":     {"srbminer"},
			"ghostrider":  {"srbminer"},
			"dynexsolve":  {"srbminer"},
			"nexapow":     {"lolminer"},
			"sha512256d":  {"lolminer", "rigel"},
		},
	}
	for _, k := range []Kind{
		newTRex(), newLolMiner(), newGMiner(), newRigel(), newNBMiner(), newSRBMiner(),
	} {
		r.kinds[k.Name()] = k
	}
	return r
}

// Get returns a kind by name.
func (r *Registry) Get(name string) (Kind, bool) {
	k, ok := r.kinds[strings.ToLower(name)]
	return k, ok
}

// ForAlgorithm returns the preferred kind for an algorithm.
func (r *Registry) ForAlgorithm(algorithm string) (Kind, error) {
	algo := strings.ToLower(algorithm)
	for _, name := range r.preferred[algo] {
		if k, ok := r.kinds[name]; ok && k.Supports(algo) {
			return k, nil
		}
	}
	// Fall back to any kind claiming support
	for _, name := range r.names() {
		if k := r.kinds[name]; k.Supports(algo) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("no worker kind supports algorithm %q", algorithm)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// stripStratumPrefix removes stratum scheme prefixes for miners that
// want a bare host:port.
func stripStratumPrefix(url string) string {
	url = strings.TrimPrefix(url, "stratum+tcp://")
	url = strings.TrimPrefix(url, "stratum+ssl://")
	return url
}
