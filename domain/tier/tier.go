// Package tier provides the immutable tier table and pure lookups over it.
package tier

import (
	"fmt"
	"sort"
	"time"
)

// DefaultName is the tier every unknown or missing tier name falls back to.
const DefaultName = "free"

// Spec describes one pricing tier (immutable value type).
type Spec struct {
	Name                   string
	MonthlyQuota           int64   // Included requests per billing period
	RequestsPerWindow      int     // Rate limit allowance
	WindowMinutes          int     // Rate limit window length
	OverageRatePerThousand float64 // Dollars per 1000 requests over quota, 0 = not billed
}

// Window returns the rate limit window as a duration.
func (s Spec) Window() time.Duration {
	return time.Duration(s.WindowMinutes) * time.Minute
}

// BillsOverage reports whether usage above the quota is billed.
func (s Spec) BillsOverage() bool {
	return s.OverageRatePerThousand > 0
}

// Registry is an immutable tier table keyed by name.
// A Registry is never mutated after NewRegistry returns; reloads build a new one.
type Registry struct {
	specs       map[string]Spec
	defaultName string
}

// NewRegistry validates specs and builds a registry.
// defaultName must name one of specs; empty means DefaultName.
func NewRegistry(specs []Spec, defaultName string) (*Registry, error) {
	if defaultName == "" {
		defaultName = DefaultName
	}

	m := make(map[string]Spec, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("tiers[%d]: name is required", i)
		}
		if _, dup := m[s.Name]; dup {
			return nil, fmt.Errorf("tiers[%d]: duplicate tier %q", i, s.Name)
		}
		if s.MonthlyQuota < 0 || s.RequestsPerWindow < 0 || s.OverageRatePerThousand < 0 {
			return nil, fmt.Errorf("tier %q: quota, allowance and overage rate must not be negative", s.Name)
		}
		if s.WindowMinutes < 1 {
			return nil, fmt.Errorf("tier %q: window_minutes must be at least 1", s.Name)
		}
		m[s.Name] = s
	}

	if _, ok := m[defaultName]; !ok {
		return nil, fmt.Errorf("default tier %q is not defined", defaultName)
	}

	return &Registry{specs: m, defaultName: defaultName}, nil
}

// MustRegistry is NewRegistry for static tables known to be valid.
func MustRegistry(specs []Spec, defaultName string) *Registry {
	r, err := NewRegistry(specs, defaultName)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the spec for name, or the default tier when name is unknown.
// This is a PURE function.
func (r *Registry) Resolve(name string) Spec {
	if s, ok := r.specs[name]; ok {
		return s
	}
	return r.specs[r.defaultName]
}

// Lookup returns the spec for name without falling back.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Default returns the fallback tier.
func (r *Registry) Default() Spec {
	return r.specs[r.defaultName]
}

// All returns every spec sorted by name.
func (r *Registry) All() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultSpecs returns the built-in tier table.
// Rate allowances are the monthly quota spread over 720 hourly windows.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "free", MonthlyQuota: 10_000, RequestsPerWindow: 13, WindowMinutes: 60},
		{Name: "crawler", MonthlyQuota: 100_000, RequestsPerWindow: 138, WindowMinutes: 60, OverageRatePerThousand: 0.50},
		{Name: "spider", MonthlyQuota: 1_000_000, RequestsPerWindow: 1388, WindowMinutes: 60, OverageRatePerThousand: 0.40},
		{Name: "enterprise", MonthlyQuota: 10_000_000, RequestsPerWindow: 13888, WindowMinutes: 60, OverageRatePerThousand: 0.25},
	}
}

// Defaults returns a registry over DefaultSpecs.
func Defaults() *Registry {
	return MustRegistry(DefaultSpecs(), DefaultName)
}
