// Package app provides application services that orchestrate domain logic.
package app

import (
	"sync/atomic"

	"github.com/artpar/metergate/domain/tier"
)

// Tiers holds the active tier registry.
// The registry itself is immutable; Swap replaces it wholesale on reload.
type Tiers struct {
	reg atomic.Pointer[tier.Registry]
}

// NewTiers creates a holder for reg. A nil reg uses the built-in table.
func NewTiers(reg *tier.Registry) *Tiers {
	if reg == nil {
		reg = tier.Defaults()
	}
	t := &Tiers{}
	t.reg.Store(reg)
	return t
}

// Registry returns the current registry.
func (t *Tiers) Registry() *tier.Registry {
	return t.reg.Load()
}

// Resolve resolves name against the current registry.
func (t *Tiers) Resolve(name string) tier.Spec {
	return t.reg.Load().Resolve(name)
}

// Swap installs reg. Requests already holding the old registry finish with it.
func (t *Tiers) Swap(reg *tier.Registry) {
	if reg != nil {
		t.reg.Store(reg)
	}
}
