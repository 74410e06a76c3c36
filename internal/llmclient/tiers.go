// File: internal/llmclient/tiers.go
package llmclient

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/budget"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/config"
	"github.com/ScientiaCapital/bug-hive-sub000/internal/cost"
)

// TierSpec binds a tier to the backend that serves it.
type TierSpec struct {
	Tier          schemas.ModelTier
	Transport     schemas.TransportKind
	Model         string
	Family        budget.Family
	ContextWindow int
	Pricing       cost.Pricing
}

// Registry is the immutable set of configured tiers.
type Registry struct {
	specs map[schemas.ModelTier]TierSpec
}

// NewRegistry validates and indexes tier specs.
func NewRegistry(specs ...TierSpec) (*Registry, error) {
	r := &Registry{specs: make(map[schemas.ModelTier]TierSpec, len(specs))}
	for _, spec := range specs {
		if !spec.Tier.Valid() {
			return nil, fmt.Errorf("unknown tier %d", int(spec.Tier))
		}
		if _, dup := r.specs[spec.Tier]; dup {
			return nil, fmt.Errorf("tier %s configured twice", spec.Tier)
		}
		if spec.Model == "" {
			return nil, fmt.Errorf("tier %s has no model", spec.Tier)
		}
		if spec.ContextWindow <= 0 {
			return nil, fmt.Errorf("tier %s has a non-positive context window", spec.Tier)
		}
		r.specs[spec.Tier] = spec
	}
	return r, nil
}

// RegistryFromConfig builds a registry from the llm.tiers section.
func RegistryFromConfig(cfg config.LLMConfig) (*Registry, error) {
	specs := make([]TierSpec, 0, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		tier, err := schemas.ParseModelTier(name)
		if err != nil {
			return nil, err
		}
		family := budget.ParseFamily(tc.Family)
		if family == "" {
			family = defaultFamily(schemas.TransportKind(strings.ToLower(tc.Transport)))
		}
		specs = append(specs, TierSpec{
			Tier:          tier,
			Transport:     schemas.TransportKind(strings.ToLower(tc.Transport)),
			Model:         tc.Model,
			Family:        family,
			ContextWindow: tc.ContextWindow,
			Pricing: cost.Pricing{
				InputPerMillion:  tc.InputCostPerMillion,
				OutputPerMillion: tc.OutputCostPerMillion,
			},
		})
	}
	return NewRegistry(specs...)
}

func defaultFamily(kind schemas.TransportKind) budget.Family {
	switch kind {
	case schemas.TransportAnthropic:
		return budget.FamilyAnthropic
	case schemas.TransportGenAI:
		return budget.FamilyGemini
	default:
		return budget.FamilyOpenAI
	}
}

// Spec returns the spec for a tier.
func (r *Registry) Spec(tier schemas.ModelTier) (TierSpec, bool) {
	spec, ok := r.specs[tier]
	return spec, ok
}

// Tiers returns the configured tiers from most to least capable.
func (r *Registry) Tiers() []schemas.ModelTier {
	tiers := make([]schemas.ModelTier, 0, len(r.specs))
	for tier := range r.specs {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] > tiers[j] })
	return tiers
}

// TransportKinds returns the distinct transports the registry needs.
func (r *Registry) TransportKinds() []schemas.TransportKind {
	seen := make(map[schemas.TransportKind]bool)
	var kinds []schemas.TransportKind
	for _, tier := range r.Tiers() {
		kind := r.specs[tier].Transport
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
