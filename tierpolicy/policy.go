// Package tierpolicy holds the per-tier quota, rate-limit, feature,
// and retention tables consulted by producers and workers. Policy is
// always constructed explicitly and passed to clients/workers — there
// is no ambient global table, per the framework's "Globals" design
// note (process-wide state is always passed in at construction).
package tierpolicy

import "github.com/nooble4/bus/envelope"

// Policy is a small, pure, read-only lookup injected into workers and
// clients at construction time.
type Policy struct {
	maxInflight map[envelope.Tier]int
	rateLimit   map[envelope.Tier]int
	features    map[envelope.Tier][]string
	retention   map[envelope.Tier]int
}

// Default returns the policy ladder matching the original platform's
// free/advance/professional/enterprise tiers.
func Default() *Policy {
	return &Policy{
		maxInflight: map[envelope.Tier]int{
			envelope.TierFree:         2,
			envelope.TierAdvance:      5,
			envelope.TierProfessional: 20,
			envelope.TierEnterprise:   100,
		},
		rateLimit: map[envelope.Tier]int{
			envelope.TierFree:         10,
			envelope.TierAdvance:      60,
			envelope.TierProfessional: 300,
			envelope.TierEnterprise:   1000,
		},
		features: map[envelope.Tier][]string{
			envelope.TierFree:         {},
			envelope.TierAdvance:      {"custom_prompts"},
			envelope.TierProfessional: {"custom_prompts", "custom_templates"},
			envelope.TierEnterprise:   {"custom_prompts", "custom_templates", "priority_support"},
		},
		retention: map[envelope.Tier]int{
			envelope.TierFree:         7,
			envelope.TierAdvance:      30,
			envelope.TierProfessional: 90,
			envelope.TierEnterprise:   365,
		},
	}
}

// New builds a Policy from explicit tables, for services that need a
// different ladder than Default. Any tier missing from a table falls
// back to Default's value for that tier.
func New(maxInflight, rateLimit map[envelope.Tier]int, features map[envelope.Tier][]string, retention map[envelope.Tier]int) *Policy {
	d := Default()
	p := &Policy{
		maxInflight: mergeInt(d.maxInflight, maxInflight),
		rateLimit:   mergeInt(d.rateLimit, rateLimit),
		features:    mergeFeatures(d.features, features),
		retention:   mergeInt(d.retention, retention),
	}
	return p
}

// MaxInflightPerTenant returns the maximum number of in-flight actions
// allowed for a single tenant at the given tier.
func (p *Policy) MaxInflightPerTenant(tier envelope.Tier) int {
	return p.maxInflight[tier]
}

// RateLimitPerSession returns the number of actions per minute allowed
// for a single session at the given tier.
func (p *Policy) RateLimitPerSession(tier envelope.Tier) int {
	return p.rateLimit[tier]
}

// AllowedFeatures returns the feature flags enabled at the given tier.
func (p *Policy) AllowedFeatures(tier envelope.Tier) []string {
	return p.features[tier]
}

// HasFeature reports whether feature is enabled at tier.
func (p *Policy) HasFeature(tier envelope.Tier, feature string) bool {
	for _, f := range p.features[tier] {
		if f == feature {
			return true
		}
	}
	return false
}

// RetentionDays returns how many days persistent artifacts (e.g.
// conversations, analytics) are retained at the given tier.
func (p *Policy) RetentionDays(tier envelope.Tier) int {
	return p.retention[tier]
}

func mergeInt(base, override map[envelope.Tier]int) map[envelope.Tier]int {
	out := make(map[envelope.Tier]int, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func mergeFeatures(base, override map[envelope.Tier][]string) map[envelope.Tier][]string {
	out := make(map[envelope.Tier][]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
