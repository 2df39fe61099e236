// Package policy holds the tuning constants of the event pipeline: tier
// radii and cooldowns, dedup and bundling thresholds, and the plausibility
// tolerance. Defaults match the production tuning; a YAML file may override
// individual values.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/albapepper/geonotify/internal/models"
)

// Policy is the full set of pipeline thresholds.
type Policy struct {
	// PlausibilityToleranceMeters is how far outside a geofence radius an
	// event may be before it is rejected as implausible.
	PlausibilityToleranceMeters float64 `yaml:"plausibility_tolerance_meters"`
	// ExitHysteresis is the fraction of the radius an exit must be beyond.
	ExitHysteresis float64 `yaml:"exit_hysteresis"`

	DedupDistanceMeters float64       `yaml:"dedup_distance_meters"`
	DedupWindow         time.Duration `yaml:"dedup_window"`

	BundleDistanceMeters float64       `yaml:"bundle_distance_meters"`
	BundleWindow         time.Duration `yaml:"bundle_window"`

	Tiers map[models.Tier]TierPolicy `yaml:"tiers"`
}

// TierPolicy describes one geofence ring.
type TierPolicy struct {
	RadiusMeters float64       `yaml:"radius_meters"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

// Default returns the production tuning.
func Default() Policy {
	return Policy{
		PlausibilityToleranceMeters: 500,
		ExitHysteresis:              0.8,

		DedupDistanceMeters: 50,
		DedupWindow:         5 * time.Minute,

		BundleDistanceMeters: 500,
		BundleWindow:         15 * time.Minute,

		Tiers: map[models.Tier]TierPolicy{
			models.TierApproach5mi: {RadiusMeters: 8047, Cooldown: 60 * time.Minute},
			models.TierApproach3mi: {RadiusMeters: 4828, Cooldown: 60 * time.Minute},
			models.TierApproach1mi: {RadiusMeters: 1609, Cooldown: 60 * time.Minute},
			models.TierArrival:     {RadiusMeters: 150, Cooldown: 30 * time.Minute},
			models.TierPostArrival: {RadiusMeters: 150, Cooldown: 15 * time.Minute},
		},
	}
}

// Cooldown returns the cooldown for a tier. Unknown tiers get the longest
// configured cooldown.
func (p Policy) Cooldown(t models.Tier) time.Duration {
	if tp, ok := p.Tiers[t]; ok && tp.Cooldown > 0 {
		return tp.Cooldown
	}
	var longest time.Duration
	for _, tp := range p.Tiers {
		longest = max(longest, tp.Cooldown)
	}
	return longest
}

// Load reads a YAML override file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := Parse(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

// Parse decodes YAML into p, keeping any value the document omits. Tier
// entries are merged one by one so a file can override a single ring.
func Parse(raw []byte, p *Policy) error {
	base := p.Tiers
	p.Tiers = nil
	if err := yaml.Unmarshal(raw, p); err != nil {
		p.Tiers = base
		return fmt.Errorf("decode policy: %w", err)
	}
	merged := make(map[models.Tier]TierPolicy, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range p.Tiers {
		cur := merged[k]
		if v.RadiusMeters > 0 {
			cur.RadiusMeters = v.RadiusMeters
		}
		if v.Cooldown > 0 {
			cur.Cooldown = v.Cooldown
		}
		merged[k] = cur
	}
	p.Tiers = merged
	return p.Validate()
}

// Validate rejects values that would disable a safety check.
func (p Policy) Validate() error {
	if p.ExitHysteresis <= 0 || p.ExitHysteresis > 1 {
		return fmt.Errorf("exit_hysteresis must be in (0, 1], got %v", p.ExitHysteresis)
	}
	if p.DedupDistanceMeters <= 0 || p.DedupWindow <= 0 {
		return fmt.Errorf("dedup thresholds must be positive")
	}
	if p.BundleDistanceMeters <= 0 || p.BundleWindow <= 0 {
		return fmt.Errorf("bundle thresholds must be positive")
	}
	if p.PlausibilityToleranceMeters < 0 {
		return fmt.Errorf("plausibility_tolerance_meters must not be negative")
	}
	return nil
}
