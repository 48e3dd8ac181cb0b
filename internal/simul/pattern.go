package simul

import "github.com/clubmarket/engine/internal/model"

// Params are the archetype constants that shape one stock's simulated
// behavior. The stepping algorithm is identical across archetypes; only
// these numbers differ.
type Params struct {
	Drift              float64
	BaseVolatility     float64
	MeanReversionSpeed float64
	JumpFrequency      float64 // probability of a jump per step
	JumpMagnitude      float64 // base size of a jump, as a return
}

// patternParams holds the six fixed archetype presets.
var patternParams = map[model.Pattern]Params{
	model.PatternUptrend: {
		Drift:              0.0015,
		BaseVolatility:     0.02,
		MeanReversionSpeed: 0.01,
		JumpFrequency:      0.02,
		JumpMagnitude:      0.05,
	},
	model.PatternDowntrend: {
		Drift:              -0.0015,
		BaseVolatility:     0.02,
		MeanReversionSpeed: 0.01,
		JumpFrequency:      0.02,
		JumpMagnitude:      0.05,
	},
	model.PatternVolatile: {
		Drift:              0.0,
		BaseVolatility:     0.045,
		MeanReversionSpeed: 0.02,
		JumpFrequency:      0.06,
		JumpMagnitude:      0.09,
	},
	model.PatternStable: {
		Drift:              0.0002,
		BaseVolatility:     0.008,
		MeanReversionSpeed: 0.05,
		JumpFrequency:      0.005,
		JumpMagnitude:      0.02,
	},
	model.PatternCyclical: {
		Drift:              0.0,
		BaseVolatility:     0.018,
		MeanReversionSpeed: 0.03,
		JumpFrequency:      0.015,
		JumpMagnitude:      0.04,
	},
	model.PatternRandomWalk: {
		Drift:              0.0,
		BaseVolatility:     0.025,
		MeanReversionSpeed: 0.0,
		JumpFrequency:      0.02,
		JumpMagnitude:      0.05,
	},
}

// ParamsFor returns the preset for a pattern. Unknown patterns get the
// RANDOM_WALK preset rather than a zeroed struct.
func ParamsFor(p model.Pattern) Params {
	if params, ok := patternParams[p]; ok {
		return params
	}
	return patternParams[model.PatternRandomWalk]
}

// Patterns lists every archetype, for listing-time selection.
func Patterns() []model.Pattern {
	return []model.Pattern{
		model.PatternUptrend,
		model.PatternDowntrend,
		model.PatternVolatile,
		model.PatternStable,
		model.PatternCyclical,
		model.PatternRandomWalk,
	}
}

// PremiumOverride is the parameter override for the one distinguished
// premium stock. It is an explicit per-market strategy entry, applied by
// the scheduler, so the general step function stays pure.
type PremiumOverride struct {
	// Tick parameter replacements: lower volatility, stronger drift,
	// more frequent jumps than any ordinary preset.
	Drift          float64
	BaseVolatility float64
	JumpFrequency  float64

	// FloorMultiple keeps the premium price at least this multiple of
	// the highest-priced ordinary stock.
	FloorMultiple float64

	// NudgeProbability is the per-tick chance of an extra upward nudge
	// of up to NudgeMaxReturn.
	NudgeProbability float64
	NudgeMaxReturn   float64
}

// DefaultPremiumOverride returns the reference premium behavior.
func DefaultPremiumOverride() PremiumOverride {
	return PremiumOverride{
		Drift:            0.003,
		BaseVolatility:   0.01,
		JumpFrequency:    0.08,
		FloorMultiple:    1.5,
		NudgeProbability: 0.05,
		NudgeMaxReturn:   0.02,
	}
}

// Apply replaces the overridden fields of p, leaving the rest intact.
func (o PremiumOverride) Apply(p Params) Params {
	p.Drift = o.Drift
	p.BaseVolatility = o.BaseVolatility
	p.JumpFrequency = o.JumpFrequency
	return p
}

// OverrideTable maps market IDs to their premium overrides. Ordinary
// stocks have no entry.
type OverrideTable map[string]PremiumOverride
