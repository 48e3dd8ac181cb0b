package simul

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// Tunable constants of the stepping rule. Shared by every archetype.
const (
	// clusterFactor is the exponential weight on the previous period's
	// volatility: high-vol periods tend to follow high-vol periods.
	clusterFactor = 0.85

	// volNoise scales the |gaussian| innovation added to each new
	// volatility so it never settles exactly on the base level.
	volNoise = 0.002

	// volClampLo and volClampHi bound volatility relative to the base.
	volClampLo = 0.3
	volClampHi = 3.0

	// cyclePeriodDays and cycleAmplitude shape the deterministic
	// sinusoid the CYCLICAL archetype adds, keyed to day-of-year.
	cyclePeriodDays = 30.0
	cycleAmplitude  = 0.008

	// MinPrice is the absolute price floor after any step.
	MinPrice = 1.0
)

// Model advances stock prices one simulated trading period at a time.
// It is stateless — the running (price, volatility) pair lives on the
// StockProfile and is passed in per call.
type Model struct {
	rng *RNG
}

// NewModel creates a price model drawing randomness from rng.
func NewModel(rng *RNG) *Model {
	return &Model{rng: rng}
}

// StepVolatility produces the next volatility from the previous one:
// an exponentially-weighted pull toward the base level plus a small
// absolute-gaussian innovation, clamped to [0.3·base, 3·base].
func (m *Model) StepVolatility(prevVol, baseVol float64) float64 {
	vol := clusterFactor*prevVol + (1-clusterFactor)*baseVol + math.Abs(m.rng.Gaussian())*volNoise

	if lo := volClampLo * baseVol; vol < lo {
		vol = lo
	}
	if hi := volClampHi * baseVol; vol > hi {
		vol = hi
	}
	return vol
}

// Step advances one stock by one trading period. The combined
// instantaneous return is
//
//	drift + meanReversion + gaussian·vol + jump + cyclical
//
// and the new price is max(prev·(1+return), 1), rounded to cents.
// day keys the CYCLICAL sinusoid; other archetypes ignore it.
func (m *Model) Step(prevPrice decimal.Decimal, prevVol float64, p Params, profile *model.StockProfile, day time.Time) (decimal.Decimal, float64) {
	prev := prevPrice.InexactFloat64()
	if prev < MinPrice {
		prev = MinPrice
	}

	vol := m.StepVolatility(prevVol, p.BaseVolatility)

	ret := p.Drift
	ret += p.MeanReversionSpeed * (profile.LongRunMean - prev) / prev
	ret += m.rng.Gaussian() * vol

	if m.rng.Uniform() < p.JumpFrequency {
		jump := p.JumpMagnitude * (0.5 + 0.5*m.rng.Uniform())
		if m.rng.Coin() {
			jump = -jump
		}
		ret += jump
	}

	if profile.Pattern == model.PatternCyclical {
		ret += cycleAmplitude * math.Sin(2*math.Pi*float64(day.YearDay())/cyclePeriodDays)
	}

	price := prev * (1 + ret)
	if price < MinPrice {
		price = MinPrice
	}

	return decimal.NewFromFloat(price).Round(2), vol
}
