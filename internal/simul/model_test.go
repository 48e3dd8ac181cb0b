package simul

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

func testProfile(pattern model.Pattern, longRunMean float64) *model.StockProfile {
	params := ParamsFor(pattern)
	return &model.StockProfile{
		MarketID:           "m1",
		Pattern:            pattern,
		BaseVolatility:     params.BaseVolatility,
		Drift:              params.Drift,
		MeanReversionSpeed: params.MeanReversionSpeed,
		LongRunMean:        longRunMean,
		JumpFrequency:      params.JumpFrequency,
		JumpMagnitude:      params.JumpMagnitude,
	}
}

func TestStep_PriceNeverBelowOne(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	one := decimal.NewFromInt(1)

	// Worst case: a crashing pattern started at the floor, with a long-run
	// mean far below and jumps on nearly every step.
	adversarial := Params{
		Drift:              -0.5,
		BaseVolatility:     0.5,
		MeanReversionSpeed: 0.5,
		JumpFrequency:      1.0,
		JumpMagnitude:      0.9,
	}

	for seed := int64(0); seed < 20; seed++ {
		g := NewRNG(seed)
		m := NewModel(g)
		profile := testProfile(model.PatternDowntrend, 0.01)

		price := decimal.NewFromFloat(1.01)
		vol := adversarial.BaseVolatility
		for i := 0; i < 500; i++ {
			price, vol = m.Step(price, vol, adversarial, profile, day.AddDate(0, 0, i))
			if price.LessThan(one) {
				t.Fatalf("seed %d step %d: price %s below floor", seed, i, price)
			}
		}
	}
}

func TestStep_RoundsToCents(t *testing.T) {
	g := NewRNG(7)
	m := NewModel(g)
	profile := testProfile(model.PatternRandomWalk, 50)
	day := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	price := decimal.NewFromInt(50)
	vol := profile.BaseVolatility
	for i := 0; i < 100; i++ {
		price, vol = m.Step(price, vol, ParamsFor(profile.Pattern), profile, day)
		if price.Exponent() < -2 {
			t.Fatalf("price %s has more than 2 decimal places", price)
		}
	}
}

func TestStepVolatility_Clamped(t *testing.T) {
	g := NewRNG(11)
	m := NewModel(g)

	const base = 0.02
	tests := []float64{0.0001, base, 10.0}
	for _, start := range tests {
		vol := start
		for i := 0; i < 200; i++ {
			vol = m.StepVolatility(vol, base)
			if vol < 0.3*base || vol > 3*base {
				t.Fatalf("start %f: volatility %f outside [%f, %f]", start, vol, 0.3*base, 3*base)
			}
		}
	}
}

func TestStep_MeanReversionPullsTowardMean(t *testing.T) {
	// With zero noise params, the pull toward the long-run mean is the
	// only force. A price far below the mean must rise.
	quiet := Params{
		Drift:              0,
		BaseVolatility:     1e-9,
		MeanReversionSpeed: 0.1,
		JumpFrequency:      0,
		JumpMagnitude:      0,
	}

	g := NewRNG(13)
	m := NewModel(g)
	profile := testProfile(model.PatternStable, 100)
	day := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	price := decimal.NewFromInt(50)
	next, _ := m.Step(price, quiet.BaseVolatility, quiet, profile, day)
	if !next.GreaterThan(price) {
		t.Errorf("price below mean should revert upward: %s -> %s", price, next)
	}

	price = decimal.NewFromInt(200)
	next, _ = m.Step(price, quiet.BaseVolatility, quiet, profile, day)
	if !next.LessThan(price) {
		t.Errorf("price above mean should revert downward: %s -> %s", price, next)
	}
}

func TestStep_CyclicalTermIsDeterministic(t *testing.T) {
	quiet := Params{BaseVolatility: 1e-9}

	profile := testProfile(model.PatternCyclical, 100)
	profile.MeanReversionSpeed = 0

	// Day-of-year 7.5 sits on the rising quarter of a 30-day sine.
	up := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	down := time.Date(2026, 1, 23, 0, 0, 0, 0, time.UTC)

	price := decimal.NewFromInt(100)

	g := NewRNG(17)
	m := NewModel(g)
	next, _ := m.Step(price, quiet.BaseVolatility, quiet, profile, up)
	if !next.GreaterThan(price) {
		t.Errorf("rising phase should lift the price: %s -> %s", price, next)
	}

	next, _ = m.Step(price, quiet.BaseVolatility, quiet, profile, down)
	if !next.LessThan(price) {
		t.Errorf("falling phase should drop the price: %s -> %s", price, next)
	}
}

func TestParamsFor_UnknownFallsBackToRandomWalk(t *testing.T) {
	got := ParamsFor(model.Pattern("NO_SUCH"))
	want := ParamsFor(model.PatternRandomWalk)
	if got != want {
		t.Errorf("unknown pattern should use RANDOM_WALK preset, got %+v", got)
	}
}
