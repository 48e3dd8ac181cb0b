// Package simul implements the price-simulation engine: a discrete-time
// stochastic process with trend, mean reversion, volatility clustering,
// and jump risk, plus the OHLC candle synthesis, history backfill, and
// the recurring scheduler that drives every listed stock.
//
// Monetary outputs are shopspring/decimal rounded to cents; the
// transcendental math itself runs in float64 and converts at the boundary.
package simul

import (
	"math"
	"math/rand"
	"sync"
)

// RNG produces the pseudo-random draws the price model consumes. It is
// safe for concurrent use and seedable, so tests run deterministically.
type RNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRNG creates a generator from the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{r: rand.New(rand.NewSource(seed))}
}

// Gaussian returns one standard-normal draw via the Box–Muller transform:
//
//	z = sqrt(-2 ln u1) · cos(2π u2)
func (g *RNG) Gaussian() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	u1 := g.r.Float64()
	u2 := g.r.Float64()
	// Float64 may return exactly 0, for which ln is undefined.
	for u1 == 0 {
		u1 = g.r.Float64()
	}
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// Uniform returns a draw from [0, 1).
func (g *RNG) Uniform() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Float64()
}

// UniformIn returns a draw from [lo, hi).
func (g *RNG) UniformIn(lo, hi float64) float64 {
	return lo + (hi-lo)*g.Uniform()
}

// Coin returns true with probability 0.5.
func (g *RNG) Coin() bool {
	return g.Uniform() < 0.5
}

// Intn returns a draw from [0, n).
func (g *RNG) Intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.r.Intn(n)
}
