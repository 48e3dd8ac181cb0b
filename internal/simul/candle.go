package simul

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// Candle synthesis constants.
const (
	baseVolumeLo = 1000
	baseVolumeHi = 3000
)

// Synthesize builds a plausible OHLCV bar from an opening price, a closing
// price, and the period's volatility. The wick range beyond the body is
//
//	extra = |close−open|·U(0.2, 0.7) + vol·open·0.5
//
// applied independently above and below, then re-clamped so that
// low ≤ min(open, close) ≤ max(open, close) ≤ high survives rounding.
// low is floored at 1, volume scales with volatility and body size.
func (m *Model) Synthesize(marketID, outcomeID string, open, close decimal.Decimal, vol float64, day time.Time) model.Candle {
	openF := open.InexactFloat64()
	closeF := close.InexactFloat64()

	body := math.Abs(closeF - openF)
	extra := body*m.rng.UniformIn(0.2, 0.7) + vol*openF*0.5

	hi := math.Max(openF, closeF) + extra*m.rng.Uniform()
	lo := math.Min(openF, closeF) - extra*m.rng.Uniform()
	if lo < MinPrice {
		lo = MinPrice
	}

	high := decimal.NewFromFloat(hi).Round(2)
	low := decimal.NewFromFloat(lo).Round(2)

	// Rounding may pull a wick inside the body; clamp back out.
	bodyHigh := decimal.Max(open, close)
	bodyLow := decimal.Min(open, close)
	if high.LessThan(bodyHigh) {
		high = bodyHigh
	}
	if low.GreaterThan(bodyLow) {
		low = bodyLow
	}

	base := float64(baseVolumeLo + m.rng.Intn(baseVolumeHi-baseVolumeLo+1))
	volume := int64(base * (1 + 10*vol + 20*body/openF))

	return model.Candle{
		ID:        uuid.New().String(),
		MarketID:  marketID,
		OutcomeID: outcomeID,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Day:       model.Day(day),
	}
}
