package simul

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
	"github.com/clubmarket/engine/internal/store"
)

// backfillBatchSize is how many candles go to the store per write.
const backfillBatchSize = 50

// Backfiller seeds a newly listed stock with synthetic history: it drives
// the price model day by day from a randomized starting price and leaves
// behind the candles plus a StockProfile whose running state the live
// scheduler continues from.
type Backfiller struct {
	store store.Store
	model *Model
	rng   *RNG
	days  int
}

// NewBackfiller creates a backfiller producing days of history (180 in
// the reference configuration).
func NewBackfiller(st store.Store, m *Model, rng *RNG, days int) *Backfiller {
	return &Backfiller{store: st, model: m, rng: rng, days: days}
}

// Run generates history for one stock market. Idempotent: if the market
// already has candles, Run is a no-op and returns the stored profile.
// On success the final profile (with its running price and volatility)
// is persisted and the market's current price is set to the last close.
func (b *Backfiller) Run(ctx context.Context, marketID string, pattern model.Pattern, listPrice decimal.Decimal) (*model.StockProfile, error) {
	has, err := b.store.HasCandles(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", marketID, err)
	}
	if has {
		return b.store.GetStockProfile(ctx, marketID)
	}

	params := ParamsFor(pattern)

	// Start somewhere between 70% and 130% of the nominal listing price.
	start := listPrice.InexactFloat64() * b.rng.UniformIn(0.7, 1.3)
	if start < MinPrice {
		start = MinPrice
	}

	profile := &model.StockProfile{
		MarketID:           marketID,
		Pattern:            pattern,
		BaseVolatility:     params.BaseVolatility,
		Drift:              params.Drift,
		MeanReversionSpeed: params.MeanReversionSpeed,
		LongRunMean:        listPrice.InexactFloat64(),
		JumpFrequency:      params.JumpFrequency,
		JumpMagnitude:      params.JumpMagnitude,
		LastPrice:          decimal.NewFromFloat(start).Round(2),
		LastVolatility:     params.BaseVolatility,
	}

	firstDay := model.Day(time.Now().UTC()).AddDate(0, 0, -b.days)

	batch := make([]model.Candle, 0, backfillBatchSize)
	for i := 0; i < b.days; i++ {
		day := firstDay.AddDate(0, 0, i)

		open := profile.LastPrice
		close, vol := b.model.Step(open, profile.LastVolatility, params, profile, day)

		batch = append(batch, b.model.Synthesize(marketID, "", open, close, vol, day))
		if len(batch) >= backfillBatchSize {
			if err := b.store.AppendCandles(ctx, batch); err != nil {
				return nil, fmt.Errorf("backfill %s: %w", marketID, err)
			}
			batch = batch[:0]
		}

		profile.LastPrice = close
		profile.LastVolatility = vol
		profile.UpdatedAt = day
	}
	if len(batch) > 0 {
		if err := b.store.AppendCandles(ctx, batch); err != nil {
			return nil, fmt.Errorf("backfill %s: %w", marketID, err)
		}
	}

	if err := b.store.SaveStockProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("backfill %s: %w", marketID, err)
	}
	if err := b.store.UpdateMarketPrice(ctx, marketID, profile.LastPrice); err != nil {
		return nil, fmt.Errorf("backfill %s: %w", marketID, err)
	}

	slog.Info("history backfilled",
		"market", marketID,
		"pattern", string(pattern),
		"days", b.days,
		"final_price", profile.LastPrice.String(),
	)
	return profile, nil
}
