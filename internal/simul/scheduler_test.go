package simul_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
	"github.com/clubmarket/engine/internal/simul"
	"github.com/clubmarket/engine/internal/store"
)

func seedProfile(t *testing.T, ms *store.MemoryStore, marketID string, pattern model.Pattern, price float64) {
	t.Helper()
	params := simul.ParamsFor(pattern)
	err := ms.SaveStockProfile(context.Background(), &model.StockProfile{
		MarketID:           marketID,
		Pattern:            pattern,
		BaseVolatility:     params.BaseVolatility,
		Drift:              params.Drift,
		MeanReversionSpeed: params.MeanReversionSpeed,
		LongRunMean:        price,
		JumpFrequency:      params.JumpFrequency,
		JumpMagnitude:      params.JumpMagnitude,
		LastPrice:          decimal.NewFromFloat(price),
		LastVolatility:     params.BaseVolatility,
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
}

func newTestScheduler(ms store.Store, seed int64, overrides simul.OverrideTable) *simul.Scheduler {
	rng := simul.NewRNG(seed)
	return simul.NewScheduler(ms, simul.NewModel(rng), rng, time.Minute, overrides, nil)
}

func TestTick_AdvancesEveryStock(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	seedStockMarket(t, ms, "m1", 40)
	seedStockMarket(t, ms, "m2", 75)
	seedProfile(t, ms, "m1", model.PatternUptrend, 40)
	seedProfile(t, ms, "m2", model.PatternVolatile, 75)

	s := newTestScheduler(ms, 1, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	for _, id := range []string{"m1", "m2"} {
		profile, err := ms.GetStockProfile(ctx, id)
		if err != nil {
			t.Fatalf("get profile %s: %v", id, err)
		}

		market, _ := ms.GetMarket(ctx, id)
		if !market.CurrentPrice.Equal(profile.LastPrice) {
			t.Errorf("%s: market price %s != profile price %s", id, market.CurrentPrice, profile.LastPrice)
		}

		candles, _ := ms.ListCandles(ctx, id, "", 0)
		if len(candles) != 1 {
			t.Fatalf("%s: expected 1 candle after first tick, got %d", id, len(candles))
		}
		if !candles[0].Close.Equal(profile.LastPrice) {
			t.Errorf("%s: candle close %s != profile price %s", id, candles[0].Close, profile.LastPrice)
		}
	}
}

func TestTick_SecondTickUpdatesSameDayCandle(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	seedStockMarket(t, ms, "m1", 40)
	seedProfile(t, ms, "m1", model.PatternStable, 40)

	s := newTestScheduler(ms, 2, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	candles, _ := ms.ListCandles(ctx, "m1", "", 0)
	volumeBefore := candles[0].Volume

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	candles, _ = ms.ListCandles(ctx, "m1", "", 0)
	if len(candles) != 1 {
		t.Fatalf("second same-day tick should update in place, got %d candles", len(candles))
	}

	c := candles[0]
	profile, _ := ms.GetStockProfile(ctx, "m1")
	if !c.Close.Equal(profile.LastPrice) {
		t.Errorf("candle close %s != latest price %s", c.Close, profile.LastPrice)
	}
	if c.Volume <= volumeBefore {
		t.Errorf("volume should grow on update: %d <= %d", c.Volume, volumeBefore)
	}
	if c.High.LessThan(decimal.Max(c.Open, c.Close)) || c.Low.GreaterThan(decimal.Min(c.Open, c.Close)) {
		t.Errorf("OHLC invariant violated after update: o=%s h=%s l=%s c=%s", c.Open, c.High, c.Low, c.Close)
	}
}

func TestTick_PremiumStaysAboveOrdinary(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	seedStockMarket(t, ms, "ordinary", 90)
	seedStockMarket(t, ms, "premium", 50) // starts below the floor on purpose
	seedProfile(t, ms, "ordinary", model.PatternStable, 90)
	seedProfile(t, ms, "premium", model.PatternUptrend, 50)

	overrides := simul.OverrideTable{"premium": simul.DefaultPremiumOverride()}
	s := newTestScheduler(ms, 3, overrides)

	for i := 0; i < 10; i++ {
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}

		ord, _ := ms.GetStockProfile(ctx, "ordinary")
		prem, _ := ms.GetStockProfile(ctx, "premium")

		floor := ord.LastPrice.InexactFloat64() * simul.DefaultPremiumOverride().FloorMultiple
		if prem.LastPrice.InexactFloat64() < floor-0.01 {
			t.Fatalf("tick %d: premium %s below floor %.2f (ordinary %s)",
				i, prem.LastPrice, floor, ord.LastPrice)
		}
	}
}

// failingStore wraps a Store and fails profile saves for one market, to
// prove a bad stock does not poison the rest of the tick.
type failingStore struct {
	store.Store
	failMarket string
}

func (f *failingStore) SaveStockProfile(ctx context.Context, p *model.StockProfile) error {
	if p.MarketID == f.failMarket {
		return errors.New("boom")
	}
	return f.Store.SaveStockProfile(ctx, p)
}

func TestTick_IsolatesPerStockFailures(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	seedStockMarket(t, ms, "good", 40)
	seedStockMarket(t, ms, "bad", 40)
	seedProfile(t, ms, "good", model.PatternRandomWalk, 40)
	seedProfile(t, ms, "bad", model.PatternRandomWalk, 40)

	s := newTestScheduler(&failingStore{Store: ms, failMarket: "bad"}, 4, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick should not fail as a whole: %v", err)
	}

	good, _ := ms.GetStockProfile(ctx, "good")
	if good.UpdatedAt.IsZero() {
		t.Error("good stock was not advanced")
	}
	goodCandles, _ := ms.ListCandles(ctx, "good", "", 0)
	if len(goodCandles) != 1 {
		t.Errorf("good stock should have a candle, got %d", len(goodCandles))
	}
	badCandles, _ := ms.ListCandles(ctx, "bad", "", 0)
	if len(badCandles) != 0 {
		t.Errorf("failed stock should have no candle, got %d", len(badCandles))
	}
}

func TestTick_PremiumFloorSurvivesOrdinaryFailure(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	seedStockMarket(t, ms, "ordinary", 90)
	seedStockMarket(t, ms, "premium", 50)
	seedProfile(t, ms, "ordinary", model.PatternStable, 90)
	seedProfile(t, ms, "premium", model.PatternUptrend, 50)

	// Every ordinary stock fails to persist; the floor must still anchor
	// on the stored ordinary price rather than collapsing to zero.
	overrides := simul.OverrideTable{"premium": simul.DefaultPremiumOverride()}
	rng := simul.NewRNG(6)
	s := simul.NewScheduler(&failingStore{Store: ms, failMarket: "ordinary"},
		simul.NewModel(rng), rng, time.Minute, overrides, nil)

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	prem, err := ms.GetStockProfile(ctx, "premium")
	if err != nil {
		t.Fatalf("get premium profile: %v", err)
	}
	floor := 90 * simul.DefaultPremiumOverride().FloorMultiple
	if prem.LastPrice.InexactFloat64() < floor-0.01 {
		t.Errorf("premium %s below floor %.2f with failing ordinary stock", prem.LastPrice, floor)
	}
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	s := newTestScheduler(ms, 5, nil)

	// Double start replaces the prior loop; double stop is a no-op.
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
