package simul

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/metrics"
	"github.com/clubmarket/engine/internal/model"
	"github.com/clubmarket/engine/internal/store"
)

// Broadcaster receives live price updates after each advance. The ledger's
// WebSocket hub implements it; a nil Broadcaster disables broadcasting.
type Broadcaster interface {
	BroadcastPrice(marketID string, price decimal.Decimal)
}

// Scheduler is the single recurring timer that advances every active
// stock's simulation by one step per interval. Exactly one instance runs
// per process; it is owned by the composition root, not a package global.
type Scheduler struct {
	store     store.Store
	model     *Model
	rng       *RNG
	interval  time.Duration
	overrides OverrideTable
	hub       Broadcaster

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a stopped scheduler. hub may be nil.
func NewScheduler(st store.Store, m *Model, rng *RNG, interval time.Duration, overrides OverrideTable, hub Broadcaster) *Scheduler {
	if overrides == nil {
		overrides = OverrideTable{}
	}
	return &Scheduler{
		store:     st,
		model:     m,
		rng:       rng,
		interval:  interval,
		overrides: overrides,
		hub:       hub,
	}
}

// Start launches the tick loop. Idempotent: starting an already-running
// scheduler cancels the prior loop first.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(ctx, done)
	slog.Info("simulation scheduler started", "interval", s.interval.String())
}

// Stop cancels the timer and waits for any in-flight tick to finish.
// Idempotent: stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	slog.Info("simulation scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// A failed tick is not fatal; the next one retries.
				slog.Error("simulation tick failed", "err", err)
			}
		}
	}
}

// Tick advances every stock profile by one step: new price and volatility
// persisted, current price updated, and today's candle appended or
// extended. A failure on one stock is logged and skipped; the remaining
// stocks still advance. Premium stocks step after the ordinary ones so
// their floor can reference the highest ordinary price of this tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	profiles, err := s.store.ListStockProfiles(ctx)
	if err != nil {
		return fmt.Errorf("tick: load profiles: %w", err)
	}
	metrics.ActiveStocks.Set(float64(len(profiles)))

	now := time.Now().UTC()

	var premium []model.StockProfile
	maxOrdinary := 0.0

	for _, p := range profiles {
		if _, ok := s.overrides[p.MarketID]; ok {
			premium = append(premium, p)
			continue
		}

		// Seed the floor baseline from the stored price first, so a stock
		// that fails to persist this tick still anchors the premium floor.
		if c := p.LastPrice.InexactFloat64(); c > maxOrdinary {
			maxOrdinary = c
		}

		close, err := s.advance(ctx, &p, ParamsFor(p.Pattern), now)
		if err != nil {
			metrics.TickStockErrors.Inc()
			slog.Error("stock tick failed", "market", p.MarketID, "err", err)
			continue
		}
		if c := close.InexactFloat64(); c > maxOrdinary {
			maxOrdinary = c
		}
	}

	for _, p := range premium {
		ov := s.overrides[p.MarketID]
		if _, err := s.advancePremium(ctx, &p, ov, maxOrdinary, now); err != nil {
			metrics.TickStockErrors.Inc()
			slog.Error("premium stock tick failed", "market", p.MarketID, "err", err)
		}
	}

	return nil
}

// advance steps one stock and persists profile, price, and candle.
// Returns the new closing price.
func (s *Scheduler) advance(ctx context.Context, p *model.StockProfile, params Params, now time.Time) (decimal.Decimal, error) {
	open := p.LastPrice
	close, vol := s.model.Step(open, p.LastVolatility, params, p, now)
	return close, s.persist(ctx, p, open, close, vol, now)
}

// advancePremium steps the distinguished premium stock with its override
// parameters, then floor-clamps it against the highest ordinary price and
// rolls for the extra upward nudge.
func (s *Scheduler) advancePremium(ctx context.Context, p *model.StockProfile, ov PremiumOverride, maxOrdinary float64, now time.Time) (decimal.Decimal, error) {
	open := p.LastPrice
	close, vol := s.model.Step(open, p.LastVolatility, ov.Apply(ParamsFor(p.Pattern)), p, now)

	if floor := maxOrdinary * ov.FloorMultiple; close.InexactFloat64() < floor {
		close = decimal.NewFromFloat(floor).Round(2)
	}
	if s.rng.Uniform() < ov.NudgeProbability {
		nudged := close.InexactFloat64() * (1 + s.rng.UniformIn(0, ov.NudgeMaxReturn))
		close = decimal.NewFromFloat(nudged).Round(2)
	}

	return close, s.persist(ctx, p, open, close, vol, now)
}

func (s *Scheduler) persist(ctx context.Context, p *model.StockProfile, open, close decimal.Decimal, vol float64, now time.Time) error {
	p.LastPrice = close
	p.LastVolatility = vol
	p.UpdatedAt = now

	if err := s.store.SaveStockProfile(ctx, p); err != nil {
		return err
	}
	if err := s.store.UpdateMarketPrice(ctx, p.MarketID, close); err != nil {
		return err
	}
	if err := s.touchCandle(ctx, p.MarketID, open, close, vol, now); err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.BroadcastPrice(p.MarketID, close)
	}
	return nil
}

// touchCandle appends a fresh candle the first tick of a day and extends
// the existing one in place on later ticks.
func (s *Scheduler) touchCandle(ctx context.Context, marketID string, open, close decimal.Decimal, vol float64, now time.Time) error {
	c, err := s.store.GetCandle(ctx, marketID, "", now)
	if errors.Is(err, store.ErrCandleNotFound) {
		candle := s.model.Synthesize(marketID, "", open, close, vol, now)
		return s.store.AppendCandle(ctx, &candle)
	}
	if err != nil {
		return err
	}

	c.Close = close
	if close.GreaterThan(c.High) {
		c.High = close
	}
	if close.LessThan(c.Low) {
		c.Low = close
	}
	c.Volume += int64(10 + s.rng.Intn(190))
	return s.store.UpdateCandle(ctx, c)
}
