package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: market lookups and user records. Writes go
// to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketPrice(ctx context.Context, marketID string, price decimal.Decimal) error {
	if err := s.primary.UpdateMarketPrice(ctx, marketID, price); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) UpdateOutcomePrices(ctx context.Context, marketID string, prices []OutcomePrice) error {
	if err := s.primary.UpdateOutcomePrices(ctx, marketID, prices); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) UpdateUser(ctx context.Context, id string, balance decimal.Decimal, lastReset *time.Time) error {
	if err := s.primary.UpdateUser(ctx, id, balance, lastReset); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(id))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, mut *TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, mut); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(mut.Trade.MarketID), userKey(mut.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) SaveStockProfile(ctx context.Context, p *model.StockProfile) error {
	return s.primary.SaveStockProfile(ctx, p)
}

func (s *CachedStore) GetStockProfile(ctx context.Context, marketID string) (*model.StockProfile, error) {
	return s.primary.GetStockProfile(ctx, marketID)
}

func (s *CachedStore) ListStockProfiles(ctx context.Context) ([]model.StockProfile, error) {
	return s.primary.ListStockProfiles(ctx)
}

func (s *CachedStore) GetCandle(ctx context.Context, marketID, outcomeID string, day time.Time) (*model.Candle, error) {
	return s.primary.GetCandle(ctx, marketID, outcomeID, day)
}

func (s *CachedStore) AppendCandle(ctx context.Context, c *model.Candle) error {
	return s.primary.AppendCandle(ctx, c)
}

func (s *CachedStore) AppendCandles(ctx context.Context, candles []model.Candle) error {
	return s.primary.AppendCandles(ctx, candles)
}

func (s *CachedStore) UpdateCandle(ctx context.Context, c *model.Candle) error {
	return s.primary.UpdateCandle(ctx, c)
}

func (s *CachedStore) ListCandles(ctx context.Context, marketID, outcomeID string, limit int) ([]model.Candle, error) {
	return s.primary.ListCandles(ctx, marketID, outcomeID, limit)
}

func (s *CachedStore) HasCandles(ctx context.Context, marketID string) (bool, error) {
	return s.primary.HasCandles(ctx, marketID)
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, outcomeID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.primary.UpsertPosition(ctx, p)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, userID)
}

func (s *CachedStore) AppendBalanceEvent(ctx context.Context, e *model.BalanceEvent) error {
	return s.primary.AppendBalanceEvent(ctx, e)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListBalanceEvents(ctx context.Context, userID string) ([]model.BalanceEvent, error) {
	return s.primary.ListBalanceEvents(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}
