package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	profiles  map[string]*model.StockProfile
	candles   []model.Candle
	users     map[string]*model.User
	positions map[string]*model.Position
	trades    []model.Trade
	events    []model.BalanceEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		profiles:  make(map[string]*model.StockProfile),
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
	}
}

func positionKey(userID, marketID, outcomeID string) string {
	return userID + "|" + marketID + "|" + outcomeID
}

func copyMarket(m *model.Market) *model.Market {
	cp := *m
	cp.Outcomes = append([]model.Outcome(nil), m.Outcomes...)
	return &cp
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("get market %s: %w", id, ErrMarketNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarketPrice(_ context.Context, marketID string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMarketPriceLocked(marketID, price)
}

func (s *MemoryStore) updateMarketPriceLocked(marketID string, price decimal.Decimal) error {
	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("update price %s: %w", marketID, ErrMarketNotFound)
	}
	m.CurrentPrice = price
	return nil
}

func (s *MemoryStore) UpdateOutcomePrices(_ context.Context, marketID string, prices []OutcomePrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOutcomePricesLocked(marketID, prices)
}

func (s *MemoryStore) updateOutcomePricesLocked(marketID string, prices []OutcomePrice) error {
	m, ok := s.markets[marketID]
	if !ok {
		return fmt.Errorf("update outcomes %s: %w", marketID, ErrMarketNotFound)
	}
	for _, p := range prices {
		found := false
		for i := range m.Outcomes {
			if m.Outcomes[i].ID == p.OutcomeID {
				m.Outcomes[i].Price = p.Price
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("update outcomes %s: outcome %s not found", marketID, p.OutcomeID)
		}
	}
	return nil
}

// --- Simulation state ---

func (s *MemoryStore) SaveStockProfile(_ context.Context, p *model.StockProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.profiles[p.MarketID] = &cp
	return nil
}

func (s *MemoryStore) GetStockProfile(_ context.Context, marketID string) (*model.StockProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[marketID]
	if !ok {
		return nil, fmt.Errorf("get profile %s: %w", marketID, ErrProfileNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListStockProfiles(_ context.Context) ([]model.StockProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make([]model.StockProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

// --- Candles ---

func (s *MemoryStore) GetCandle(_ context.Context, marketID, outcomeID string, day time.Time) (*model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day = model.Day(day)
	for i := range s.candles {
		c := &s.candles[i]
		if c.MarketID == marketID && c.OutcomeID == outcomeID && c.Day.Equal(day) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get candle %s/%s: %w", marketID, outcomeID, ErrCandleNotFound)
}

func (s *MemoryStore) AppendCandle(_ context.Context, c *model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.candles = append(s.candles, *c)
	return nil
}

func (s *MemoryStore) AppendCandles(_ context.Context, candles []model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.candles = append(s.candles, candles...)
	return nil
}

func (s *MemoryStore) UpdateCandle(_ context.Context, c *model.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.candles {
		if s.candles[i].ID == c.ID {
			s.candles[i] = *c
			return nil
		}
	}
	return fmt.Errorf("update candle %s: %w", c.ID, ErrCandleNotFound)
}

func (s *MemoryStore) ListCandles(_ context.Context, marketID, outcomeID string, limit int) ([]model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Candle
	for _, c := range s.candles {
		if c.MarketID == marketID && c.OutcomeID == outcomeID {
			result = append(result, c)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) HasCandles(_ context.Context, marketID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.candles {
		if c.MarketID == marketID {
			return true, nil
		}
	}
	return false, nil
}

// --- Users and positions ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("get user %s: %w", id, ErrUserNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, id string, balance decimal.Decimal, lastReset *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUserLocked(id, balance, lastReset)
}

func (s *MemoryStore) updateUserLocked(id string, balance decimal.Decimal, lastReset *time.Time) error {
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("update user %s: %w", id, ErrUserNotFound)
	}
	u.Balance = balance
	u.LastBankruptcyReset = lastReset
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID, outcomeID)]
	if !ok {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, ErrPositionNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[positionKey(p.UserID, p.MarketID, p.OutcomeID)] = &cp
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	return result, nil
}

// --- Ledger ---

// ApplyTrade applies the whole mutation under one lock, so concurrent
// readers never observe a half-applied trade.
func (s *MemoryStore) ApplyTrade(_ context.Context, mut *TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[mut.UserID]; !ok {
		return fmt.Errorf("apply trade: %w", ErrUserNotFound)
	}
	if _, ok := s.markets[mut.Trade.MarketID]; !ok {
		return fmt.Errorf("apply trade: %w", ErrMarketNotFound)
	}

	if mut.StockPrice != nil {
		if err := s.updateMarketPriceLocked(mut.Trade.MarketID, *mut.StockPrice); err != nil {
			return err
		}
	}
	if len(mut.OutcomePrices) > 0 {
		if err := s.updateOutcomePricesLocked(mut.Trade.MarketID, mut.OutcomePrices); err != nil {
			return err
		}
	}

	s.trades = append(s.trades, *mut.Trade)
	s.events = append(s.events, *mut.BalanceEvent)
	if mut.ResetEvent != nil {
		s.events = append(s.events, *mut.ResetEvent)
	}

	pos := *mut.Position
	s.positions[positionKey(pos.UserID, pos.MarketID, pos.OutcomeID)] = &pos

	u := s.users[mut.UserID]
	u.Balance = mut.Balance
	if mut.ResetAt != nil {
		at := *mut.ResetAt
		u.LastBankruptcyReset = &at
	}
	return nil
}

func (s *MemoryStore) AppendBalanceEvent(_ context.Context, e *model.BalanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListBalanceEvents(_ context.Context, userID string) ([]model.BalanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceEvent
	for _, e := range s.events {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}
