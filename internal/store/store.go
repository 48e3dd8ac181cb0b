// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// Not-found sentinels. Callers branch on these; every implementation must
// return them (possibly wrapped) for the corresponding miss.
var (
	ErrMarketNotFound   = errors.New("store: market not found")
	ErrProfileNotFound  = errors.New("store: stock profile not found")
	ErrCandleNotFound   = errors.New("store: candle not found")
	ErrUserNotFound     = errors.New("store: user not found")
	ErrPositionNotFound = errors.New("store: position not found")
)

// OutcomePrice is one outcome-price update applied during a prediction
// trade. Both outcomes of a market are always updated together so the
// complementarity invariant survives the write.
type OutcomePrice struct {
	OutcomeID string
	Price     decimal.Decimal
}

// TradeMutation is the full set of writes for one accepted trade. The
// whole batch is applied atomically: either every record lands or none
// does.
type TradeMutation struct {
	Trade        *model.Trade
	BalanceEvent *model.BalanceEvent
	Position     *model.Position
	UserID       string
	Balance      decimal.Decimal

	// Price impact. Exactly one of the two is set depending on market type.
	StockPrice    *decimal.Decimal
	OutcomePrices []OutcomePrice

	// Bankruptcy reset, committed with the trade when the trade leaves the
	// balance at or below zero. When set, Balance already includes the
	// credit and ResetAt becomes the user's new reset timestamp.
	ResetEvent *model.BalanceEvent
	ResetAt    *time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market together with its outcomes.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market (outcomes included) by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketPrice sets a stock market's current price.
	UpdateMarketPrice(ctx context.Context, marketID string, price decimal.Decimal) error

	// UpdateOutcomePrices sets both outcome prices of a prediction market.
	UpdateOutcomePrices(ctx context.Context, marketID string, prices []OutcomePrice) error

	// --- Simulation state ---

	// SaveStockProfile inserts or replaces a stock's simulation profile.
	SaveStockProfile(ctx context.Context, profile *model.StockProfile) error

	// GetStockProfile retrieves the profile for one stock market.
	GetStockProfile(ctx context.Context, marketID string) (*model.StockProfile, error)

	// ListStockProfiles returns every profile (one per stock market).
	ListStockProfiles(ctx context.Context) ([]model.StockProfile, error)

	// --- Candles ---

	// GetCandle returns the candle for one market/outcome/day, or
	// ErrCandleNotFound.
	GetCandle(ctx context.Context, marketID, outcomeID string, day time.Time) (*model.Candle, error)

	// AppendCandle appends one new candle.
	AppendCandle(ctx context.Context, candle *model.Candle) error

	// AppendCandles appends a batch of candles (history backfill).
	AppendCandles(ctx context.Context, candles []model.Candle) error

	// UpdateCandle rewrites the day's open candle in place.
	UpdateCandle(ctx context.Context, candle *model.Candle) error

	// ListCandles returns up to limit most recent candles, oldest first.
	// limit <= 0 means no limit.
	ListCandles(ctx context.Context, marketID, outcomeID string, limit int) ([]model.Candle, error)

	// HasCandles reports whether any candle exists for the market.
	HasCandles(ctx context.Context, marketID string) (bool, error)

	// --- Users and positions ---

	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// UpdateUser rewrites the mutable user fields (balance, reset stamp).
	UpdateUser(ctx context.Context, id string, balance decimal.Decimal, lastReset *time.Time) error

	// GetPosition returns one position or ErrPositionNotFound.
	GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error)

	// UpsertPosition inserts or replaces a position.
	UpsertPosition(ctx context.Context, position *model.Position) error

	// ListPositions returns all positions for a user.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable ledger ---

	// ApplyTrade atomically applies every write of one accepted trade:
	// trade record, balance event, balance, position, price impact.
	ApplyTrade(ctx context.Context, mut *TradeMutation) error

	// AppendBalanceEvent appends one audit entry outside a trade
	// (starting credit, bankruptcy reset, admin adjustment).
	AppendBalanceEvent(ctx context.Context, event *model.BalanceEvent) error

	// ListTradesByUser returns all trades for a user, oldest first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// ListTradesByMarket returns all trades for a market, oldest first.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// ListBalanceEvents returns all balance events for a user, oldest first.
	ListBalanceEvents(ctx context.Context, userID string) ([]model.BalanceEvent, error)
}
