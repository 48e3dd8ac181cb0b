// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Simulation parameters (volatilities, drifts, probabilities) are plain
// float64 because they feed transcendental math, not ledgers.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market types.
const (
	MarketStock      = "STOCK"
	MarketPrediction = "PREDICTION"
)

// Market statuses.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusResolved = "resolved"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Pattern is one of six fixed simulation archetypes governing a stock's
// drift, volatility, mean reversion, and jump behavior.
type Pattern string

const (
	PatternUptrend    Pattern = "UPTREND"
	PatternDowntrend  Pattern = "DOWNTREND"
	PatternVolatile   Pattern = "VOLATILE"
	PatternStable     Pattern = "STABLE"
	PatternCyclical   Pattern = "CYCLICAL"
	PatternRandomWalk Pattern = "RANDOM_WALK"
)

// Market is one tradable instrument: either a synthetic stock (one current
// price plus a float supply used for market-cap display) or a binary
// prediction market (exactly two complementary outcomes).
type Market struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Type         string          `json:"type" db:"type"` // MarketStock or MarketPrediction
	Status       string          `json:"status" db:"status"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"` // stocks only
	FloatSupply  int64           `json:"float_supply" db:"float_supply"`   // stocks only
	Outcomes     []Outcome       `json:"outcomes,omitempty"`               // prediction only, exactly two
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Outcome is one side of a binary prediction market. The two outcome
// prices of a market are complementary: price(YES) + price(NO) = 1.
type Outcome struct {
	ID       string          `json:"id" db:"id"`
	MarketID string          `json:"market_id" db:"market_id"`
	Label    string          `json:"label" db:"label"` // "YES" or "NO"
	Price    decimal.Decimal `json:"price" db:"price"`
}

// StockProfile is the running simulation state for one stock market.
// Created once at listing, mutated once per scheduler tick, never deleted
// while the market exists.
type StockProfile struct {
	MarketID           string          `json:"market_id" db:"market_id"`
	Pattern            Pattern         `json:"pattern" db:"pattern"`
	BaseVolatility     float64         `json:"base_volatility" db:"base_volatility"`
	Drift              float64         `json:"drift" db:"drift"`
	MeanReversionSpeed float64         `json:"mean_reversion_speed" db:"mean_reversion_speed"`
	LongRunMean        float64         `json:"long_run_mean" db:"long_run_mean"`
	JumpFrequency      float64         `json:"jump_frequency" db:"jump_frequency"`
	JumpMagnitude      float64         `json:"jump_magnitude" db:"jump_magnitude"`
	LastPrice          decimal.Decimal `json:"last_price" db:"last_price"`
	LastVolatility     float64         `json:"last_volatility" db:"last_volatility"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Candle is one OHLC bar for one calendar day, for either a stock market
// or one prediction-market outcome. Invariant: low ≤ min(open, close),
// high ≥ max(open, close), volume ≥ 0. At most one mutable candle per
// market/outcome per day; older candles are immutable.
type Candle struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id,omitempty" db:"outcome_id"` // empty for stocks
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    int64           `json:"volume" db:"volume"`
	Day       time.Time       `json:"day" db:"day"` // UTC midnight of the trading day
}

// Position is a user's holding in one market (and, for prediction markets,
// one specific outcome). Created on first buy, updated on every trade,
// never deleted — quantity may fall to zero.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id,omitempty" db:"outcome_id"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable append-only record of one executed order.
// Never mutated after creation.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OutcomeID string          `json:"outcome_id,omitempty" db:"outcome_id"`
	Side      string          `json:"side" db:"side"` // SideBuy or SideSell
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"` // execution price per share
	Total     decimal.Decimal `json:"total" db:"total"` // quantity · price
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Balance event kinds.
const (
	EventTrade           = "TRADE"
	EventStartingCredit  = "STARTING_CREDIT"
	EventBankruptcyReset = "BANKRUPTCY_RESET"
	EventFeaturePurchase = "FEATURE_PURCHASE"
	EventAdminAdjustment = "ADMIN_ADJUSTMENT"
)

// BalanceEvent is an immutable audit entry explaining one change to a
// user's cash balance. The signed sum of a user's events reconstructs the
// balance exactly.
type BalanceEvent struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Kind      string          `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed delta
	MarketID  string          `json:"market_id,omitempty" db:"market_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// User holds the only mutable cash scalar. Balance must always equal the
// signed sum of the user's BalanceEvents.
type User struct {
	ID                  string          `json:"id" db:"id"`
	Balance             decimal.Decimal `json:"balance" db:"balance"`
	LastBankruptcyReset *time.Time      `json:"last_bankruptcy_reset,omitempty" db:"last_bankruptcy_reset"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// Day truncates t to UTC midnight, the granularity of Candle periods.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
