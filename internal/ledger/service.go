// Package ledger validates and executes trades against the play-money
// ledger: price lookup, funds/holdings checks, balance mutation,
// weighted-average position update, immutable trade and balance-event
// records, the simplified price-impact rule, and the bankruptcy reset.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/metrics"
	"github.com/clubmarket/engine/internal/model"
	"github.com/clubmarket/engine/internal/simul"
	"github.com/clubmarket/engine/internal/store"
)

// Price-impact constants. The impact rule is a deliberately simple
// deterministic nudge, not a market microstructure model.
var (
	// stockImpact moves a stock price by ±1% per trade.
	stockImpact = decimal.NewFromFloat(0.01)

	// stockPriceFloor is the lowest a stock price can be pushed by impact.
	stockPriceFloor = decimal.NewFromFloat(0.01)

	// outcomeImpactStep moves a prediction outcome by ±0.02 per trade.
	outcomeImpactStep = decimal.NewFromFloat(0.02)

	// Outcome prices stay inside [0.01, 0.99]; the complement is forced
	// to 1 − price so the pair always sums to one.
	outcomePriceMin = decimal.NewFromFloat(0.01)
	outcomePriceMax = decimal.NewFromFloat(0.99)

	one = decimal.NewFromInt(1)
)

// Config carries the ledger's tunable amounts, all read from the
// environment by the composition root.
type Config struct {
	StartingBalance  decimal.Decimal
	ResetAmount      decimal.Decimal
	ResetCooldown    time.Duration
	MaxTradeQuantity int64
}

// DefaultConfig returns the reference values: 1000 starting credit,
// 100 bankruptcy reset with a 24h cooldown.
func DefaultConfig() Config {
	return Config{
		StartingBalance:  decimal.NewFromInt(1000),
		ResetAmount:      decimal.NewFromInt(100),
		ResetCooldown:    24 * time.Hour,
		MaxTradeQuantity: 1_000_000,
	}
}

// Service executes trades. Per-market and per-user keyed mutexes
// serialize the whole validate-through-reset sequence, so two racing
// trades on the same market or user never interleave. Lock order is
// always market before user.
type Service struct {
	store      store.Store
	backfiller *simul.Backfiller
	cfg        Config
	hub        *WSHub // optional, nil disables broadcasts

	marketLocks *keyedMutex
	userLocks   *keyedMutex
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, backfiller *simul.Backfiller, cfg Config, hub *WSHub) *Service {
	return &Service{
		store:       st,
		backfiller:  backfiller,
		cfg:         cfg,
		hub:         hub,
		marketLocks: newKeyedMutex(),
		userLocks:   newKeyedMutex(),
	}
}

// TradeOrder is one trade request.
type TradeOrder struct {
	UserID    string `json:"user_id"`
	MarketID  string `json:"market_id"`
	OutcomeID string `json:"outcome_id,omitempty"` // required for prediction markets
	Side      string `json:"side"`                 // BUY or SELL
	Quantity  int64  `json:"quantity"`
}

// TradeResult is the outcome of an accepted trade.
type TradeResult struct {
	Trade    model.Trade     `json:"trade"`
	Balance  decimal.Decimal `json:"balance"`
	Position model.Position  `json:"position"`
	NewPrice decimal.Decimal `json:"new_price"` // post-impact price of the traded instrument
	Reset    bool            `json:"bankruptcy_reset"`
}

// Execute runs the trade state machine: resolve price, check funds or
// holdings, apply the mutation batch atomically, nudge the price, then
// run the bankruptcy check. Rejections return a typed sentinel before
// any state changes.
func (s *Service) Execute(ctx context.Context, order TradeOrder) (*TradeResult, error) {
	start := time.Now()

	if order.Side != model.SideBuy && order.Side != model.SideSell {
		metrics.TradeRejections.WithLabelValues("invalid_side").Inc()
		return nil, ErrInvalidSide
	}
	if order.Quantity <= 0 || order.Quantity > s.cfg.MaxTradeQuantity {
		metrics.TradeRejections.WithLabelValues("invalid_quantity").Inc()
		return nil, ErrInvalidQuantity
	}

	// Serialize the whole sequence per market and per user.
	ml := s.marketLocks.get(order.MarketID)
	ml.Lock()
	defer ml.Unlock()
	ul := s.userLocks.get(order.UserID)
	ul.Lock()
	defer ul.Unlock()

	market, err := s.store.GetMarket(ctx, order.MarketID)
	if err != nil || market.Status != model.StatusOpen {
		metrics.TradeRejections.WithLabelValues("market_unavailable").Inc()
		return nil, ErrMarketUnavailable
	}
	if market.Type != model.MarketPrediction {
		// Stocks have no outcomes; a stray outcome id must not fork the
		// position key into something a normal sell can never reach.
		order.OutcomeID = ""
	}

	price, err := resolvePrice(market, order.OutcomeID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("outcome_not_found").Inc()
		return nil, err
	}

	user, err := s.store.GetUser(ctx, order.UserID)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("user_not_found").Inc()
		return nil, ErrUserNotFound
	}

	qty := decimal.NewFromInt(order.Quantity)
	total := price.Mul(qty).Round(2)

	position, err := s.store.GetPosition(ctx, order.UserID, order.MarketID, order.OutcomeID)
	if errors.Is(err, store.ErrPositionNotFound) {
		position = &model.Position{
			UserID:    order.UserID,
			MarketID:  order.MarketID,
			OutcomeID: order.OutcomeID,
			AvgCost:   decimal.Zero,
		}
	} else if err != nil {
		return nil, err
	}

	var newBalance decimal.Decimal
	newPosition := *position

	switch order.Side {
	case model.SideBuy:
		if user.Balance.LessThan(total) {
			metrics.TradeRejections.WithLabelValues("insufficient_funds").Inc()
			return nil, ErrInsufficientFunds
		}
		newBalance = user.Balance.Sub(total)

		// Weighted-average cost over the merged quantity.
		oldQty := decimal.NewFromInt(position.Quantity)
		newQty := oldQty.Add(qty)
		newPosition.AvgCost = oldQty.Mul(position.AvgCost).Add(qty.Mul(price)).Div(newQty).Round(4)
		newPosition.Quantity = position.Quantity + order.Quantity

	case model.SideSell:
		if position.Quantity < order.Quantity {
			metrics.TradeRejections.WithLabelValues("insufficient_holdings").Inc()
			return nil, ErrInsufficientHoldings
		}
		newBalance = user.Balance.Add(total)

		// Average cost is unchanged on sells; realized P&L is not
		// tracked separately.
		newPosition.Quantity = position.Quantity - order.Quantity
	}
	newPosition.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	trade := model.Trade{
		ID:        uuid.New().String(),
		UserID:    order.UserID,
		MarketID:  order.MarketID,
		OutcomeID: order.OutcomeID,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     price,
		Total:     total,
		Timestamp: now,
	}

	delta := total.Neg()
	if order.Side == model.SideSell {
		delta = total
	}
	event := model.BalanceEvent{
		ID:        uuid.New().String(),
		UserID:    order.UserID,
		Kind:      model.EventTrade,
		Amount:    delta,
		MarketID:  order.MarketID,
		Timestamp: now,
	}

	mut := &store.TradeMutation{
		Trade:        &trade,
		BalanceEvent: &event,
		Position:     &newPosition,
		UserID:       order.UserID,
		Balance:      newBalance,
	}
	newPrice := s.applyImpact(mut, market, order, price)
	reset := s.attachReset(mut, user, now)

	if err := s.store.ApplyTrade(ctx, mut); err != nil {
		return nil, err
	}

	if market.Type == model.MarketPrediction {
		if err := s.touchOutcomeCandle(ctx, order, price, newPrice, now); err != nil {
			// Candle upkeep is cosmetic next to the ledger; log and move on.
			slog.Error("outcome candle update failed", "market", order.MarketID, "err", err)
		}
	}

	if reset {
		metrics.BankruptcyResets.Inc()
		slog.Info("bankruptcy reset granted",
			"user", user.ID,
			"amount", s.cfg.ResetAmount.String(),
		)
	}
	newBalance = mut.Balance

	metrics.TradesTotal.WithLabelValues(order.Side, market.Type).Inc()
	metrics.TradeLatency.WithLabelValues(order.Side).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"user", order.UserID,
		"market", order.MarketID,
		"side", order.Side,
		"qty", order.Quantity,
		"price", price.String(),
		"total", total.String(),
		"new_price", newPrice.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      "trade_executed",
			MarketID:  order.MarketID,
			OutcomeID: order.OutcomeID,
			Price:     newPrice.String(),
			Side:      order.Side,
			Quantity:  order.Quantity,
		})
	}

	return &TradeResult{
		Trade:    trade,
		Balance:  newBalance,
		Position: newPosition,
		NewPrice: newPrice,
		Reset:    reset,
	}, nil
}

// resolvePrice returns the current execution price for the instrument:
// the stored outcome price for predictions, the stored market price for
// stocks.
func resolvePrice(market *model.Market, outcomeID string) (decimal.Decimal, error) {
	if market.Type != model.MarketPrediction {
		return market.CurrentPrice, nil
	}
	for _, o := range market.Outcomes {
		if o.ID == outcomeID {
			return o.Price, nil
		}
	}
	return decimal.Zero, ErrOutcomeNotFound
}

// applyImpact attaches the post-trade price nudge to the mutation and
// returns the traded instrument's new price.
//
// Stocks move ±1% of the current price, floored at 0.01. Prediction
// outcomes move ±0.02 clamped to [0.01, 0.99], and the complementary
// outcome is forced to 1 − price.
func (s *Service) applyImpact(mut *store.TradeMutation, market *model.Market, order TradeOrder, price decimal.Decimal) decimal.Decimal {
	if market.Type != model.MarketPrediction {
		step := market.CurrentPrice.Mul(stockImpact)
		newPrice := market.CurrentPrice.Add(step)
		if order.Side == model.SideSell {
			newPrice = market.CurrentPrice.Sub(step)
		}
		newPrice = newPrice.Round(2)
		if newPrice.LessThan(stockPriceFloor) {
			newPrice = stockPriceFloor
		}
		mut.StockPrice = &newPrice
		return newPrice
	}

	newPrice := price.Add(outcomeImpactStep)
	if order.Side == model.SideSell {
		newPrice = price.Sub(outcomeImpactStep)
	}
	if newPrice.LessThan(outcomePriceMin) {
		newPrice = outcomePriceMin
	}
	if newPrice.GreaterThan(outcomePriceMax) {
		newPrice = outcomePriceMax
	}

	updates := []store.OutcomePrice{{OutcomeID: order.OutcomeID, Price: newPrice}}
	for _, o := range market.Outcomes {
		if o.ID != order.OutcomeID {
			updates = append(updates, store.OutcomePrice{OutcomeID: o.ID, Price: one.Sub(newPrice)})
		}
	}
	mut.OutcomePrices = updates
	return newPrice
}

// attachReset folds the bankruptcy reset into the trade mutation when the
// post-trade balance is at or below zero and the cooldown (if any prior
// reset exists) has passed. The credit, its audit entry, and the reset
// timestamp then commit atomically with the trade itself: a storage
// failure leaves neither an orphan event nor an uncredited balance.
func (s *Service) attachReset(mut *store.TradeMutation, user *model.User, now time.Time) bool {
	if mut.Balance.IsPositive() {
		return false
	}
	if user.LastBankruptcyReset != nil && now.Sub(*user.LastBankruptcyReset) <= s.cfg.ResetCooldown {
		return false
	}

	mut.ResetEvent = &model.BalanceEvent{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Kind:      model.EventBankruptcyReset,
		Amount:    s.cfg.ResetAmount,
		Timestamp: now,
	}
	mut.ResetAt = &now
	mut.Balance = mut.Balance.Add(s.cfg.ResetAmount)
	return true
}

// touchOutcomeCandle keeps the traded outcome's daily candle current:
// first trade of the day opens it, later trades extend close/high/low and
// accumulate volume from real traded quantity.
func (s *Service) touchOutcomeCandle(ctx context.Context, order TradeOrder, openPrice, closePrice decimal.Decimal, now time.Time) error {
	c, err := s.store.GetCandle(ctx, order.MarketID, order.OutcomeID, now)
	if errors.Is(err, store.ErrCandleNotFound) {
		candle := model.Candle{
			ID:        uuid.New().String(),
			MarketID:  order.MarketID,
			OutcomeID: order.OutcomeID,
			Open:      openPrice,
			High:      decimal.Max(openPrice, closePrice),
			Low:       decimal.Min(openPrice, closePrice),
			Close:     closePrice,
			Volume:    order.Quantity,
			Day:       model.Day(now),
		}
		return s.store.AppendCandle(ctx, &candle)
	}
	if err != nil {
		return err
	}

	c.Close = closePrice
	if closePrice.GreaterThan(c.High) {
		c.High = closePrice
	}
	if closePrice.LessThan(c.Low) {
		c.Low = closePrice
	}
	c.Volume += order.Quantity
	return s.store.UpdateCandle(ctx, c)
}

// CreateUser bootstraps a user with the starting credit and its
// STARTING_CREDIT audit entry.
func (s *Service) CreateUser(ctx context.Context, id string) (*model.User, error) {
	now := time.Now().UTC()
	user := &model.User{
		ID:        id,
		Balance:   s.cfg.StartingBalance,
		CreatedAt: now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	event := &model.BalanceEvent{
		ID:        uuid.New().String(),
		UserID:    id,
		Kind:      model.EventStartingCredit,
		Amount:    s.cfg.StartingBalance,
		Timestamp: now,
	}
	if err := s.store.AppendBalanceEvent(ctx, event); err != nil {
		return nil, err
	}
	return user, nil
}
