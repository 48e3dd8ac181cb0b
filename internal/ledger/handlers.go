package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. Stock markets
// take a pattern, listing price, and float supply; listing triggers the
// history backfill. Prediction markets open with two outcomes at 0.50.
type CreateMarketRequest struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`                   // STOCK or PREDICTION
	Pattern     model.Pattern   `json:"pattern,omitempty"`      // stocks
	ListPrice   decimal.Decimal `json:"list_price,omitempty"`   // stocks
	FloatSupply int64           `json:"float_supply,omitempty"` // stocks
}

// PositionView is one portfolio row with mark-to-market valuation.
type PositionView struct {
	model.Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates a user's cash and positions.
type Portfolio struct {
	UserID     string          `json:"user_id"`
	Balance    decimal.Decimal `json:"balance"`
	Positions  []PositionView  `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value"` // cash + positions
	TotalPnL   decimal.Decimal `json:"total_pnl"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Type != model.MarketStock && req.Type != model.MarketPrediction {
		writeError(w, "type must be STOCK or PREDICTION", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		Status:    model.StatusOpen,
		CreatedAt: time.Now().UTC(),
	}

	half := decimal.NewFromFloat(0.5)
	switch req.Type {
	case model.MarketStock:
		if req.ListPrice.LessThanOrEqual(decimal.Zero) {
			writeError(w, "list_price must be positive", http.StatusBadRequest)
			return
		}
		market.CurrentPrice = req.ListPrice.Round(2)
		market.FloatSupply = req.FloatSupply
		if market.FloatSupply <= 0 {
			market.FloatSupply = 1_000_000
		}
		if req.Pattern == "" {
			req.Pattern = model.PatternRandomWalk
		}
		if _, ok := map[model.Pattern]bool{
			model.PatternUptrend: true, model.PatternDowntrend: true,
			model.PatternVolatile: true, model.PatternStable: true,
			model.PatternCyclical: true, model.PatternRandomWalk: true,
		}[req.Pattern]; !ok {
			writeError(w, "unknown pattern", http.StatusBadRequest)
			return
		}

	case model.MarketPrediction:
		market.Outcomes = []model.Outcome{
			{ID: uuid.New().String(), MarketID: market.ID, Label: "YES", Price: half},
			{ID: uuid.New().String(), MarketID: market.ID, Label: "NO", Price: half},
		}
	}

	ctx := r.Context()
	if err := s.store.CreateMarket(ctx, market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	if req.Type == model.MarketStock && s.backfiller != nil {
		profile, err := s.backfiller.Run(ctx, market.ID, req.Pattern, req.ListPrice)
		if err != nil {
			slog.Error("backfill failed", "market", market.ID, "err", err)
			writeError(w, "failed to backfill history", http.StatusInternalServerError)
			return
		}
		market.CurrentPrice = profile.LastPrice
	}

	slog.Info("market created",
		"id", market.ID,
		"name", market.Name,
		"type", market.Type,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(market)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(market)
}

// GetCandles handles GET /api/v1/markets/{marketID}/candles?outcome=&limit=
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	outcomeID := r.URL.Query().Get("outcome")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	candles, err := s.store.ListCandles(r.Context(), marketID, outcomeID, limit)
	if err != nil {
		writeError(w, "failed to list candles", http.StatusInternalServerError)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(candles)
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var order TradeOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if order.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.Execute(r.Context(), order)
	if err != nil {
		writeError(w, err.Error(), statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	user, err := s.CreateUser(r.Context(), req.ID)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetBalanceEvents handles GET /api/v1/users/{userID}/events
func (s *Service) GetBalanceEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	events, err := s.store.ListBalanceEvents(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list balance events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.BalanceEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// GetTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	trades, err := s.store.ListTradesByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns cash plus positions marked to the current prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	views := make([]PositionView, 0, len(positions))
	totalValue := user.Balance
	totalPnL := decimal.Zero

	for _, p := range positions {
		market, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			continue
		}
		price, err := resolvePrice(market, p.OutcomeID)
		if err != nil {
			continue
		}

		qty := decimal.NewFromInt(p.Quantity)
		value := price.Mul(qty).Round(2)
		pnl := value.Sub(p.AvgCost.Mul(qty)).Round(2)

		views = append(views, PositionView{
			Position:      p,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: pnl,
		})
		totalValue = totalValue.Add(value)
		totalPnL = totalPnL.Add(pnl)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Portfolio{
		UserID:     userID,
		Balance:    user.Balance,
		Positions:  views,
		TotalValue: totalValue,
		TotalPnL:   totalPnL,
	})
}

// statusForError maps trade rejection sentinels to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, ErrMarketUnavailable), errors.Is(err, ErrOutcomeNotFound), errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientHoldings):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
