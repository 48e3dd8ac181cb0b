package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, name, type, status, current_price, float_supply, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		m.ID, m.Name, m.Type, m.Status, m.CurrentPrice.String(), m.FloatSupply, m.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, o := range m.Outcomes {
		_, err = tx.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, label, price)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			o.ID, o.MarketID, o.Label, o.Price.String(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	var price string

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, type, status, current_price::TEXT, float_supply, created_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Type, &m.Status, &price, &m.FloatSupply, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get market %s: %w", id, ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	m.CurrentPrice, _ = decimal.NewFromString(price)

	outcomes, err := s.loadOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Outcomes = outcomes
	return &m, nil
}

func (s *PostgresStore) loadOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, label, price::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY label DESC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []model.Outcome
	for rows.Next() {
		var o model.Outcome
		var price string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &price); err != nil {
			return nil, err
		}
		o.Price, _ = decimal.NewFromString(price)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, type, status, current_price::TEXT, float_supply, created_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var price string
		if err := rows.Scan(&m.ID, &m.Name, &m.Type, &m.Status, &price, &m.FloatSupply, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CurrentPrice, _ = decimal.NewFromString(price)
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range markets {
		if markets[i].Type != model.MarketPrediction {
			continue
		}
		outcomes, err := s.loadOutcomes(ctx, markets[i].ID)
		if err != nil {
			return nil, err
		}
		markets[i].Outcomes = outcomes
	}
	return markets, nil
}

func (s *PostgresStore) UpdateMarketPrice(ctx context.Context, marketID string, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET current_price = $2::NUMERIC WHERE id = $1`,
		marketID, price.String(),
	)
	return err
}

func (s *PostgresStore) UpdateOutcomePrices(ctx context.Context, marketID string, prices []OutcomePrice) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateOutcomePricesTx(ctx, tx, marketID, prices); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateOutcomePricesTx(ctx context.Context, tx pgx.Tx, marketID string, prices []OutcomePrice) error {
	for _, p := range prices {
		_, err := tx.Exec(ctx,
			`UPDATE outcomes SET price = $3::NUMERIC WHERE id = $1 AND market_id = $2`,
			p.OutcomeID, marketID, p.Price.String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Simulation state ---

func (s *PostgresStore) SaveStockProfile(ctx context.Context, p *model.StockProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stock_profiles
		   (market_id, pattern, base_volatility, drift, mean_reversion_speed,
		    long_run_mean, jump_frequency, jump_magnitude,
		    last_price, last_volatility, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11)
		 ON CONFLICT (market_id) DO UPDATE SET
		   last_price = EXCLUDED.last_price,
		   last_volatility = EXCLUDED.last_volatility,
		   updated_at = EXCLUDED.updated_at`,
		p.MarketID, string(p.Pattern), p.BaseVolatility, p.Drift, p.MeanReversionSpeed,
		p.LongRunMean, p.JumpFrequency, p.JumpMagnitude,
		p.LastPrice.String(), p.LastVolatility, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetStockProfile(ctx context.Context, marketID string) (*model.StockProfile, error) {
	var p model.StockProfile
	var pattern, lastPrice string

	err := s.pool.QueryRow(ctx,
		`SELECT market_id, pattern, base_volatility, drift, mean_reversion_speed,
		        long_run_mean, jump_frequency, jump_magnitude,
		        last_price::TEXT, last_volatility, updated_at
		 FROM stock_profiles WHERE market_id = $1`, marketID).
		Scan(&p.MarketID, &pattern, &p.BaseVolatility, &p.Drift, &p.MeanReversionSpeed,
			&p.LongRunMean, &p.JumpFrequency, &p.JumpMagnitude,
			&lastPrice, &p.LastVolatility, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get profile %s: %w", marketID, ErrProfileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", marketID, err)
	}
	p.Pattern = model.Pattern(pattern)
	p.LastPrice, _ = decimal.NewFromString(lastPrice)
	return &p, nil
}

func (s *PostgresStore) ListStockProfiles(ctx context.Context) ([]model.StockProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, pattern, base_volatility, drift, mean_reversion_speed,
		        long_run_mean, jump_frequency, jump_magnitude,
		        last_price::TEXT, last_volatility, updated_at
		 FROM stock_profiles ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []model.StockProfile
	for rows.Next() {
		var p model.StockProfile
		var pattern, lastPrice string
		if err := rows.Scan(&p.MarketID, &pattern, &p.BaseVolatility, &p.Drift, &p.MeanReversionSpeed,
			&p.LongRunMean, &p.JumpFrequency, &p.JumpMagnitude,
			&lastPrice, &p.LastVolatility, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Pattern = model.Pattern(pattern)
		p.LastPrice, _ = decimal.NewFromString(lastPrice)
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// --- Candles ---

func (s *PostgresStore) GetCandle(ctx context.Context, marketID, outcomeID string, day time.Time) (*model.Candle, error) {
	c, err := scanCandle(s.pool.QueryRow(ctx,
		`SELECT id, market_id, outcome_id, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume, day
		 FROM candles WHERE market_id = $1 AND outcome_id = $2 AND day = $3`,
		marketID, outcomeID, model.Day(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get candle %s/%s: %w", marketID, outcomeID, ErrCandleNotFound)
	}
	return c, err
}

func scanCandle(row pgx.Row) (*model.Candle, error) {
	var c model.Candle
	var open, high, low, close string

	if err := row.Scan(&c.ID, &c.MarketID, &c.OutcomeID,
		&open, &high, &low, &close, &c.Volume, &c.Day); err != nil {
		return nil, err
	}
	c.Open, _ = decimal.NewFromString(open)
	c.High, _ = decimal.NewFromString(high)
	c.Low, _ = decimal.NewFromString(low)
	c.Close, _ = decimal.NewFromString(close)
	return &c, nil
}

func (s *PostgresStore) AppendCandle(ctx context.Context, c *model.Candle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO candles (id, market_id, outcome_id, open, high, low, close, volume, day)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		c.ID, c.MarketID, c.OutcomeID,
		c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
		c.Volume, c.Day,
	)
	return err
}

// AppendCandles batches the backfill insert into one round trip.
func (s *PostgresStore) AppendCandles(ctx context.Context, candles []model.Candle) error {
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(
			`INSERT INTO candles (id, market_id, outcome_id, open, high, low, close, volume, day)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			c.ID, c.MarketID, c.OutcomeID,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
			c.Volume, c.Day,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) UpdateCandle(ctx context.Context, c *model.Candle) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE candles
		 SET high = $2::NUMERIC, low = $3::NUMERIC, close = $4::NUMERIC, volume = $5
		 WHERE id = $1`,
		c.ID, c.High.String(), c.Low.String(), c.Close.String(), c.Volume,
	)
	return err
}

func (s *PostgresStore) ListCandles(ctx context.Context, marketID, outcomeID string, limit int) ([]model.Candle, error) {
	query := `SELECT id, market_id, outcome_id, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume, day
		 FROM candles WHERE market_id = $1 AND outcome_id = $2 ORDER BY day`
	args := []any{marketID, outcomeID}
	if limit > 0 {
		// Keep the most recent rows but return them oldest first.
		query = `SELECT * FROM (
			SELECT id, market_id, outcome_id, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume, day
			FROM candles WHERE market_id = $1 AND outcome_id = $2 ORDER BY day DESC LIMIT $3
		) sub ORDER BY day`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, *c)
	}
	return candles, rows.Err()
}

func (s *PostgresStore) HasCandles(ctx context.Context, marketID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM candles WHERE market_id = $1)`, marketID).
		Scan(&exists)
	return exists, err
}

// --- Users and positions ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, last_bankruptcy_reset, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)`,
		u.ID, u.Balance.String(), u.LastBankruptcyReset, u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, last_bankruptcy_reset, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &balance, &u.LastBankruptcyReset, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get user %s: %w", id, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, balance decimal.Decimal, lastReset *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC, last_bankruptcy_reset = $3 WHERE id = $1`,
		id, balance.String(), lastReset,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID, outcomeID string) (*model.Position, error) {
	var p model.Position
	var avgCost string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, outcome_id, quantity, avg_cost::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`,
		userID, marketID, outcomeID).
		Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &p.Quantity, &avgCost, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, ErrPositionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	p.AvgCost, _ = decimal.NewFromString(avgCost)
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx, upsertPositionSQL,
		p.UserID, p.MarketID, p.OutcomeID, p.Quantity, p.AvgCost.String(), p.UpdatedAt,
	)
	return err
}

const upsertPositionSQL = `INSERT INTO positions (user_id, market_id, outcome_id, quantity, avg_cost, updated_at)
	 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
	 ON CONFLICT (user_id, market_id, outcome_id) DO UPDATE SET
	   quantity = EXCLUDED.quantity,
	   avg_cost = EXCLUDED.avg_cost,
	   updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, outcome_id, quantity, avg_cost::TEXT, updated_at
		 FROM positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avgCost string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &p.Quantity, &avgCost, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgCost, _ = decimal.NewFromString(avgCost)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Ledger ---

// ApplyTrade runs the whole trade mutation in one transaction so a
// rejected write never leaves a partial trade behind.
func (s *PostgresStore) ApplyTrade(ctx context.Context, mut *TradeMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	t := mut.Trade
	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome_id, side, quantity, price, total, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.MarketID, t.OutcomeID, t.Side, t.Quantity,
		t.Price.String(), t.Total.String(), t.Timestamp,
	)
	if err != nil {
		return err
	}

	e := mut.BalanceEvent
	_, err = tx.Exec(ctx,
		`INSERT INTO balance_events (id, user_id, kind, amount, market_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, e.UserID, e.Kind, e.Amount.String(), e.MarketID, e.Timestamp,
	)
	if err != nil {
		return err
	}

	if re := mut.ResetEvent; re != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO balance_events (id, user_id, kind, amount, market_id, timestamp)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
			re.ID, re.UserID, re.Kind, re.Amount.String(), re.MarketID, re.Timestamp,
		)
		if err != nil {
			return err
		}
	}

	p := mut.Position
	_, err = tx.Exec(ctx, upsertPositionSQL,
		p.UserID, p.MarketID, p.OutcomeID, p.Quantity, p.AvgCost.String(), p.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if mut.ResetAt != nil {
		_, err = tx.Exec(ctx,
			`UPDATE users SET balance = $2::NUMERIC, last_bankruptcy_reset = $3 WHERE id = $1`,
			mut.UserID, mut.Balance.String(), mut.ResetAt,
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
			mut.UserID, mut.Balance.String(),
		)
	}
	if err != nil {
		return err
	}

	if mut.StockPrice != nil {
		_, err = tx.Exec(ctx,
			`UPDATE markets SET current_price = $2::NUMERIC WHERE id = $1`,
			t.MarketID, mut.StockPrice.String(),
		)
		if err != nil {
			return err
		}
	}
	if len(mut.OutcomePrices) > 0 {
		if err := updateOutcomePricesTx(ctx, tx, t.MarketID, mut.OutcomePrices); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendBalanceEvent(ctx context.Context, e *model.BalanceEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance_events (id, user_id, kind, amount, market_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, e.UserID, e.Kind, e.Amount.String(), e.MarketID, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome_id, side, quantity, price::TEXT, total::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, outcome_id, side, quantity, price::TEXT, total::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.OutcomeID, &t.Side,
			&t.Quantity, &price, &total, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.Total, _ = decimal.NewFromString(total)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListBalanceEvents(ctx context.Context, userID string) ([]model.BalanceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, market_id, timestamp
		 FROM balance_events WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.BalanceEvent
	for rows.Next() {
		var e model.BalanceEvent
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &amount, &e.MarketID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		events = append(events, e)
	}
	return events, rows.Err()
}
