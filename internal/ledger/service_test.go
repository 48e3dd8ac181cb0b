package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubmarket/engine/internal/ledger"
	"github.com/clubmarket/engine/internal/model"
	"github.com/clubmarket/engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestLedger creates a Service over an in-memory store with the
// reference config (1000 starting credit, 100 reset, 24h cooldown).
func newTestLedger(t *testing.T) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, nil, ledger.DefaultConfig(), nil)
	return svc, ms
}

func seedStock(t *testing.T, ms *store.MemoryStore, id string, price float64) *model.Market {
	t.Helper()
	market := &model.Market{
		ID:           id,
		Name:         "Robotics Club",
		Type:         model.MarketStock,
		Status:       model.StatusOpen,
		CurrentPrice: d(price),
		FloatSupply:  1_000_000,
		CreatedAt:    time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed stock: %v", err)
	}
	return market
}

func seedPrediction(t *testing.T, ms *store.MemoryStore, id string) *model.Market {
	t.Helper()
	market := &model.Market{
		ID:     id,
		Name:   "Will the debate team win state?",
		Type:   model.MarketPrediction,
		Status: model.StatusOpen,
		Outcomes: []model.Outcome{
			{ID: id + "-yes", MarketID: id, Label: "YES", Price: d(0.5)},
			{ID: id + "-no", MarketID: id, Label: "NO", Price: d(0.5)},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed prediction: %v", err)
	}
	return market
}

func newUser(t *testing.T, svc *ledger.Service, id string) *model.User {
	t.Helper()
	u, err := svc.CreateUser(context.Background(), id)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// sumEvents returns the signed total of a user's balance events.
func sumEvents(t *testing.T, ms *store.MemoryStore, userID string) decimal.Decimal {
	t.Helper()
	events, err := ms.ListBalanceEvents(context.Background(), userID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	total := decimal.Zero
	for _, e := range events {
		total = total.Add(e.Amount)
	}
	return total
}

// checkConservation asserts balance == signed sum of balance events.
func checkConservation(t *testing.T, ms *store.MemoryStore, userID string) {
	t.Helper()
	u, err := ms.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if total := sumEvents(t, ms, userID); !u.Balance.Equal(total) {
		t.Fatalf("balance %s != event sum %s", u.Balance, total)
	}
}

// --- The reference buy scenario ---

func TestExecute_BuyStock(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 40)
	newUser(t, svc, "alice")

	res, err := svc.Execute(context.Background(), ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	if !res.Balance.Equal(d(600)) {
		t.Errorf("expected balance 600, got %s", res.Balance)
	}
	if res.Position.Quantity != 10 || !res.Position.AvgCost.Equal(d(40)) {
		t.Errorf("expected position {10, 40}, got {%d, %s}", res.Position.Quantity, res.Position.AvgCost)
	}
	if !res.NewPrice.Equal(d(40.40)) {
		t.Errorf("expected price impact to 40.40, got %s", res.NewPrice)
	}

	market, _ := ms.GetMarket(context.Background(), "m1")
	if !market.CurrentPrice.Equal(d(40.40)) {
		t.Errorf("stored price %s != 40.40", market.CurrentPrice)
	}

	trades, _ := ms.ListTradesByUser(context.Background(), "alice")
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade record, got %d", len(trades))
	}
	if !trades[0].Total.Equal(d(400)) {
		t.Errorf("trade total %s != 400", trades[0].Total)
	}

	events, _ := ms.ListBalanceEvents(context.Background(), "alice")
	if len(events) != 2 { // starting credit + trade
		t.Fatalf("expected 2 balance events, got %d", len(events))
	}
	if !events[1].Amount.Equal(d(-400)) {
		t.Errorf("trade event amount %s != -400", events[1].Amount)
	}

	checkConservation(t, ms, "alice")
}

// --- Weighted-average cost ---

func TestExecute_AverageCostWeighted(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 40)
	newUser(t, svc, "alice")
	ctx := context.Background()

	order := ledger.TradeOrder{UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 10}
	if _, err := svc.Execute(ctx, order); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	// Price moved to 40.40; second buy averages in at the new price.
	res, err := svc.Execute(ctx, order)
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}

	// (10·40 + 10·40.40) / 20 = 40.20
	if !res.Position.AvgCost.Equal(d(40.20)) {
		t.Errorf("expected avg cost 40.20, got %s", res.Position.AvgCost)
	}
	if res.Position.Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", res.Position.Quantity)
	}
}

func TestExecute_SellKeepsAverageCost(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 40)
	newUser(t, svc, "alice")
	ctx := context.Background()

	if _, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 10,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	res, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideSell, Quantity: 4,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if res.Position.Quantity != 6 {
		t.Errorf("expected quantity 6, got %d", res.Position.Quantity)
	}
	if !res.Position.AvgCost.Equal(d(40)) {
		t.Errorf("sell must not change avg cost: got %s", res.Position.AvgCost)
	}
	checkConservation(t, ms, "alice")
}

// --- Rejections ---

func TestExecute_InsufficientFunds(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 500)
	newUser(t, svc, "alice")

	_, err := svc.Execute(context.Background(), ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 3, // 1500 > 1000
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// No partial state: balance, price, trades all untouched.
	u, _ := ms.GetUser(context.Background(), "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance changed on rejection: %s", u.Balance)
	}
	market, _ := ms.GetMarket(context.Background(), "m1")
	if !market.CurrentPrice.Equal(d(500)) {
		t.Errorf("price changed on rejection: %s", market.CurrentPrice)
	}
	trades, _ := ms.ListTradesByUser(context.Background(), "alice")
	if len(trades) != 0 {
		t.Errorf("trade recorded on rejection: %d", len(trades))
	}
}

func TestExecute_NoShortSelling(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 40)
	newUser(t, svc, "alice")
	ctx := context.Background()

	if _, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 3,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideSell, Quantity: 5,
	})
	if !errors.Is(err, ledger.ErrInsufficientHoldings) {
		t.Fatalf("expected ErrInsufficientHoldings, got %v", err)
	}

	pos, _ := ms.GetPosition(ctx, "alice", "m1", "")
	if pos.Quantity != 3 {
		t.Errorf("position changed on rejection: %d", pos.Quantity)
	}
	checkConservation(t, ms, "alice")
}

func TestExecute_InvalidOrders(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 40)
	newUser(t, svc, "alice")
	ctx := context.Background()

	tests := []struct {
		name  string
		order ledger.TradeOrder
		want  error
	}{
		{"zero quantity", ledger.TradeOrder{UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 0}, ledger.ErrInvalidQuantity},
		{"negative quantity", ledger.TradeOrder{UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: -5}, ledger.ErrInvalidQuantity},
		{"oversized quantity", ledger.TradeOrder{UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 2_000_000}, ledger.ErrInvalidQuantity},
		{"bad side", ledger.TradeOrder{UserID: "alice", MarketID: "m1", Side: "HOLD", Quantity: 1}, ledger.ErrInvalidSide},
		{"missing market", ledger.TradeOrder{UserID: "alice", MarketID: "nope", Side: model.SideBuy, Quantity: 1}, ledger.ErrMarketUnavailable},
		{"unknown user", ledger.TradeOrder{UserID: "nobody", MarketID: "m1", Side: model.SideBuy, Quantity: 1}, ledger.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Execute(ctx, tt.order); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExecute_ClosedMarketRejected(t *testing.T) {
	svc, ms := newTestLedger(t)
	market := &model.Market{
		ID: "m1", Name: "Delisted", Type: model.MarketStock,
		Status: model.StatusClosed, CurrentPrice: d(40),
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatal(err)
	}
	newUser(t, svc, "alice")

	_, err := svc.Execute(context.Background(), ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, ledger.ErrMarketUnavailable) {
		t.Fatalf("expected ErrMarketUnavailable for closed market, got %v", err)
	}
}

// --- Prediction markets ---

func TestExecute_PredictionComplementarity(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedPrediction(t, ms, "p1")
	newUser(t, svc, "alice")
	ctx := context.Background()

	one := decimal.NewFromInt(1)

	// Hammer YES: prices must stay complementary and clamp at 0.99/0.01.
	for i := 0; i < 30; i++ {
		_, err := svc.Execute(ctx, ledger.TradeOrder{
			UserID: "alice", MarketID: "p1", OutcomeID: "p1-yes",
			Side: model.SideBuy, Quantity: 1,
		})
		if err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}

		market, _ := ms.GetMarket(ctx, "p1")
		var yes, no decimal.Decimal
		for _, o := range market.Outcomes {
			if o.Label == "YES" {
				yes = o.Price
			} else {
				no = o.Price
			}
		}
		if !yes.Add(no).Equal(one) {
			t.Fatalf("buy %d: prices %s + %s != 1", i, yes, no)
		}
		if yes.GreaterThan(d(0.99)) || yes.LessThan(d(0.01)) {
			t.Fatalf("buy %d: yes price %s outside [0.01, 0.99]", i, yes)
		}
	}

	market, _ := ms.GetMarket(ctx, "p1")
	for _, o := range market.Outcomes {
		if o.Label == "YES" && !o.Price.Equal(d(0.99)) {
			t.Errorf("expected YES clamped at 0.99, got %s", o.Price)
		}
	}
	checkConservation(t, ms, "alice")
}

func TestExecute_PredictionSellMovesDown(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedPrediction(t, ms, "p1")
	newUser(t, svc, "alice")
	ctx := context.Background()

	if _, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "p1", OutcomeID: "p1-yes", Side: model.SideBuy, Quantity: 4,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	res, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "p1", OutcomeID: "p1-yes", Side: model.SideSell, Quantity: 4,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !res.NewPrice.Equal(d(0.5)) {
		t.Errorf("buy then sell should return to 0.50, got %s", res.NewPrice)
	}
}

func TestExecute_OutcomeNotFound(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedPrediction(t, ms, "p1")
	newUser(t, svc, "alice")

	_, err := svc.Execute(context.Background(), ledger.TradeOrder{
		UserID: "alice", MarketID: "p1", OutcomeID: "p2-yes", Side: model.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, ledger.ErrOutcomeNotFound) {
		t.Fatalf("expected ErrOutcomeNotFound, got %v", err)
	}
}

// --- Bankruptcy reset ---

func TestExecute_BankruptcyReset(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 100)
	seedStock(t, ms, "m2", 100)
	newUser(t, svc, "alice")
	ctx := context.Background()

	// Exhaust the full balance: 10 · 100 = 1000 → balance 0 → reset.
	res, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("trade failed: %v", err)
	}
	if !res.Reset {
		t.Fatal("expected bankruptcy reset on zero balance")
	}
	if !res.Balance.Equal(d(100)) {
		t.Errorf("expected balance 100 after reset, got %s", res.Balance)
	}

	events, _ := ms.ListBalanceEvents(ctx, "alice")
	var resetEvents int
	for _, e := range events {
		if e.Kind == model.EventBankruptcyReset {
			resetEvents++
			if !e.Amount.Equal(d(100)) {
				t.Errorf("reset event amount %s != 100", e.Amount)
			}
		}
	}
	if resetEvents != 1 {
		t.Fatalf("expected 1 reset event, got %d", resetEvents)
	}
	checkConservation(t, ms, "alice")

	// A second zero-balance trade inside the cooldown gets no reset.
	res, err = svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m2", Side: model.SideBuy, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("second trade failed: %v", err)
	}
	if res.Reset {
		t.Error("reset fired twice within the cooldown")
	}
	if !res.Balance.Equal(d(0)) {
		t.Errorf("expected balance 0, got %s", res.Balance)
	}
	checkConservation(t, ms, "alice")
}

func TestExecute_RejectedTradeTriggersNoReset(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 100)
	seedStock(t, ms, "m2", 100)
	newUser(t, svc, "alice")
	ctx := context.Background()

	// Down to exactly 0, reset brings it to 100, m1 price is now 101.
	if _, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 10,
	}); err != nil {
		t.Fatalf("trade failed: %v", err)
	}

	// 101 > 100: rejected, and the rejection must not mint another reset.
	_, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 1,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	u, _ := ms.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(100)) {
		t.Errorf("balance changed on rejection: %s", u.Balance)
	}
	events, _ := ms.ListBalanceEvents(ctx, "alice")
	var resets int
	for _, e := range events {
		if e.Kind == model.EventBankruptcyReset {
			resets++
		}
	}
	if resets != 1 {
		t.Errorf("expected exactly 1 reset event, got %d", resets)
	}
	checkConservation(t, ms, "alice")
}

// unstableStore fails the atomic apply whenever the mutation carries a
// bankruptcy reset, simulating a storage outage at the worst moment.
type unstableStore struct {
	store.Store
	failResets bool
}

func (f *unstableStore) ApplyTrade(ctx context.Context, mut *store.TradeMutation) error {
	if f.failResets && mut.ResetEvent != nil {
		return errors.New("storage offline")
	}
	return f.Store.ApplyTrade(ctx, mut)
}

func TestExecute_ResetCommitsAtomicallyWithTrade(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &unstableStore{Store: ms, failResets: true}
	svc := ledger.NewService(fs, nil, ledger.DefaultConfig(), nil)
	seedStock(t, ms, "m1", 100)
	newUser(t, svc, "alice")
	ctx := context.Background()

	// The balance-exhausting trade carries the reset; the write fails as a
	// whole, so neither the trade nor the reset event may land.
	order := ledger.TradeOrder{UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 10}
	if _, err := svc.Execute(ctx, order); err == nil {
		t.Fatal("expected storage failure to surface")
	}

	u, _ := ms.GetUser(ctx, "alice")
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("balance changed on failed apply: %s", u.Balance)
	}
	if u.LastBankruptcyReset != nil {
		t.Error("reset timestamp set despite failed apply")
	}
	events, _ := ms.ListBalanceEvents(ctx, "alice")
	if len(events) != 1 { // starting credit only
		t.Fatalf("expected 1 event after failed apply, got %d", len(events))
	}
	trades, _ := ms.ListTradesByUser(ctx, "alice")
	if len(trades) != 0 {
		t.Errorf("trade recorded despite failed apply: %d", len(trades))
	}
	checkConservation(t, ms, "alice")

	// Storage recovers: the retried trade commits credit, event, and
	// timestamp together.
	fs.failResets = false
	res, err := svc.Execute(ctx, order)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !res.Reset || !res.Balance.Equal(d(100)) {
		t.Fatalf("expected reset to 100 on retry, got reset=%v balance=%s", res.Reset, res.Balance)
	}
	u, _ = ms.GetUser(ctx, "alice")
	if u.LastBankruptcyReset == nil {
		t.Error("reset timestamp missing after successful apply")
	}
	checkConservation(t, ms, "alice")
}

func TestExecute_StockIgnoresStrayOutcomeID(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 40)
	newUser(t, svc, "alice")
	ctx := context.Background()

	// A stock buy with a bogus outcome id must land on the plain position.
	res, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", OutcomeID: "bogus",
		Side: model.SideBuy, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Trade.OutcomeID != "" {
		t.Errorf("trade recorded outcome id %q for a stock", res.Trade.OutcomeID)
	}

	if _, err := ms.GetPosition(ctx, "alice", "m1", "bogus"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("position forked under stray outcome id: %v", err)
	}

	// A normal sell with no outcome id reaches the holding.
	if _, err := svc.Execute(ctx, ledger.TradeOrder{
		UserID: "alice", MarketID: "m1", Side: model.SideSell, Quantity: 5,
	}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	pos, err := ms.GetPosition(ctx, "alice", "m1", "")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Quantity != 0 {
		t.Errorf("expected quantity 0 after round trip, got %d", pos.Quantity)
	}
}

// --- Conservation under concurrency ---

func TestExecute_ConcurrentTradesConserveBalance(t *testing.T) {
	svc, ms := newTestLedger(t)
	seedStock(t, ms, "m1", 10)
	newUser(t, svc, "alice")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Execute(ctx, ledger.TradeOrder{
				UserID: "alice", MarketID: "m1", Side: model.SideBuy, Quantity: 1,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	checkConservation(t, ms, "alice")

	pos, err := ms.GetPosition(ctx, "alice", "m1", "")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Quantity != int64(succeeded) {
		t.Errorf("position %d != successful trades %d", pos.Quantity, succeeded)
	}
	trades, _ := ms.ListTradesByUser(ctx, "alice")
	if len(trades) != succeeded {
		t.Errorf("trade records %d != successful trades %d", len(trades), succeeded)
	}
}
