package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spreadpilot/internal/alert"
	"spreadpilot/internal/broker"
	"spreadpilot/internal/config"
	"spreadpilot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockClient is a mock implementation of the broker.Client interface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Heartbeat(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) WhatIf(ctx context.Context, order broker.SpreadOrder) (*broker.MarginImpact, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.MarginImpact), args.Error(1)
}

func (m *MockClient) SnapshotQuote(ctx context.Context, ticker string, strike decimal.Decimal) (*broker.Quote, error) {
	args := m.Called(ctx, ticker, strike)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.Quote), args.Error(1)
}

func (m *MockClient) PlaceOrder(ctx context.Context, order broker.SpreadOrder) (*broker.OrderStatus, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderStatus), args.Error(1)
}

func (m *MockClient) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderStatus), args.Error(1)
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockClient) Positions(ctx context.Context, ticker string) ([]broker.PositionEntry, error) {
	args := m.Called(ctx, ticker)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.PositionEntry), args.Error(1)
}

func (m *MockClient) Exercise(ctx context.Context, ticker string, strike decimal.Decimal, quantity int) error {
	args := m.Called(ctx, ticker, strike, quantity)
	return args.Error(0)
}

type captureSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (s *captureSink) Publish(_ context.Context, ev alert.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func testExecConfig() *config.Execution {
	return &config.Execution{
		MinPremiumThreshold: 0.70,
		MaxLadderAttempts:   10,
		AttemptTimeout:      40 * time.Millisecond,
		PriceIncrement:      0.01,
		FillPollInterval:    5 * time.Millisecond,
		ReladderPartial:     false,
	}
}

// setupEngine creates an engine with an in-memory database and a mock
// broker, plus a persisted follower and Long-strategy signal.
func setupEngine(t *testing.T) (*Engine, *gorm.DB, *MockClient, *captureSink, models.Follower, models.TradingSignal) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Follower{},
		&models.TradingSignal{},
		&models.OrderExecutionAttempt{},
		&models.LadderStep{},
		&models.Position{},
	))

	follower := models.Follower{Name: "alice", Enabled: true, CredentialRef: "vault:alice", State: models.FollowerActive}
	require.NoError(t, db.Create(&follower).Error)

	signal := models.TradingSignal{
		Date:           "2026-08-28",
		Ticker:         "SPX",
		Strategy:       models.StrategyLong,
		QuantityPerLeg: 1,
		StrikeLong:     decimal.NewFromInt(380),
		StrikeShort:    decimal.NewFromInt(385),
	}
	require.NoError(t, db.Create(&signal).Error)

	sink := &captureSink{}
	client := new(MockClient)
	engine := NewEngine(zap.NewNop(), testExecConfig(), db, sink)

	return engine, db, client, sink, follower, signal
}

func quote(strike int64, mid float64) *broker.Quote {
	m := decimal.NewFromFloat(mid)
	spread := decimal.NewFromFloat(0.05)
	return &broker.Quote{
		Ticker: "SPX",
		Strike: decimal.NewFromInt(strike),
		Bid:    m.Sub(spread),
		Ask:    m.Add(spread),
		Last:   m,
	}
}

func okMargin() *broker.MarginImpact {
	return &broker.MarginImpact{InitialMarginChange: 500, AvailableFunds: 10000}
}

func limitPriceIs(want float64) any {
	return mock.MatchedBy(func(o broker.SpreadOrder) bool {
		return o.LimitPrice.Equal(decimal.NewFromFloat(want))
	})
}

func TestExecute_RejectsPriceBelowThreshold(t *testing.T) {
	engine, db, client, sink, follower, signal := setupEngine(t)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	// mid = 3.00 - 2.35 = 0.65 < 0.70
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.35), nil)

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejectedPrice, attempt.FinalOutcome)
	client.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)

	var persisted models.OrderExecutionAttempt
	require.NoError(t, db.First(&persisted, attempt.ID).Error)
	assert.Equal(t, models.OutcomeRejectedPrice, persisted.FinalOutcome)
	require.Len(t, sink.events, 1)
	assert.Equal(t, alert.EventOrderRejected, sink.events[0].Type)
}

func TestExecute_RejectsInsufficientMargin(t *testing.T) {
	engine, _, client, sink, follower, signal := setupEngine(t)

	client.On("WhatIf", mock.Anything, mock.Anything).
		Return(&broker.MarginImpact{InitialMarginChange: 1500, AvailableFunds: 1000}, nil)

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejectedMargin, attempt.FinalOutcome)
	assert.Equal(t, 1500.0, attempt.MarginRequired)
	assert.Equal(t, 1000.0, attempt.MarginFree)

	// Margin gate comes first: no market data, no orders.
	client.AssertNotCalled(t, "SnapshotQuote", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
	require.Len(t, sink.events, 1)
	assert.Equal(t, models.OutcomeRejectedMargin, sink.events[0].Fields["outcome"])
}

func TestExecute_LadderFillsOnSecondAttempt(t *testing.T) {
	engine, db, client, _, follower, signal := setupEngine(t)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	// mid = 3.00 - 2.25 = 0.75
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.25), nil)

	// Attempt 1 at 0.75 never fills.
	client.On("PlaceOrder", mock.Anything, limitPriceIs(0.75)).
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil).Once()
	client.On("GetOrderStatus", mock.Anything, "o-1").
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil)
	client.On("CancelOrder", mock.Anything, "o-1").Return(nil).Once()

	// Attempt 2 at 0.76 fills fully.
	client.On("PlaceOrder", mock.Anything, limitPriceIs(0.76)).
		Return(&broker.OrderStatus{OrderID: "o-2", Status: broker.OrderSubmitted}, nil).Once()
	client.On("GetOrderStatus", mock.Anything, "o-2").
		Return(&broker.OrderStatus{OrderID: "o-2", Status: broker.OrderFilled, FilledQty: 1, AvgFillPrice: decimal.NewFromFloat(0.76)}, nil)

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFilled, attempt.FinalOutcome)
	assert.Equal(t, 1, attempt.FilledQuantity)
	assert.True(t, attempt.FillPrice.Equal(decimal.NewFromFloat(0.76)))

	var steps []models.LadderStep
	require.NoError(t, db.Where("attempt_id = ?", attempt.ID).Order("number").Find(&steps).Error)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepTimeout, steps[0].Outcome)
	assert.Equal(t, models.StepFilled, steps[1].Outcome)
	assert.Equal(t, "0.75", steps[0].LimitPrice.StringFixed(2))
	assert.Equal(t, "0.76", steps[1].LimitPrice.StringFixed(2))

	// The fill lands in the day's position.
	var pos models.Position
	require.NoError(t, db.Where("follower_id = ? AND date = ? AND ticker = ?", follower.ID, signal.Date, signal.Ticker).First(&pos).Error)
	assert.Equal(t, 1, pos.ShortQty)
	assert.Equal(t, 1, pos.LongQty)
}

func TestExecute_FillsKeepPerTickerPositions(t *testing.T) {
	engine, db, client, _, follower, signal := setupEngine(t)

	second := models.TradingSignal{
		Date:           signal.Date,
		Ticker:         "NDX",
		Strategy:       models.StrategyLong,
		QuantityPerLeg: 1,
		StrikeLong:     decimal.NewFromInt(380),
		StrikeShort:    decimal.NewFromInt(385),
	}
	require.NoError(t, db.Create(&second).Error)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	client.On("SnapshotQuote", mock.Anything, mock.Anything, signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, mock.Anything, signal.StrikeLong).Return(quote(380, 2.25), nil)
	client.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil)
	client.On("GetOrderStatus", mock.Anything, "o-1").
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderFilled, FilledQty: 1, AvgFillPrice: decimal.NewFromFloat(0.75)}, nil)

	first, err := engine.Execute(context.Background(), follower, client, signal)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeFilled, first.FinalOutcome)

	other, err := engine.Execute(context.Background(), follower, client, second)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeFilled, other.FinalOutcome)

	// One row per ticker; quantities never pool across tickers.
	var positions []models.Position
	require.NoError(t, db.Where("follower_id = ? AND date = ?", follower.ID, signal.Date).Order("ticker").Find(&positions).Error)
	require.Len(t, positions, 2)
	assert.Equal(t, "NDX", positions[0].Ticker)
	assert.Equal(t, 1, positions[0].ShortQty)
	assert.Equal(t, 1, positions[0].LongQty)
	assert.Equal(t, "SPX", positions[1].Ticker)
	assert.Equal(t, 1, positions[1].ShortQty)
	assert.Equal(t, 1, positions[1].LongQty)
}

func TestExecute_ShortLadderStopsAtThresholdBreach(t *testing.T) {
	engine, db, client, _, follower, signal := setupEngine(t)
	signal.Strategy = models.StrategyShort
	require.NoError(t, db.Save(&signal).Error)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	// mid = 3.00 - 2.30 = 0.70, negated to -0.70 for the Short strategy.
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.30), nil)

	// One placement at -0.70; the next step (-0.69) breaches the
	// threshold, so nothing further is placed.
	client.On("PlaceOrder", mock.Anything, limitPriceIs(-0.70)).
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil).Once()
	client.On("GetOrderStatus", mock.Anything, "o-1").
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil)
	client.On("CancelOrder", mock.Anything, "o-1").Return(nil).Once()

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejectedExhausted, attempt.FinalOutcome)
	client.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_LadderExhaustsMaxAttempts(t *testing.T) {
	engine, db, client, _, follower, signal := setupEngine(t)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.25), nil)

	client.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(&broker.OrderStatus{OrderID: "o-x", Status: broker.OrderSubmitted}, nil)
	client.On("GetOrderStatus", mock.Anything, "o-x").
		Return(&broker.OrderStatus{OrderID: "o-x", Status: broker.OrderSubmitted}, nil)
	client.On("CancelOrder", mock.Anything, "o-x").Return(nil)

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejectedExhausted, attempt.FinalOutcome)
	client.AssertNumberOfCalls(t, "PlaceOrder", 10)

	var count int64
	require.NoError(t, db.Model(&models.LadderStep{}).Where("attempt_id = ?", attempt.ID).Count(&count).Error)
	assert.EqualValues(t, 10, count)
}

func TestExecute_PartialFillIsTerminal(t *testing.T) {
	engine, db, client, _, follower, signal := setupEngine(t)
	signal.QuantityPerLeg = 2
	require.NoError(t, db.Save(&signal).Error)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.25), nil)

	client.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil).Once()
	client.On("GetOrderStatus", mock.Anything, "o-1").
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderPartial, FilledQty: 1, AvgFillPrice: decimal.NewFromFloat(0.75)}, nil)
	client.On("CancelOrder", mock.Anything, "o-1").Return(nil).Once()

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomePartial, attempt.FinalOutcome)
	assert.Equal(t, 1, attempt.FilledQuantity)
	client.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

// lateFillClient reports the order unfilled until the cancel request,
// then reports it filled, mimicking a fill racing the cancellation.
type lateFillClient struct {
	*MockClient
	mu        sync.Mutex
	cancelled bool
}

func (c *lateFillClient) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return &broker.OrderStatus{OrderID: orderID, Status: broker.OrderFilled, FilledQty: 1, AvgFillPrice: decimal.NewFromFloat(0.75)}, nil
	}
	return &broker.OrderStatus{OrderID: orderID, Status: broker.OrderSubmitted}, nil
}

func (c *lateFillClient) CancelOrder(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
	return nil
}

func TestExecute_FillDuringCancelIsRecorded(t *testing.T) {
	engine, db, mc, _, follower, signal := setupEngine(t)
	client := &lateFillClient{MockClient: mc}

	mc.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	mc.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	mc.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.25), nil)
	mc.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(&broker.OrderStatus{OrderID: "o-1", Status: broker.OrderSubmitted}, nil).Once()

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFilled, attempt.FinalOutcome)
	assert.Equal(t, 1, attempt.FilledQuantity)
	assert.True(t, attempt.FillPrice.Equal(decimal.NewFromFloat(0.75)))
	mc.AssertNumberOfCalls(t, "PlaceOrder", 1)

	var steps []models.LadderStep
	require.NoError(t, db.Where("attempt_id = ?", attempt.ID).Find(&steps).Error)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepFilled, steps[0].Outcome)

	// The racing fill still reaches the position ledger.
	var pos models.Position
	require.NoError(t, db.Where("follower_id = ? AND date = ? AND ticker = ?", follower.ID, signal.Date, signal.Ticker).First(&pos).Error)
	assert.Equal(t, 1, pos.ShortQty)
	assert.Equal(t, 1, pos.LongQty)
}

func TestExecute_BrokerErrorAborts(t *testing.T) {
	engine, _, client, sink, follower, signal := setupEngine(t)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.25), nil)
	client.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(nil, errors.New("gateway disconnected")).Once()

	attempt, err := engine.Execute(context.Background(), follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejectedError, attempt.FinalOutcome)
	assert.Contains(t, attempt.ErrorCode, "gateway disconnected")
	client.AssertNumberOfCalls(t, "PlaceOrder", 1)
	require.Len(t, sink.events, 1)
}

func TestExecute_CancelledBeforeFirstPlacement(t *testing.T) {
	engine, _, client, _, follower, signal := setupEngine(t)

	client.On("WhatIf", mock.Anything, mock.Anything).Return(okMargin(), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeShort).Return(quote(385, 3.00), nil)
	client.On("SnapshotQuote", mock.Anything, "SPX", signal.StrikeLong).Return(quote(380, 2.25), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempt, err := engine.Execute(ctx, follower, client, signal)

	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, attempt.FinalOutcome)
	client.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything)
}
