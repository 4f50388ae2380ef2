package execution

import (
	"context"
	"fmt"
	"time"

	"spreadpilot/internal/alert"
	"spreadpilot/internal/broker"
	"spreadpilot/internal/config"
	"spreadpilot/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine fills a two-leg spread order for one follower: margin gate,
// premium gate, then the limit-ladder retry loop. It borrows the broker
// client from the resource manager and never touches instance state.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Execution
	db     *gorm.DB
	alerts alert.Sink
}

// NewEngine creates an execution engine.
func NewEngine(logger *zap.Logger, cfg *config.Execution, db *gorm.DB, alerts alert.Sink) *Engine {
	return &Engine{
		logger: logger.Named("execution"),
		cfg:    cfg,
		db:     db,
		alerts: alerts,
	}
}

// Execute runs one signal for one follower to a terminal outcome. The
// returned attempt is persisted and immutable; a non-nil error means an
// infrastructure failure (persistence), not a trading rejection.
func (e *Engine) Execute(ctx context.Context, follower models.Follower, client broker.Client, signal models.TradingSignal) (*models.OrderExecutionAttempt, error) {
	l := e.logger.With(
		zap.Uint("follower_id", follower.ID),
		zap.String("ticker", signal.Ticker),
		zap.String("strategy", signal.Strategy),
	)

	attempt := &models.OrderExecutionAttempt{
		FollowerID: follower.ID,
		SignalID:   signal.ID,
		Ticker:     signal.Ticker,
	}
	if err := e.db.Create(attempt).Error; err != nil {
		return nil, fmt.Errorf("failed to create attempt record: %w", err)
	}

	legs := spreadLegs(signal)

	// 1. Margin validation: non-binding what-if of the combined order.
	impact, err := client.WhatIf(ctx, broker.SpreadOrder{
		Legs:     legs,
		Quantity: signal.QuantityPerLeg,
	})
	if err != nil {
		l.Error("What-if simulation failed", zap.Error(err))
		return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedError, withErrorCode(err))
	}
	if impact.InitialMarginChange > impact.AvailableFunds {
		l.Info("Margin check rejected order",
			zap.Float64("required", impact.InitialMarginChange),
			zap.Float64("available", impact.AvailableFunds),
		)
		attempt.MarginRequired = impact.InitialMarginChange
		attempt.MarginFree = impact.AvailableFunds
		return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedMargin, nil)
	}
	attempt.MarginRequired = impact.InitialMarginChange
	attempt.MarginFree = impact.AvailableFunds

	// 2. Price check: net premium must clear the threshold.
	mid, err := e.midPrice(ctx, client, signal)
	if err != nil {
		l.Error("Market data snapshot failed", zap.Error(err))
		return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedError, withErrorCode(err))
	}

	threshold := decimal.NewFromFloat(e.cfg.MinPremiumThreshold)
	if mid.Abs().LessThan(threshold) {
		l.Info("Premium below threshold, no order placed",
			zap.String("mid_price", mid.StringFixed(2)),
			zap.Float64("threshold", e.cfg.MinPremiumThreshold),
		)
		return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedPrice, nil)
	}

	// 3. Limit ladder.
	return e.ladder(ctx, l, client, signal, attempt, legs, mid, threshold)
}

// midPrice computes the signed net premium of the spread: short leg
// quote minus long leg quote, both at the bid/ask midpoint. Short
// strategies come out negative by sign convention.
func (e *Engine) midPrice(ctx context.Context, client broker.Client, signal models.TradingSignal) (decimal.Decimal, error) {
	shortQ, err := client.SnapshotQuote(ctx, signal.Ticker, signal.StrikeShort)
	if err != nil {
		return decimal.Zero, fmt.Errorf("short leg snapshot: %w", err)
	}
	longQ, err := client.SnapshotQuote(ctx, signal.Ticker, signal.StrikeLong)
	if err != nil {
		return decimal.Zero, fmt.Errorf("long leg snapshot: %w", err)
	}

	mid := shortQ.Mid().Sub(longQ.Mid())
	if signal.Strategy == models.StrategyShort && mid.IsPositive() {
		mid = mid.Neg()
	}
	return mid.Round(2), nil
}

// ladder places limit orders starting at the mid price, stepping the
// limit by the configured increment after every timed-out attempt.
// Attempts for one follower are strictly sequential; the caller holds
// the per-follower lock.
func (e *Engine) ladder(ctx context.Context, l *zap.Logger, client broker.Client, signal models.TradingSignal, attempt *models.OrderExecutionAttempt, legs []broker.Leg, mid, threshold decimal.Decimal) (*models.OrderExecutionAttempt, error) {
	increment := decimal.NewFromFloat(e.cfg.PriceIncrement)
	currentLimit := mid
	remaining := signal.QuantityPerLeg
	filledTotal := 0

	for n := 1; n <= e.cfg.MaxLadderAttempts; n++ {
		// Cooperative cancellation between attempts.
		if ctx.Err() != nil {
			l.Info("Ladder cancelled", zap.Int("attempt", n-1))
			return attempt, e.finalize(ctx, attempt, models.OutcomeCancelled, nil)
		}

		order := broker.SpreadOrder{
			ClientOrderID: uuid.NewString(),
			Legs:          legs,
			Quantity:      remaining,
			LimitPrice:    currentLimit,
		}

		step := models.LadderStep{
			AttemptID:  attempt.ID,
			Number:     n,
			LimitPrice: currentLimit,
			PlacedAt:   time.Now(),
		}

		status, err := client.PlaceOrder(ctx, order)
		if err != nil {
			step.Outcome = models.StepError
			e.saveStep(&step)
			l.Error("Order placement failed", zap.Int("attempt", n), zap.Error(err))
			return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedError, withErrorCode(err))
		}

		l.Info("Placed ladder order",
			zap.Int("attempt", n),
			zap.String("limit_price", currentLimit.StringFixed(2)),
			zap.Int("quantity", remaining),
		)

		final, err := e.waitForFill(ctx, client, status.OrderID, remaining)
		if err != nil && ctx.Err() == nil {
			step.Outcome = models.StepError
			e.saveStep(&step)
			l.Error("Order status polling failed", zap.Int("attempt", n), zap.Error(err))
			return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedError, withErrorCode(err))
		}

		if final != nil && final.Status == broker.OrderRejected {
			step.Outcome = models.StepError
			e.saveStep(&step)
			l.Warn("Broker rejected order", zap.Int("attempt", n), zap.String("reason", final.Reason))
			attempt.ErrorCode = final.Reason
			return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedError, nil)
		}

		if final != nil && final.FilledQty >= remaining {
			// Full fill of the outstanding quantity.
			step.Outcome = models.StepFilled
			e.saveStep(&step)
			filledTotal += final.FilledQty
			attempt.FillPrice = final.AvgFillPrice
			attempt.FilledQuantity = filledTotal
			l.Info("Order filled",
				zap.Int("attempts", n),
				zap.String("fill_price", final.AvgFillPrice.StringFixed(2)),
			)
			e.applyFill(attempt.FollowerID, signal, filledTotal)
			return attempt, e.finalize(ctx, attempt, models.OutcomeFilled, nil)
		}

		// Unfilled or partially filled within the timeout: cancel the
		// remainder before touching the limit price.
		if cancelErr := client.CancelOrder(ctx, status.OrderID); cancelErr != nil && ctx.Err() == nil {
			step.Outcome = models.StepError
			e.saveStep(&step)
			l.Error("Order cancellation failed", zap.Int("attempt", n), zap.Error(cancelErr))
			return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedError, withErrorCode(cancelErr))
		}

		// A fill can land between the last poll and the cancel; the
		// post-cancel status is authoritative for the step's quantity.
		if post, postErr := client.GetOrderStatus(ctx, status.OrderID); postErr == nil {
			final = post
		}

		if final != nil && final.FilledQty >= remaining {
			// Filled while the cancel was in flight.
			step.Outcome = models.StepFilled
			e.saveStep(&step)
			filledTotal += final.FilledQty
			attempt.FillPrice = final.AvgFillPrice
			attempt.FilledQuantity = filledTotal
			l.Info("Order filled during cancellation",
				zap.Int("attempts", n),
				zap.String("fill_price", final.AvgFillPrice.StringFixed(2)),
			)
			e.applyFill(attempt.FollowerID, signal, filledTotal)
			return attempt, e.finalize(ctx, attempt, models.OutcomeFilled, nil)
		}

		if final != nil && final.FilledQty > 0 {
			step.Outcome = models.StepPartial
			e.saveStep(&step)
			filledTotal += final.FilledQty
			remaining -= final.FilledQty
			attempt.FillPrice = final.AvgFillPrice
			attempt.FilledQuantity = filledTotal
			l.Warn("Partial fill",
				zap.Int("attempt", n),
				zap.Int("filled", final.FilledQty),
				zap.Int("remaining", remaining),
			)
			if !e.cfg.ReladderPartial {
				e.applyFill(attempt.FollowerID, signal, filledTotal)
				return attempt, e.finalize(ctx, attempt, models.OutcomePartial, nil)
			}
			// Policy choice: keep laddering the remainder.
		} else {
			step.Outcome = models.StepTimeout
			e.saveStep(&step)
		}

		currentLimit = currentLimit.Add(increment)
		if currentLimit.Abs().LessThan(threshold) {
			l.Info("Ladder walked the premium below threshold, stopping",
				zap.String("limit_price", currentLimit.StringFixed(2)),
			)
			break
		}
	}

	if filledTotal > 0 {
		e.applyFill(attempt.FollowerID, signal, filledTotal)
		return attempt, e.finalize(ctx, attempt, models.OutcomePartial, nil)
	}
	return attempt, e.finalize(ctx, attempt, models.OutcomeRejectedExhausted, nil)
}

// waitForFill polls the order status until filled, rejected, or the
// per-attempt timeout elapses. Returns the last observed status.
func (e *Engine) waitForFill(ctx context.Context, client broker.Client, orderID string, want int) (*broker.OrderStatus, error) {
	deadline := time.NewTimer(e.cfg.AttemptTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.FillPollInterval)
	defer poll.Stop()

	var last *broker.OrderStatus
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, nil
		case <-poll.C:
			status, err := client.GetOrderStatus(ctx, orderID)
			if err != nil {
				return last, err
			}
			last = status
			if status.Status == broker.OrderFilled || status.Status == broker.OrderRejected || status.FilledQty >= want {
				return status, nil
			}
		}
	}
}

// finalize writes the terminal outcome and raises an alert for
// rejection outcomes. Valid business outcomes, not bugs: they surface
// as records plus alerts, never as errors.
func (e *Engine) finalize(ctx context.Context, attempt *models.OrderExecutionAttempt, outcome string, mutate func(*models.OrderExecutionAttempt)) error {
	attempt.FinalOutcome = outcome
	if mutate != nil {
		mutate(attempt)
	}
	if err := e.db.Save(attempt).Error; err != nil {
		return fmt.Errorf("failed to persist attempt outcome: %w", err)
	}

	switch outcome {
	case models.OutcomeRejectedMargin, models.OutcomeRejectedPrice,
		models.OutcomeRejectedExhausted, models.OutcomeRejectedError:
		_ = e.alerts.Publish(ctx, alert.Event{
			Type:       alert.EventOrderRejected,
			FollowerID: attempt.FollowerID,
			Summary:    fmt.Sprintf("order for %s rejected", attempt.Ticker),
			Fields: map[string]any{
				"outcome":          outcome,
				"error_code":       attempt.ErrorCode,
				"margin_required":  attempt.MarginRequired,
				"margin_available": attempt.MarginFree,
			},
			At: time.Now(),
		})
	}
	return nil
}

// applyFill upserts the follower's position row for the signal's
// trading day and ticker.
func (e *Engine) applyFill(followerID uint, signal models.TradingSignal, qty int) {
	var pos models.Position
	err := e.db.Where(models.Position{FollowerID: followerID, Date: signal.Date, Ticker: signal.Ticker}).
		Attrs(models.Position{AssignmentState: models.AssignmentNone}).
		FirstOrCreate(&pos).Error
	if err != nil {
		e.logger.Error("Failed to load position for fill", zap.Uint("follower_id", followerID), zap.Error(err))
		return
	}

	pos.ShortQty += qty
	pos.LongQty += qty
	if err := e.db.Save(&pos).Error; err != nil {
		e.logger.Error("Failed to persist position", zap.Uint("follower_id", followerID), zap.Error(err))
	}
}

func (e *Engine) saveStep(step *models.LadderStep) {
	if err := e.db.Create(step).Error; err != nil {
		e.logger.Error("Failed to persist ladder step", zap.Int("number", step.Number), zap.Error(err))
	}
}

// spreadLegs maps a signal onto its two order legs: sell the short
// strike, buy the long strike.
func spreadLegs(signal models.TradingSignal) []broker.Leg {
	return []broker.Leg{
		{Ticker: signal.Ticker, Strike: signal.StrikeShort, Action: broker.ActionSell, Quantity: signal.QuantityPerLeg},
		{Ticker: signal.Ticker, Strike: signal.StrikeLong, Action: broker.ActionBuy, Quantity: signal.QuantityPerLeg},
	}
}

func withErrorCode(err error) func(*models.OrderExecutionAttempt) {
	return func(a *models.OrderExecutionAttempt) { a.ErrorCode = err.Error() }
}
