package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spreadpilot/internal/alert"
	"spreadpilot/internal/broker"
	"spreadpilot/internal/config"
	"spreadpilot/internal/gateway"
	"spreadpilot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Clients hands out a follower's connected broker surface. Satisfied by
// the gateway resource manager.
type Clients interface {
	GetClient(followerID uint) (broker.Client, error)
}

// Locker serializes work against a follower. Satisfied by the execution
// coordinator so scans never race an in-flight ladder.
type Locker interface {
	WithFollowerLock(followerID uint, fn func() error) error
}

// Reconciler compares broker-reported positions against the trade
// ledger to detect early assignment of the short leg, and compensates
// by exercising the offsetting long leg exactly once.
type Reconciler struct {
	logger  *zap.Logger
	cfg     *config.Reconciler
	db      *gorm.DB
	clients Clients
	locker  Locker
	alerts  alert.Sink
	loc     *time.Location
	now     func() time.Time
}

// NewReconciler creates a reconciler. The market session window is
// evaluated in the configured timezone.
func NewReconciler(logger *zap.Logger, cfg *config.Reconciler, db *gorm.DB, clients Clients, locker Locker, alerts alert.Sink) (*Reconciler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reconciler timezone %q: %w", cfg.Timezone, err)
	}
	return &Reconciler{
		logger:  logger.Named("reconciler"),
		cfg:     cfg,
		db:      db,
		clients: clients,
		locker:  locker,
		alerts:  alerts,
		loc:     loc,
		now:     time.Now,
	}, nil
}

// Run drives the scan loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Starting position reconciler", zap.Duration("interval", r.cfg.Interval))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Position reconciler stopped")
			return
		case <-ticker.C:
			if err := r.ScanAll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ScanAll runs one scan pass over all enabled followers. A no-op
// outside market hours.
func (r *Reconciler) ScanAll(ctx context.Context) error {
	now := r.now().In(r.loc)
	if !r.marketOpen(now) {
		r.logger.Debug("Market closed, skipping scan")
		return nil
	}

	var followers []models.Follower
	if err := r.db.Where("enabled = ?", true).Order("id").Find(&followers).Error; err != nil {
		return fmt.Errorf("failed to load followers: %w", err)
	}

	for _, f := range followers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f := f
		err := r.locker.WithFollowerLock(f.ID, func() error {
			return r.Scan(ctx, f)
		})
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("Scan failed", zap.Uint("follower_id", f.ID), zap.Error(err))
		}
	}
	return nil
}

// Scan checks each of the follower's position rows for the trading day
// against the broker. Tickers are independent: a detection in one never
// touches another.
func (r *Reconciler) Scan(ctx context.Context, f models.Follower) error {
	date := r.now().In(r.loc).Format("2006-01-02")

	var positions []models.Position
	if err := r.db.Where("follower_id = ? AND date = ?", f.ID, date).Order("ticker").Find(&positions).Error; err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	for i := range positions {
		if err := r.scanPosition(ctx, f, &positions[i]); err != nil {
			return err
		}
	}
	return nil
}

// scanPosition compares one ticker's ledger row against the
// broker-reported quantities. An unexpected reduction of the short leg
// is interpreted as early assignment and triggers a single compensation
// attempt.
func (r *Reconciler) scanPosition(ctx context.Context, f models.Follower, pos *models.Position) error {
	switch pos.AssignmentState {
	case models.AssignmentNone:
		// fall through to detection
	case models.AssignmentDetected:
		// Detection persisted but compensation never ran (crash or
		// earlier failure to reach the broker). Try it now.
		return r.compensate(ctx, f, pos)
	default:
		// compensating/resolved/failed: never re-trigger.
		return nil
	}

	if pos.ShortQty == 0 {
		return nil
	}

	client, err := r.clients.GetClient(f.ID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConnected) {
			r.logger.Debug("Gateway not connected, skipping scan", zap.Uint("follower_id", f.ID))
			return nil
		}
		return err
	}

	entries, err := client.Positions(ctx, pos.Ticker)
	if err != nil {
		return fmt.Errorf("position query failed: %w", err)
	}

	reportedShort := 0
	for _, e := range entries {
		if e.Quantity < 0 {
			reportedShort -= e.Quantity
		}
	}

	if reportedShort >= pos.ShortQty {
		return nil // short leg intact
	}

	deficit := pos.ShortQty - reportedShort
	r.logger.Warn("Early assignment detected",
		zap.Uint("follower_id", f.ID),
		zap.String("ticker", pos.Ticker),
		zap.Int("expected_short", pos.ShortQty),
		zap.Int("reported_short", reportedShort),
	)

	if err := r.transition(pos, models.AssignmentDetected); err != nil {
		return err
	}
	_ = r.alerts.Publish(ctx, alert.Event{
		Type:       alert.EventAssignmentDetected,
		FollowerID: f.ID,
		Summary:    fmt.Sprintf("early assignment on %s short leg", pos.Ticker),
		Fields:     map[string]any{"expected_short": pos.ShortQty, "reported_short": reportedShort, "deficit": deficit},
		At:         time.Now(),
	})

	return r.compensate(ctx, f, pos)
}

// compensate exercises the offsetting long leg exactly once. Failure is
// terminal and flagged for manual intervention; there is no automatic
// retry.
func (r *Reconciler) compensate(ctx context.Context, f models.Follower, pos *models.Position) error {
	client, err := r.clients.GetClient(f.ID)
	if err != nil {
		// Leave the position in detected; the next scan retries the
		// compensation once a connection is back.
		return err
	}

	entries, err := client.Positions(ctx, pos.Ticker)
	if err != nil {
		return fmt.Errorf("position query failed: %w", err)
	}

	reportedShort := 0
	var longEntry *broker.PositionEntry
	for i, e := range entries {
		if e.Quantity < 0 {
			reportedShort -= e.Quantity
		} else if e.Quantity > 0 && longEntry == nil {
			longEntry = &entries[i]
		}
	}
	deficit := pos.ShortQty - reportedShort
	if deficit <= 0 {
		// Short leg recovered between scans; nothing to offset.
		return r.transition(pos, models.AssignmentResolved)
	}

	if err := r.transition(pos, models.AssignmentCompensating); err != nil {
		return err
	}

	var exErr error
	if longEntry == nil {
		exErr = fmt.Errorf("no long leg available to exercise for %s", pos.Ticker)
	} else {
		exErr = client.Exercise(ctx, pos.Ticker, longEntry.Strike, deficit)
	}

	if exErr != nil {
		r.logger.Error("Assignment compensation failed",
			zap.Uint("follower_id", f.ID),
			zap.String("ticker", pos.Ticker),
			zap.Error(exErr),
		)
		if err := r.transition(pos, models.AssignmentFailed); err != nil {
			return err
		}
		_ = r.alerts.Publish(ctx, alert.Event{
			Type:       alert.EventAssignmentFailed,
			FollowerID: f.ID,
			Summary:    fmt.Sprintf("compensation for %s failed, manual intervention required", pos.Ticker),
			Fields:     map[string]any{"deficit": deficit, "error": exErr.Error()},
			At:         time.Now(),
		})
		return nil
	}

	pos.ShortQty = reportedShort
	pos.LongQty -= deficit
	r.logger.Info("Assignment compensated",
		zap.Uint("follower_id", f.ID),
		zap.String("ticker", pos.Ticker),
		zap.Int("exercised", deficit),
	)
	return r.transition(pos, models.AssignmentResolved)
}

// transition moves the assignment state forward, rejecting backward
// moves so transitions stay monotonic within the trading day.
func (r *Reconciler) transition(pos *models.Position, to string) error {
	if !models.AssignmentAdvances(pos.AssignmentState, to) {
		return fmt.Errorf("invalid assignment transition %s -> %s", pos.AssignmentState, to)
	}
	pos.AssignmentState = to
	if err := r.db.Save(pos).Error; err != nil {
		return fmt.Errorf("failed to persist assignment state: %w", err)
	}
	return nil
}

// marketOpen reports whether t falls inside the configured session
// window on a weekday.
func (r *Reconciler) marketOpen(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	open, err := time.ParseInLocation("15:04", r.cfg.MarketOpen, r.loc)
	if err != nil {
		return false
	}
	closeT, err := time.ParseInLocation("15:04", r.cfg.MarketClose, r.loc)
	if err != nil {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	openM := open.Hour()*60 + open.Minute()
	closeM := closeT.Hour()*60 + closeT.Minute()
	return minutes >= openM && minutes < closeM
}
