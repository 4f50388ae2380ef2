package feed

import (
	"context"
	"time"

	"spreadpilot/internal/config"
	"spreadpilot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Source is the pull-based signal boundary. Current-date filtering is
// the caller's responsibility; the ingestion pipeline that produces the
// signals is outside this service.
type Source interface {
	Pull(ctx context.Context, date string) ([]models.TradingSignal, error)
}

// Submitter routes one signal to all enabled followers. Satisfied by
// the execution coordinator.
type Submitter interface {
	Dispatch(ctx context.Context, signal models.TradingSignal) error
}

// GormSource reads signals the ingestion pipeline persisted.
type GormSource struct {
	db *gorm.DB
}

func NewGormSource(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

func (s *GormSource) Pull(ctx context.Context, date string) ([]models.TradingSignal, error) {
	var signals []models.TradingSignal
	err := s.db.WithContext(ctx).Where("date = ?", date).Order("ticker").Find(&signals).Error
	return signals, err
}

// Dispatcher polls the source and hands the current day's signals to
// the submitter. Dispatch is idempotent per (follower, signal), so
// re-pulling the same signals is harmless.
type Dispatcher struct {
	logger    *zap.Logger
	cfg       *config.Feed
	source    Source
	submitter Submitter
	now       func() time.Time
}

func NewDispatcher(logger *zap.Logger, cfg *config.Feed, source Source, submitter Submitter) *Dispatcher {
	return &Dispatcher{
		logger:    logger.Named("feed"),
		cfg:       cfg,
		source:    source,
		submitter: submitter,
		now:       time.Now,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Starting signal dispatcher", zap.Duration("poll_interval", d.cfg.PollInterval))
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Signal dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Signal poll failed", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) error {
	date := d.now().Format("2006-01-02")
	signals, err := d.source.Pull(ctx, date)
	if err != nil {
		return err
	}

	for _, sig := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.submitter.Dispatch(ctx, sig); err != nil && ctx.Err() == nil {
			d.logger.Error("Dispatch failed",
				zap.String("ticker", sig.Ticker),
				zap.Error(err),
			)
		}
	}
	return nil
}
