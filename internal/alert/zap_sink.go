package alert

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink writes alerts to the structured log. Always wired so that no
// event is ever silently dropped even when no external sink is set up.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("alerts")}
}

func (s *ZapSink) Publish(_ context.Context, ev Event) error {
	s.logger.Warn(ev.Summary,
		zap.String("event", ev.Type),
		zap.Uint("follower_id", ev.FollowerID),
		zap.Any("fields", ev.Fields),
		zap.Time("at", ev.At),
	)
	return nil
}
