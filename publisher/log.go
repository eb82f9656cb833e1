package publisher

import (
	"context"

	"go.uber.org/zap"

	"scriptcustody/custody"
)

// Log writes each event as a structured log line. It is the fallback sink
// when no broker is configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Publish(_ context.Context, event custody.Event) error {
	l.logger.Info("custody event",
		zap.String("kind", string(event.Kind)),
		zap.String("batch_id", event.Transfer.BatchID),
		zap.String("transfer_id", event.Transfer.ID),
		zap.String("transfer_status", string(event.Transfer.Status)),
		zap.String("batch_status", string(event.BatchStatus)),
		zap.String("custodian", event.Custodian),
		zap.String("actor_id", event.ActorID),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}
