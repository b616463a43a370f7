package attendance

import (
	"context"

	"github.com/sirupsen/logrus"

	"gradaccess/internal/queue"
)

// ScanLog persists scan events.
type ScanLog interface {
	InsertScanEvent(ctx context.Context, evt ScanEvent) error
}

// ConsumeScanEvents writes every scan event from q into the log until ctx
// ends. Bad or unwritable messages are logged and dropped. It returns the
// number of events written.
func ConsumeScanEvents(ctx context.Context, q queue.Queue, log ScanLog, logger logrus.FieldLogger) (int, error) {
	messages, err := q.Consume(ctx)
	if err != nil {
		return 0, err
	}
	written := 0
	for msg := range messages {
		if msg.Type != ScanEventType {
			continue
		}
		evt, err := DecodeScanEvent(msg.Body)
		if err != nil {
			logger.WithError(err).Warn("dropping malformed scan event")
			continue
		}
		if err := log.InsertScanEvent(ctx, evt); err != nil {
			logger.WithError(err).WithField("event_id", evt.ID).Error("scan event not recorded")
			continue
		}
		written++
	}
	return written, nil
}
