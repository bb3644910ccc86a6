package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"detsched/internal/sched"
)

// Exporter periodically drains new audit records and a status snapshot to
// InfluxDB. Failed pushes are logged and retried on the next interval with
// the same cursor, so records are not lost until the ring overwrites them.
type Exporter struct {
	sched    *sched.Scheduler
	client   *InfluxClient
	interval time.Duration
	logger   logrus.FieldLogger

	cursor uint64
}

func NewExporter(s *sched.Scheduler, client *InfluxClient, interval time.Duration, logger logrus.FieldLogger) *Exporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{sched: s, client: client, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, flushing once more on the way out.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.WithField("interval", e.interval).Info("Telemetry exporter started")
	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background())
			e.logger.Info("Telemetry exporter stopped")
			return ctx.Err()
		case <-ticker.C:
			e.flush(ctx)
		}
	}
}

func (e *Exporter) flush(ctx context.Context) {
	records, next := e.sched.AuditSince(e.cursor)
	if len(records) > 0 {
		if err := e.client.WriteRecords(ctx, records); err != nil {
			e.logger.WithError(err).Warn("Audit export failed, will retry")
		} else {
			e.cursor = next
		}
	}

	if err := e.client.WriteStatus(ctx, e.sched.Status()); err != nil {
		e.logger.WithError(err).Warn("Status export failed")
	}
}
