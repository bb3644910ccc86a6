package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"detsched/internal/audit"
	"detsched/internal/sched"
)

// InfluxConfig carries connection settings. Token and host come from the
// environment in production deployments.
type InfluxConfig struct {
	Host   string
	Token  string
	Org    string
	Bucket string
}

// InfluxClient streams audit records and status snapshots into a bucket.
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   logrus.FieldLogger
}

// NewInfluxClient connects and verifies the server is healthy before
// returning a usable client.
func NewInfluxClient(cfg InfluxConfig, logger logrus.FieldLogger) (*InfluxClient, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":   cfg.Host,
			"status": health.Status,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health status %q", health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger:   logger,
	}, nil
}

// WriteRecords pushes audit records as points in the audit_record
// measurement.
func (c *InfluxClient) WriteRecords(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		p := influxdb2.NewPointWithMeasurement("audit_record").
			AddTag("kind", string(rec.Kind)).
			AddField("seq", int64(rec.Seq)).
			AddField("time_ns", int64(rec.Time)).
			SetTime(time.Now())
		if rec.TaskID != 0 {
			p.AddField("task_id", int64(rec.TaskID))
		}
		switch rec.Kind {
		case audit.KindAdmissionDecision:
			p.AddField("admitted", rec.Admitted)
			if rec.Reason != "" {
				p.AddField("reason", rec.Reason)
			}
		case audit.KindDispatch:
			p.AddField("running", rec.Running)
		case audit.KindDeadlineEvent:
			p.AddField("missed", rec.Missed)
			p.AddField("jitter_ns", int64(rec.Jitter))
		case audit.KindRemoval:
			p.AddField("reason", rec.Reason)
		case audit.KindDirectiveProposed, audit.KindDirectiveApplied, audit.KindDirectiveRolledBack:
			p.AddTag("subsystem", rec.Subsystem)
			p.AddField("directive_id", rec.DirectiveID)
			p.AddField("confidence", rec.Confidence)
			if rec.Outcome != "" {
				p.AddField("outcome", rec.Outcome)
			}
		}
		points = append(points, p)
	}

	if err := c.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write audit records: %w", err)
	}
	return nil
}

// WriteStatus pushes one status snapshot into the scheduler_status
// measurement.
func (c *InfluxClient) WriteStatus(ctx context.Context, st sched.Status) error {
	p := influxdb2.NewPointWithMeasurement("scheduler_status").
		AddField("enabled", st.Enabled).
		AddField("ticks", int64(st.Ticks)).
		AddField("tasks", len(st.Tasks)).
		AddField("utilization_ppm", int64(st.UtilizationPPM)).
		AddField("total_misses", int64(st.TotalMisses)).
		AddField("gate_accepted", int64(st.Gate.Accepted)).
		AddField("gate_rejected", int64(st.Gate.Rejected)).
		AddField("gate_rolled_back", int64(st.Gate.RolledBack)).
		SetTime(time.Now())

	if err := c.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

func (c *InfluxClient) Close() {
	c.client.Close()
}
