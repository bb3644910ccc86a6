// Package controlloop drives the scheduler's periodic work: the dispatch
// tick and the predictor pass. Each runs on its own ticker under one
// errgroup so a failure in either tears the daemon down cleanly.
package controlloop

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"detsched/internal/gate"
	"detsched/internal/predictor"
	"detsched/internal/sched"
)

// Loop owns the tick and prediction cadence.
type Loop struct {
	sched           *sched.Scheduler
	pred            predictor.Predictor
	predictInterval time.Duration
	logger          logrus.FieldLogger
}

func New(s *sched.Scheduler, pred predictor.Predictor, predictInterval time.Duration, logger logrus.FieldLogger) *Loop {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loop{
		sched:           s,
		pred:            pred,
		predictInterval: predictInterval,
		logger:          logger,
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.tickLoop(ctx) })
	if l.pred != nil && l.predictInterval > 0 {
		g.Go(func() error { return l.predictLoop(ctx) })
	}

	return g.Wait()
}

func (l *Loop) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.sched.TickInterval())
	defer ticker.Stop()

	l.logger.WithField("interval", l.sched.TickInterval()).Info("Tick loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Tick loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.sched.Tick()
		}
	}
}

func (l *Loop) predictLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.predictInterval)
	defer ticker.Stop()

	l.logger.WithField("interval", l.predictInterval).Info("Predictor loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Predictor loop stopped")
			return ctx.Err()
		case <-ticker.C:
			l.runPredictor()
		}
	}
}

func (l *Loop) runPredictor() {
	st := l.sched.Status()
	for _, d := range l.pred.Predict(st) {
		dec := l.sched.Propose(d)
		l.logger.WithFields(logrus.Fields{
			"directive_id": dec.DirectiveID,
			"subsystem":    d.Subsystem,
			"strategy":     d.Strategy,
			"accepted":     dec.Accepted,
			"outcome":      dec.Outcome,
		}).Debug("Predictor directive evaluated")
	}
}

var _ predictor.Predictor = noopPredictor{}

type noopPredictor struct{}

func (noopPredictor) Predict(sched.Status) []gate.Directive { return nil }

// Noop returns a predictor that never proposes, for deployments that drive
// directives only through the control surface.
func Noop() predictor.Predictor { return noopPredictor{} }
