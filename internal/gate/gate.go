// Package gate rate-limits autonomous tuning directives. Every directive
// passes a confidence threshold and a per-subsystem cooldown before it is
// applied, and every applied directive is watched over an observation
// window: if the target metric regresses past the configured tolerance the
// gate restores the strategy that was in effect before the directive.
package gate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"detsched/internal/audit"
	"detsched/internal/subsystem"
)

// Outcomes recorded on audit entries and returned through status.
const (
	OutcomeRejectedConfidence = "rejected_confidence"
	OutcomeRejectedCooldown   = "rejected_cooldown"
	OutcomeRejectedInvalid    = "rejected_invalid"
	OutcomeRejectedFailed     = "rejected_apply_failed"
	OutcomeApplied            = "applied"
	OutcomeStable             = "stable"
	OutcomeRolledBack         = "rolled_back"
)

// Directive is one proposed tuning action.
type Directive struct {
	ID         string
	Subsystem  string
	Strategy   string
	Confidence float64
	Reason     string
}

// Decision is the gate's verdict on a proposal.
type Decision struct {
	DirectiveID string
	Accepted    bool
	Outcome     string
	Detail      string
}

// Policy is the per-subsystem gating configuration.
type Policy struct {
	ConfidenceThreshold float64
	Cooldown            time.Duration
	ObservationWindow   time.Duration
	RegressionTolerance float64

	// RegressionFloor is the absolute metric level below which post-window
	// samples never count as a regression. A baseline of zero gives the
	// relative tolerance nothing to scale, so without a floor any activity
	// at all would read as a regression.
	RegressionFloor float64
}

// MetricSource samples the regression metric for a subsystem. Lower is
// better; the gate compares post-directive samples against the value
// captured at apply time.
type MetricSource func(subsystem string) float64

// Auditor receives gate events. The scheduler facade backs it with the
// audit ring.
type Auditor interface {
	Append(rec audit.Record) uint64
}

type applied struct {
	directive     Directive
	priorStrategy string
	baseline      float64
	observeAfter  uint64
}

// Gate guards a subsystem registry. Not goroutine safe; the facade holds
// its lock across Propose and Observe.
type Gate struct {
	registry *subsystem.Registry
	policies map[string]Policy
	metric   MetricSource
	auditor  Auditor
	logger   logrus.FieldLogger

	lastApplied map[string]uint64
	everApplied map[string]bool
	inFlight    []applied

	proposed   uint64
	acceptedN  uint64
	rejectedN  uint64
	rolledBack uint64
}

func New(registry *subsystem.Registry, policies map[string]Policy, metric MetricSource, auditor Auditor, logger logrus.FieldLogger) *Gate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{
		registry:    registry,
		policies:    policies,
		metric:      metric,
		auditor:     auditor,
		logger:      logger,
		lastApplied: make(map[string]uint64),
		everApplied: make(map[string]bool),
	}
}

// Propose evaluates a directive at time now (ns). Accepted directives take
// effect immediately and enter the observation window.
func (g *Gate) Propose(d Directive, now uint64) Decision {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	g.proposed++

	policy, ok := g.policies[d.Subsystem]
	if !ok {
		return g.reject(d, now, OutcomeRejectedInvalid,
			fmt.Sprintf("no gating policy for subsystem %q", d.Subsystem))
	}
	target, err := g.registry.Get(d.Subsystem)
	if err != nil {
		return g.reject(d, now, OutcomeRejectedInvalid, err.Error())
	}

	if d.Confidence < policy.ConfidenceThreshold {
		return g.reject(d, now, OutcomeRejectedConfidence,
			fmt.Sprintf("confidence %.2f below threshold %.2f", d.Confidence, policy.ConfidenceThreshold))
	}

	if g.everApplied[d.Subsystem] {
		elapsed := now - g.lastApplied[d.Subsystem]
		if elapsed < uint64(policy.Cooldown.Nanoseconds()) {
			return g.reject(d, now, OutcomeRejectedCooldown,
				fmt.Sprintf("cooldown active, %s remaining",
					policy.Cooldown-time.Duration(elapsed)))
		}
	}

	prior := target.Current()
	baseline := g.metric(d.Subsystem)
	if err := target.Apply(d.Strategy); err != nil {
		return g.reject(d, now, OutcomeRejectedFailed, err.Error())
	}

	g.auditor.Append(audit.Record{
		Time:        now,
		Kind:        audit.KindDirectiveProposed,
		DirectiveID: d.ID,
		Subsystem:   d.Subsystem,
		Action:      d.Strategy,
		Confidence:  d.Confidence,
		Outcome:     OutcomeApplied,
		Reason:      d.Reason,
	})

	g.lastApplied[d.Subsystem] = now
	g.everApplied[d.Subsystem] = true
	g.acceptedN++
	g.inFlight = append(g.inFlight, applied{
		directive:     d,
		priorStrategy: prior,
		baseline:      baseline,
		observeAfter:  now + uint64(policy.ObservationWindow.Nanoseconds()),
	})

	g.auditor.Append(audit.Record{
		Time:        now,
		Kind:        audit.KindDirectiveApplied,
		DirectiveID: d.ID,
		Subsystem:   d.Subsystem,
		Action:      d.Strategy,
		Confidence:  d.Confidence,
		Outcome:     OutcomeApplied,
		Metric:      baseline,
	})
	g.logger.WithFields(logrus.Fields{
		"directive_id": d.ID,
		"subsystem":    d.Subsystem,
		"strategy":     d.Strategy,
		"confidence":   d.Confidence,
		"baseline":     baseline,
	}).Info("Directive applied")

	return Decision{DirectiveID: d.ID, Accepted: true, Outcome: OutcomeApplied}
}

// Observe closes out observation windows that have elapsed by now. A
// directive whose metric regressed beyond tolerance is rolled back to the
// strategy snapshot taken at apply time; otherwise it settles as stable.
func (g *Gate) Observe(now uint64) {
	remaining := g.inFlight[:0]
	for _, a := range g.inFlight {
		if now < a.observeAfter {
			remaining = append(remaining, a)
			continue
		}
		g.settle(a, now)
	}
	g.inFlight = remaining
}

func (g *Gate) settle(a applied, now uint64) {
	policy := g.policies[a.directive.Subsystem]
	current := g.metric(a.directive.Subsystem)

	limit := a.baseline * (1 + policy.RegressionTolerance)
	if limit < policy.RegressionFloor {
		limit = policy.RegressionFloor
	}
	// A zero limit means neither a baseline nor a floor to regress against.
	if limit == 0 || current <= limit {
		g.auditor.Append(audit.Record{
			Time:        now,
			Kind:        audit.KindDirectiveApplied,
			DirectiveID: a.directive.ID,
			Subsystem:   a.directive.Subsystem,
			Action:      a.directive.Strategy,
			Outcome:     OutcomeStable,
			Metric:      current,
		})
		g.logger.WithFields(logrus.Fields{
			"directive_id": a.directive.ID,
			"subsystem":    a.directive.Subsystem,
			"baseline":     a.baseline,
			"observed":     current,
		}).Info("Directive stable")
		return
	}

	target, err := g.registry.Get(a.directive.Subsystem)
	if err == nil {
		if err := target.Apply(a.priorStrategy); err != nil {
			g.logger.WithError(err).WithField("directive_id", a.directive.ID).
				Error("Failed to restore prior strategy")
		}
	}
	g.rolledBack++

	g.auditor.Append(audit.Record{
		Time:        now,
		Kind:        audit.KindDirectiveRolledBack,
		DirectiveID: a.directive.ID,
		Subsystem:   a.directive.Subsystem,
		Action:      a.priorStrategy,
		Outcome:     OutcomeRolledBack,
		Metric:      current,
		Reason: fmt.Sprintf("metric %.2f exceeded baseline %.2f by more than %.0f%%",
			current, a.baseline, policy.RegressionTolerance*100),
	})
	g.logger.WithFields(logrus.Fields{
		"directive_id": a.directive.ID,
		"subsystem":    a.directive.Subsystem,
		"baseline":     a.baseline,
		"observed":     current,
		"restored":     a.priorStrategy,
	}).Warn("Directive rolled back")
}

func (g *Gate) reject(d Directive, now uint64, outcome, detail string) Decision {
	g.rejectedN++
	g.auditor.Append(audit.Record{
		Time:        now,
		Kind:        audit.KindDirectiveProposed,
		DirectiveID: d.ID,
		Subsystem:   d.Subsystem,
		Action:      d.Strategy,
		Confidence:  d.Confidence,
		Outcome:     outcome,
		Reason:      detail,
	})
	g.logger.WithFields(logrus.Fields{
		"directive_id": d.ID,
		"subsystem":    d.Subsystem,
		"strategy":     d.Strategy,
		"outcome":      outcome,
		"detail":       detail,
	}).Debug("Directive rejected")
	return Decision{DirectiveID: d.ID, Accepted: false, Outcome: outcome, Detail: detail}
}

// Stats summarizes gate activity for the status surface.
type Stats struct {
	Proposed   uint64 `json:"proposed"`
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	RolledBack uint64 `json:"rolled_back"`
	InFlight   int    `json:"in_flight"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		Proposed:   g.proposed,
		Accepted:   g.acceptedN,
		Rejected:   g.rejectedN,
		RolledBack: g.rolledBack,
		InFlight:   len(g.inFlight),
	}
}
