// Package predictor turns scheduler observations into tuning directives.
// Predictors only propose; the directive gate decides. A predictor is free
// to be aggressive since low-confidence or rapid-fire proposals are
// filtered before they touch a subsystem.
package predictor

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"detsched/internal/gate"
	"detsched/internal/sched"
)

// Predictor analyzes a status snapshot and proposes zero or more
// directives.
type Predictor interface {
	Predict(st sched.Status) []gate.Directive
}

// Heuristic is the built-in predictor: shift memory allocation toward the
// conservative strategy while deadline misses accumulate, and relax back
// once the system has been calm for a stretch.
type Heuristic struct {
	lastMisses uint64
	calmRuns   int
	logger     logrus.FieldLogger
}

// calmRunsBeforeRelax is how many consecutive miss-free observations it
// takes before the heuristic proposes loosening the strategy again.
const calmRunsBeforeRelax = 5

func NewHeuristic(logger logrus.FieldLogger) *Heuristic {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Heuristic{logger: logger}
}

func (h *Heuristic) Predict(st sched.Status) []gate.Directive {
	delta := st.TotalMisses - h.lastMisses
	h.lastMisses = st.TotalMisses

	var out []gate.Directive

	if delta > 0 {
		h.calmRuns = 0
		// Confidence grows with the miss burst, capped below certainty.
		confidence := 0.5 + 0.1*float64(delta)
		if confidence > 0.95 {
			confidence = 0.95
		}
		h.logger.WithFields(logrus.Fields{
			"miss_delta": delta,
			"confidence": confidence,
		}).Debug("Deadline misses observed, tightening strategies")
		if current, ok := st.Subsystems["memory"]; ok && current != "conservative" {
			out = append(out, gate.Directive{
				Subsystem:  "memory",
				Strategy:   "conservative",
				Confidence: confidence,
				Reason:     fmt.Sprintf("%d deadline misses since last observation", delta),
			})
		}
		if current, ok := st.Subsystems["cache"]; ok && current != "exclusive" {
			out = append(out, gate.Directive{
				Subsystem:  "cache",
				Strategy:   "exclusive",
				Confidence: confidence,
				Reason:     fmt.Sprintf("%d deadline misses since last observation", delta),
			})
		}
		return out
	}

	h.calmRuns++
	if h.calmRuns < calmRunsBeforeRelax {
		return nil
	}

	if current, ok := st.Subsystems["memory"]; ok && current == "conservative" {
		h.calmRuns = 0
		out = append(out, gate.Directive{
			Subsystem:  "memory",
			Strategy:   "balanced",
			Confidence: 0.7,
			Reason:     fmt.Sprintf("no misses across %d observations", calmRunsBeforeRelax),
		})
	}
	return out
}
