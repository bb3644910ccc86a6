package predictor

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detsched/internal/sched"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func statusWith(misses uint64, memStrategy string) sched.Status {
	return sched.Status{
		TotalMisses: misses,
		Subsystems:  map[string]string{"memory": memStrategy},
	}
}

func TestMissesProposeConservative(t *testing.T) {
	h := NewHeuristic(testLogger())

	directives := h.Predict(statusWith(3, "balanced"))
	require.Len(t, directives, 1)
	assert.Equal(t, "memory", directives[0].Subsystem)
	assert.Equal(t, "conservative", directives[0].Strategy)
	assert.InDelta(t, 0.8, directives[0].Confidence, 0.001)
}

func TestConfidenceCapped(t *testing.T) {
	h := NewHeuristic(testLogger())

	directives := h.Predict(statusWith(100, "balanced"))
	require.Len(t, directives, 1)
	assert.LessOrEqual(t, directives[0].Confidence, 0.95)
}

func TestNoProposalWhenAlreadyConservative(t *testing.T) {
	h := NewHeuristic(testLogger())
	assert.Empty(t, h.Predict(statusWith(3, "conservative")))
}

func TestCalmStreakRelaxesStrategy(t *testing.T) {
	h := NewHeuristic(testLogger())

	// Prime the miss counter, then stay calm.
	h.Predict(statusWith(2, "conservative"))
	for i := 0; i < calmRunsBeforeRelax-1; i++ {
		assert.Empty(t, h.Predict(statusWith(2, "conservative")))
	}

	directives := h.Predict(statusWith(2, "conservative"))
	require.Len(t, directives, 1)
	assert.Equal(t, "balanced", directives[0].Strategy)
}

func TestCacheSubsystemProposedWhenRegistered(t *testing.T) {
	h := NewHeuristic(testLogger())

	st := sched.Status{
		TotalMisses: 1,
		Subsystems:  map[string]string{"memory": "conservative", "cache": "shared"},
	}
	directives := h.Predict(st)
	require.Len(t, directives, 1)
	assert.Equal(t, "cache", directives[0].Subsystem)
	assert.Equal(t, "exclusive", directives[0].Strategy)
}
