package subsystem

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Memory allocation strategies ordered from least to most prefetching.
const (
	MemoryConservative = "conservative"
	MemoryBalanced     = "balanced"
	MemoryAggressive   = "aggressive"
)

// memoryProfile is the pool tuning a strategy resolves to. pressure is the
// steady-state allocator pressure score the profile settles at, in [0, 1]:
// preallocation and high watermarks hold more pages hostage.
type memoryProfile struct {
	preallocPages   int
	lowWatermarkPct int
	compactOnFree   bool
	pressure        float64
}

var memoryProfiles = map[string]memoryProfile{
	MemoryConservative: {preallocPages: 0, lowWatermarkPct: 10, compactOnFree: true, pressure: 0.15},
	MemoryBalanced:     {preallocPages: 64, lowWatermarkPct: 20, compactOnFree: false, pressure: 0.35},
	MemoryAggressive:   {preallocPages: 256, lowWatermarkPct: 35, compactOnFree: false, pressure: 0.70},
}

// Memory tunes the allocator's prefetch and watermark behavior. It starts
// on the balanced strategy.
type Memory struct {
	current string
	applied uint64
	logger  logrus.FieldLogger
}

func NewMemory(logger logrus.FieldLogger) *Memory {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Memory{current: MemoryBalanced, logger: logger}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Strategies() []string {
	return []string{MemoryConservative, MemoryBalanced, MemoryAggressive}
}

func (m *Memory) Current() string { return m.current }

// CurrentMetric reports the allocator pressure of the active profile. The
// gate snapshots it before a directive and compares against it after the
// observation window.
func (m *Memory) CurrentMetric() float64 {
	return memoryProfiles[m.current].pressure
}

func (m *Memory) Apply(strategy string) error {
	profile, ok := memoryProfiles[strategy]
	if !ok {
		return fmt.Errorf("%w: memory strategy %q", ErrUnknownStrategy, strategy)
	}
	m.current = strategy
	m.applied++
	m.logger.WithFields(logrus.Fields{
		"strategy":        strategy,
		"prealloc_pages":  profile.preallocPages,
		"low_watermark":   profile.lowWatermarkPct,
		"compact_on_free": profile.compactOnFree,
	}).Info("Memory allocation strategy applied")
	return nil
}

// AppliedCount reports how many strategy switches have taken effect.
func (m *Memory) AppliedCount() uint64 { return m.applied }
