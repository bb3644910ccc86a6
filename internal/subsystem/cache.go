package subsystem

import (
	"fmt"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

// Cache partitioning strategies: how much L3 and memory bandwidth the
// real-time class receives relative to best-effort work.
const (
	CacheShared    = "shared"
	CacheReserved  = "reserved"
	CacheExclusive = "exclusive"
)

const rtClassName = "detsched-rt"

type cacheProfile struct {
	l3 rdt.CacheProportion
	mb rdt.MbProportion
}

var cacheProfiles = map[string]cacheProfile{
	CacheShared:    {l3: "100%", mb: "100%"},
	CacheReserved:  {l3: "60%", mb: "70%"},
	CacheExclusive: {l3: "40%", mb: "50%"},
}

// Cache partitions the last-level cache through resctrl. Hosts without
// RDT support get a no-op that still tracks the selected strategy, so the
// gate's propose/rollback cycle behaves identically everywhere.
type Cache struct {
	current   string
	hwBacked  bool
	logger    logrus.FieldLogger
	setConfig func(*rdt.Config, bool) error
}

func NewCache(logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Cache{
		current:   CacheShared,
		hwBacked:  rdt.MonSupported(),
		logger:    logger,
		setConfig: rdt.SetConfig,
	}
	if !c.hwBacked {
		logger.Info("RDT not supported, cache strategies tracked without hardware effect")
	}
	return c
}

func (c *Cache) Name() string { return "cache" }

func (c *Cache) Strategies() []string {
	return []string{CacheShared, CacheReserved, CacheExclusive}
}

func (c *Cache) Current() string { return c.current }

// CurrentMetric reports zero: there is no occupancy signal without hardware
// cache monitoring, so callers fall back to scheduler jitter.
func (c *Cache) CurrentMetric() float64 { return 0 }

func (c *Cache) Apply(strategy string) error {
	profile, ok := cacheProfiles[strategy]
	if !ok {
		return fmt.Errorf("%w: cache strategy %q", ErrUnknownStrategy, strategy)
	}
	if c.hwBacked {
		if err := c.setConfig(classConfig(profile), false); err != nil {
			return fmt.Errorf("failed to apply cache strategy %s: %w", strategy, err)
		}
	}
	c.current = strategy
	c.logger.WithFields(logrus.Fields{
		"strategy":  strategy,
		"l3":        string(profile.l3),
		"mb":        string(profile.mb),
		"hw_backed": c.hwBacked,
	}).Info("Cache partitioning strategy applied")
	return nil
}

func classConfig(profile cacheProfile) *rdt.Config {
	classes := map[string]struct {
		L2Allocation rdt.CatConfig         `json:"l2Allocation"`
		L3Allocation rdt.CatConfig         `json:"l3Allocation"`
		MBAllocation rdt.MbaConfig         `json:"mbAllocation"`
		Kubernetes   rdt.KubernetesOptions `json:"kubernetes"`
	}{
		rtClassName: {
			L3Allocation: rdt.CatConfig{
				rdt.CacheIdAll: rdt.CacheIdCatConfig{Unified: profile.l3},
			},
			MBAllocation: rdt.MbaConfig{
				rdt.CacheIdAll: rdt.CacheIdMbaConfig{profile.mb},
			},
		},
	}

	return &rdt.Config{
		Partitions: map[string]struct {
			L2Allocation rdt.CatConfig `json:"l2Allocation"`
			L3Allocation rdt.CatConfig `json:"l3Allocation"`
			MBAllocation rdt.MbaConfig `json:"mbAllocation"`
			Classes      map[string]struct {
				L2Allocation rdt.CatConfig         `json:"l2Allocation"`
				L3Allocation rdt.CatConfig         `json:"l3Allocation"`
				MBAllocation rdt.MbaConfig         `json:"mbAllocation"`
				Kubernetes   rdt.KubernetesOptions `json:"kubernetes"`
			} `json:"classes"`
		}{
			"": {
				L3Allocation: rdt.CatConfig{
					rdt.CacheIdAll: rdt.CacheIdCatConfig{Unified: rdt.CacheProportion("100%")},
				},
				MBAllocation: rdt.MbaConfig{
					rdt.CacheIdAll: rdt.CacheIdMbaConfig{rdt.MbProportion("100%")},
				},
				Classes: classes,
			},
		},
	}
}
