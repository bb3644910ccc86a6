package config

import (
	"time"

	"detsched/internal/gate"
	"detsched/internal/sched"
)

// Config is the top-level YAML configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gate      GateConfig      `yaml:"gate"`
	Predictor PredictorConfig `yaml:"predictor"`
	Control   ControlConfig   `yaml:"control"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"log_level"`
}

type SchedulerConfig struct {
	TickIntervalMS   int    `yaml:"tick_interval_ms"`
	CapacityBoundPPM uint32 `yaml:"capacity_bound_ppm"`
	MaxTasks         int    `yaml:"max_tasks"`
	AuditCapacity    int    `yaml:"audit_capacity"`
	MissPolicy       string `yaml:"miss_policy"`
}

type GateConfig struct {
	Subsystems map[string]SubsystemGateConfig `yaml:"subsystems"`
}

// SubsystemGateConfig is the per-subsystem gating policy. Enabled defaults
// to true when the section is present; set it to false to register the
// policy without activating the subsystem.
type SubsystemGateConfig struct {
	Enabled             *bool   `yaml:"enabled"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	CooldownMS          int     `yaml:"cooldown_ms"`
	ObservationWindowMS int     `yaml:"observation_window_ms"`
	RegressionTolerance float64 `yaml:"regression_tolerance"`
	RegressionFloor     float64 `yaml:"regression_floor"`
}

func (c SubsystemGateConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type PredictorConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type TelemetryConfig struct {
	HTTPListen       string `yaml:"http_listen"`
	InfluxEnabled    bool   `yaml:"influx_enabled"`
	InfluxHost       string `yaml:"influx_host"`
	InfluxOrg        string `yaml:"influx_org"`
	InfluxBucket     string `yaml:"influx_bucket"`
	ExportIntervalMS int    `yaml:"export_interval_ms"`
	SpoolDir         string `yaml:"spool_dir"`
}

// SchedConfig converts the YAML shape into the facade's config.
func (c *Config) SchedConfig() sched.Config {
	return sched.Config{
		TickInterval:     time.Duration(c.Scheduler.TickIntervalMS) * time.Millisecond,
		CapacityBoundPPM: c.Scheduler.CapacityBoundPPM,
		MaxTasks:         c.Scheduler.MaxTasks,
		AuditCapacity:    c.Scheduler.AuditCapacity,
		MissPolicy:       c.Scheduler.MissPolicy,
	}
}

// GatePolicies returns the gating policies for enabled subsystems.
func (c *Config) GatePolicies() map[string]gate.Policy {
	policies := make(map[string]gate.Policy, len(c.Gate.Subsystems))
	for name, sc := range c.Gate.Subsystems {
		if !sc.IsEnabled() {
			continue
		}
		policies[name] = gate.Policy{
			ConfidenceThreshold: sc.ConfidenceThreshold,
			Cooldown:            time.Duration(sc.CooldownMS) * time.Millisecond,
			ObservationWindow:   time.Duration(sc.ObservationWindowMS) * time.Millisecond,
			RegressionTolerance: sc.RegressionTolerance,
			RegressionFloor:     sc.RegressionFloor,
		}
	}
	return policies
}

func (c *Config) PredictInterval() time.Duration {
	return time.Duration(c.Predictor.IntervalMS) * time.Millisecond
}

func (c *Config) ExportInterval() time.Duration {
	return time.Duration(c.Telemetry.ExportIntervalMS) * time.Millisecond
}
