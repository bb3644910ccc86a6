package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"detsched/internal/logging"
	"detsched/internal/sched"
)

func LoadConfig(path string) (*Config, error) {
	config, _, err := LoadConfigWithContent(path)
	return config, err
}

// LoadConfigWithContent returns the parsed config plus the raw file
// content, which telemetry attaches to exported artifacts.
func LoadConfigWithContent(path string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	expanded := expandEnvVars(originalContent)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	setDefaults(&config)
	if err := validateConfig(&config); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}

	return &config, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func setDefaults(config *Config) {
	if config.Scheduler.TickIntervalMS == 0 {
		config.Scheduler.TickIntervalMS = 1
	}
	if config.Scheduler.CapacityBoundPPM == 0 {
		config.Scheduler.CapacityBoundPPM = 850_000
	}
	if config.Scheduler.MaxTasks == 0 {
		config.Scheduler.MaxTasks = 64
	}
	if config.Scheduler.AuditCapacity == 0 {
		config.Scheduler.AuditCapacity = 4096
	}
	if config.Scheduler.MissPolicy == "" {
		config.Scheduler.MissPolicy = sched.MissPolicyLog
	}
	if config.Predictor.IntervalMS == 0 {
		config.Predictor.IntervalMS = 1000
	}
	if config.Control.Listen == "" {
		config.Control.Listen = "127.0.0.1:7311"
	}
	if config.Telemetry.HTTPListen == "" {
		config.Telemetry.HTTPListen = "127.0.0.1:7312"
	}
	if config.Telemetry.ExportIntervalMS == 0 {
		config.Telemetry.ExportIntervalMS = 1000
	}
	if config.Telemetry.SpoolDir == "" {
		config.Telemetry.SpoolDir = "spool"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

func validateConfig(config *Config) error {
	if err := config.SchedConfig().Validate(); err != nil {
		return err
	}

	for name, sc := range config.Gate.Subsystems {
		if sc.ConfidenceThreshold < 0 || sc.ConfidenceThreshold > 1 {
			return fmt.Errorf("subsystem %s: confidence_threshold must be in [0, 1]", name)
		}
		if sc.CooldownMS < 0 {
			return fmt.Errorf("subsystem %s: cooldown_ms must not be negative", name)
		}
		if sc.ObservationWindowMS <= 0 && sc.IsEnabled() {
			return fmt.Errorf("subsystem %s: observation_window_ms must be greater than 0", name)
		}
		if sc.RegressionTolerance < 0 {
			return fmt.Errorf("subsystem %s: regression_tolerance must not be negative", name)
		}
		if sc.RegressionFloor < 0 {
			return fmt.Errorf("subsystem %s: regression_floor must not be negative", name)
		}
	}

	if config.Telemetry.InfluxEnabled {
		if config.Telemetry.InfluxHost == "" || config.Telemetry.InfluxOrg == "" || config.Telemetry.InfluxBucket == "" {
			return fmt.Errorf("incomplete influx configuration")
		}
	}

	return nil
}
