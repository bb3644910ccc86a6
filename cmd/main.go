// Package cmd wires the detsched daemon and its command-line surface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"detsched/internal/clock"
	"detsched/internal/config"
	"detsched/internal/control"
	"detsched/internal/controlloop"
	"detsched/internal/logging"
	"detsched/internal/predictor"
	"detsched/internal/sched"
	"detsched/internal/subsystem"
	"detsched/internal/telemetry"
)

const Version = "0.3.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func validateInfluxEnvironment() error {
	logger := logging.GetLogger()

	requiredVars := []string{"INFLUXDB_TOKEN"}
	var missing []string
	for _, varName := range requiredVars {
		if os.Getenv(varName) == "" {
			missing = append(missing, varName)
		}
	}
	if len(missing) > 0 {
		logger.WithField("missing_vars", missing).Error("Missing required environment variables")
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// Execute is the process entry point behind main.
func Execute() error {
	loadEnvironment()

	var configFile string
	var ctlAddr string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     "detsched",
		Short:   "Deterministic temporal-isolation scheduler",
		Long:    "A budget-enforcing EDF scheduler daemon with a rate-limited autonomous directive gate",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to configuration file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(configFile); err != nil {
				return err
			}
			fmt.Printf("Configuration %s is valid\n", configFile)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to configuration file")

	ctlCmd := &cobra.Command{
		Use:   "ctl <command...>",
		Short: "Send a command to a running daemon",
		Long:  "Send a control command (e.g. 'det status', 'det on 2000000 10000000 10000000', 'audit last 20') to a running daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := control.Send(ctlAddr, strings.Join(args, " "))
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	ctlCmd.Flags().StringVar(&ctlAddr, "addr", "127.0.0.1:7311", "Control server address")

	rootCmd.AddCommand(runCmd, validateCmd, ctlCmd)
	return rootCmd.Execute()
}

func runDaemon(configFile string) error {
	logger := logging.GetLogger()

	cfg, configContent, err := config.LoadConfigWithContent(configFile)
	if err != nil {
		return err
	}
	if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level in config: %w", err)
	}

	registry := subsystem.NewRegistry()
	registry.Register(subsystem.NewMemory(logging.GetGateLogger()))
	if cacheCfg, ok := cfg.Gate.Subsystems["cache"]; ok && cacheCfg.IsEnabled() {
		registry.Register(subsystem.NewCache(logging.GetGateLogger()))
	}

	scheduler := sched.New(
		cfg.SchedConfig(),
		clock.NewMonotonic(),
		registry,
		cfg.GatePolicies(),
		logging.GetSchedulerLogger(),
	)
	scheduler.Enable()

	loop := controlloop.New(
		scheduler,
		predictor.NewHeuristic(logging.GetGateLogger()),
		cfg.PredictInterval(),
		logging.GetGateLogger(),
	)

	spool := telemetry.NewSpool(cfg.Telemetry.SpoolDir, configContent)
	controlServer := control.NewServer(scheduler, spool, logger)
	httpServer := telemetry.NewHTTPServer(scheduler, logger)

	var exporter *telemetry.Exporter
	if cfg.Telemetry.InfluxEnabled {
		if err := validateInfluxEnvironment(); err != nil {
			return err
		}
		influx, err := telemetry.NewInfluxClient(telemetry.InfluxConfig{
			Host:   cfg.Telemetry.InfluxHost,
			Token:  os.Getenv("INFLUXDB_TOKEN"),
			Org:    cfg.Telemetry.InfluxOrg,
			Bucket: cfg.Telemetry.InfluxBucket,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize influx telemetry: %w", err)
		}
		defer influx.Close()
		exporter = telemetry.NewExporter(scheduler, influx, cfg.ExportInterval(), logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithField("version", Version).Info("Starting detsched daemon")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return controlServer.ListenAndServe(ctx, cfg.Control.Listen) })
	g.Go(func() error { return httpServer.ListenAndServe(ctx, cfg.Telemetry.HTTPListen) })
	if exporter != nil {
		g.Go(func() error { return exporter.Run(ctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("Daemon stopped")
		return nil
	}
	return err
}
