package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/opencaptable/waterfall/internal/audit"
	"github.com/opencaptable/waterfall/internal/captable"
	"github.com/opencaptable/waterfall/internal/config"
	"github.com/opencaptable/waterfall/internal/scenario"
	"github.com/opencaptable/waterfall/internal/waterfall"
	"github.com/opencaptable/waterfall/pkg/output"
)

const defaultConfigFile = "config.yaml"

var (
	configLocation   string
	outputFormatFlag string
	logLevelFlag     string
)

// initializeLogger creates a zap logger based on configuration and CLI override.
func initializeLogger(loggingConfig config.LoggingConfig, logLevelOverride string) (*zap.Logger, error) {
	level := loggingConfig.Level
	if logLevelOverride != "" {
		level = logLevelOverride
	}
	if level == "" {
		level = "info"
	}

	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	format := loggingConfig.Format
	if format == "" {
		format = "json"
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	if loggingConfig.OutputFile != "" {
		if dir := filepath.Dir(loggingConfig.OutputFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory %s: %v", dir, err)
			}
		}
		if file, err := os.OpenFile(loggingConfig.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %v", loggingConfig.OutputFile, err)
		} else {
			_ = file.Close()
		}
		cfg.OutputPaths = []string{loggingConfig.OutputFile}
		cfg.ErrorOutputPaths = []string{loggingConfig.OutputFile}
	}

	return cfg.Build()
}

// setup loads configuration, builds the logger, surfaces validation
// warnings, and normalizes the cap table.
func setup() (*config.Configuration, *zap.Logger, captable.Snapshot, error) {
	conf, err := config.LoadConfiguration(configLocation)
	if err != nil {
		return nil, nil, captable.Snapshot{}, fmt.Errorf("failed to load configuration at %s: %w", configLocation, err)
	}

	logger, err := initializeLogger(conf.Logging, logLevelFlag)
	if err != nil {
		return nil, nil, captable.Snapshot{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	for _, warning := range conf.ValidateConfiguration() {
		logger.Warn("Configuration warning: "+warning,
			zap.String("op", "main"),
		)
	}

	raw, err := conf.Snapshot()
	if err != nil {
		return nil, logger, captable.Snapshot{}, err
	}
	snap, err := captable.Normalize(logger, raw)
	if err != nil {
		return nil, logger, captable.Snapshot{}, err
	}

	return conf, logger, snap, nil
}

func outputFormat(conf *config.Configuration) (string, error) {
	format := conf.Output.Format
	if outputFormatFlag != "" {
		format = outputFormatFlag
	}
	if format == "" {
		format = output.FormatPretty
	}
	return format, output.ValidateFormat(format)
}

func writeAuditTrail(conf *config.Configuration, logger *zap.Logger, trail *audit.Trail) {
	if conf.Output.AuditFile == "" || trail == nil {
		return
	}
	payload := struct {
		RunID string       `yaml:"runId"`
		Steps []audit.Step `yaml:"steps"`
	}{RunID: trail.RunID, Steps: trail.Steps()}
	data, err := yaml.Marshal(payload)
	if err == nil {
		err = os.WriteFile(conf.Output.AuditFile, data, 0644)
	}
	if err != nil {
		logger.Error("failed to write audit trail",
			zap.String("op", "main"),
			zap.String("file", conf.Output.AuditFile),
			zap.Error(err),
		)
		return
	}
	logger.Info("audit trail written",
		zap.String("op", "main"),
		zap.String("file", conf.Output.AuditFile),
		zap.Int("steps", trail.Len()),
	)
}

func runBreakpoints(cmd *cobra.Command, _ []string) error {
	conf, logger, snap, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	format, err := outputFormat(conf)
	if err != nil {
		return err
	}

	trail := audit.New()
	sched, err := waterfall.NewAnalyzer(logger).Analyze(trail, snap)
	if err != nil {
		return err
	}
	writeAuditTrail(conf, logger, trail)

	switch format {
	case output.FormatJSON:
		return output.JSONFormat(cmd.OutOrStdout(), sched, nil)
	default:
		output.PrettyFormat(cmd.OutOrStdout(), sched, nil)
	}
	return nil
}

func runValue(cmd *cobra.Command, _ []string) error {
	conf, logger, snap, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	format, err := outputFormat(conf)
	if err != nil {
		return err
	}

	orch := scenario.New(logger)
	result, err := orch.Evaluate(cmd.Context(), snap, conf.PricingParams(), conf.ScenarioDefinitions())
	if err != nil {
		return err
	}
	writeAuditTrail(conf, logger, result.Trail)

	sched, err := waterfall.NewAnalyzer(logger).Analyze(audit.New(), snap)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.JSONFormat(cmd.OutOrStdout(), sched, result)
	case output.FormatCSV:
		output.CsvFormat(cmd.OutOrStdout(), result)
	default:
		output.PrettyFormat(cmd.OutOrStdout(), sched, result)
	}
	return nil
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	conf, logger, snap, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	target, ok := conf.CalibrationTarget()
	if !ok {
		return fmt.Errorf("no calibration section in configuration at %s", configLocation)
	}
	format, err := outputFormat(conf)
	if err != nil {
		return err
	}

	orch := scenario.New(logger)
	calibrated, err := orch.Calibrate(cmd.Context(), snap, conf.PricingParams(), conf.ScenarioDefinitions(), target)
	if err != nil {
		return err
	}
	writeAuditTrail(conf, logger, calibrated.Allocation.Trail)

	fmt.Fprintf(cmd.OutOrStdout(), "calibrated %s = %s (%d iterations, residual %s)\n",
		calibrated.Parameter, calibrated.Value, calibrated.Iterations, calibrated.Residual)
	switch format {
	case output.FormatJSON:
		return output.JSONFormat(cmd.OutOrStdout(), nil, calibrated.Allocation)
	case output.FormatCSV:
		output.CsvFormat(cmd.OutOrStdout(), calibrated.Allocation)
	default:
		output.PrettyFormat(cmd.OutOrStdout(), mustSchedule(logger, snap), calibrated.Allocation)
	}
	return nil
}

func mustSchedule(logger *zap.Logger, snap captable.Snapshot) *waterfall.Schedule {
	sched, err := waterfall.NewAnalyzer(logger).Analyze(audit.New(), snap)
	if err != nil {
		return &waterfall.Schedule{}
	}
	return sched
}

func main() {
	root := &cobra.Command{
		Use:           "waterfall",
		Short:         "Equity waterfall and option-pricing valuation engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configLocation, "config", defaultConfigFile, "path to configuration file")
	root.PersistentFlags().StringVar(&outputFormatFlag, "output-format", "", "type of output override: pretty, csv, json")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "breakpoints",
			Short: "Compute and print the breakpoint schedule",
			RunE:  runBreakpoints,
		},
		&cobra.Command{
			Use:   "value",
			Short: "Price the cap table across all scenarios",
			RunE:  runValue,
		},
		&cobra.Command{
			Use:   "calibrate",
			Short: "Solve a pricing parameter to hit a target fair value",
			RunE:  runCalibrate,
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
