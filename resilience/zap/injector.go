package zap

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// The facade's Log method sits between the caller and zap, so caller
// annotations must skip exactly one frame.
const callerSkipFrames = 1

// Environment selects the baseline zap profile a logger is built from.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentUAT         Environment = "uat"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// devLike reports whether e gets the development profile and a debug default.
func (e Environment) devLike() bool {
	return e == EnvironmentDevelopment || e == EnvironmentLocal
}

// Config describes how to build a logger. Level overrides the environment's
// default level when non-empty; it accepts any name zapcore understands
// ("debug", "info", "warn", "error").
type Config struct {
	Environment Environment
	Level       string
}

func (c Config) validate() error {
	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentUAT, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
}

// New builds a JSON structured logger for the given environment. The
// returned zap.AtomicLevel adjusts the log level at runtime; the same handle
// is reachable later through (*Logger).Level.
func New(cfg Config) (*Logger, zap.AtomicLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: %w", err)
	}

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	base := buildConfigByEnvironment(cfg.Environment)
	base.Level = level
	base.DisableStacktrace = true

	built, err := base.Build(zap.AddCallerSkip(callerSkipFrames))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{logger: built, atomicLevel: level}, level, nil
}

// resolveLevel picks the starting level: an explicit Level wins, dev-like
// environments default to debug, everything else to info.
func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	name := strings.TrimSpace(cfg.Level)
	if name == "" {
		if cfg.Environment.devLike() {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	var parsed zapcore.Level
	if err := parsed.Set(name); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
	}

	return zap.NewAtomicLevelAt(parsed), nil
}

// buildConfigByEnvironment returns the zap profile for the environment,
// normalized to JSON output with capitalized level names in both profiles.
func buildConfigByEnvironment(environment Environment) zap.Config {
	cfg := zap.NewProductionConfig()
	if environment.devLike() {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	return cfg
}
