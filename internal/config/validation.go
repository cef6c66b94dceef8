package config

import (
	"fmt"
	"net/url"
	"strings"

	"yqhp/load-engine/internal/execution"
	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/internal/vu"
	"yqhp/load-engine/pkg/output"
	"yqhp/load-engine/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors   ValidationErrors
	registry *execution.Registry
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{registry: execution.DefaultRegistry}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, &ValidationError{Field: field, Message: message})
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	v.validateScenario(&cfg.Scenario)
	v.validateExecution(&cfg.Execution)
	v.validateHTTP(&cfg.HTTP)
	v.validateThresholds(cfg.Thresholds)
	v.validateOutputs(cfg.Outputs)
	v.validateMetrics(&cfg.Metrics)
	v.validateLogging(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateScenario(cfg *ScenarioConfig) {
	if cfg.Name == "" {
		v.addError("scenario.name", "must not be empty")
	}
	if _, err := vu.ParseFailurePolicy(cfg.FailurePolicy); err != nil {
		v.addError("scenario.failure_policy", err.Error())
	}
	if cfg.Wallets < 0 {
		v.addError("scenario.wallets", "must not be negative")
	}
	if cfg.Transactions < 0 {
		v.addError("scenario.transactions", "must not be negative")
	}
	if cfg.Debts < 0 {
		v.addError("scenario.debts", "must not be negative")
	}
	if cfg.ThinkTime < 0 {
		v.addError("scenario.think_time", "must not be negative")
	}
}

func (v *Validator) validateExecution(cfg *ExecutionConfig) {
	mode := execution.Resolve(types.ExecutionMode(cfg.Executor))
	if !v.registry.Has(mode) {
		v.addError("execution.executor", fmt.Sprintf("unknown executor %q, must be one of %v", cfg.Executor, v.registry.List()))
		return
	}
	if cfg.GracefulStop < 0 {
		v.addError("execution.graceful_stop", "must not be negative")
	}

	switch mode {
	case types.ModePerVUIterations, types.ModeSharedIterations:
		if cfg.VUs <= 0 {
			v.addError("execution.vus", "must be positive")
		}
		if cfg.Iterations <= 0 {
			v.addError("execution.iterations", "must be positive")
		}
		if cfg.MaxDuration < 0 {
			v.addError("execution.max_duration", "must not be negative")
		}
	case types.ModeConstantVUs:
		if cfg.VUs <= 0 {
			v.addError("execution.vus", "must be positive")
		}
		if cfg.Duration <= 0 {
			v.addError("execution.duration", "must be positive")
		}
	case types.ModeRampingVUs:
		if cfg.StartVUs < 0 {
			v.addError("execution.start_vus", "must not be negative")
		}
		if len(cfg.Stages) == 0 {
			v.addError("execution.stages", "at least one stage is required")
		}
		for i, s := range cfg.Stages {
			if s.Duration < 0 || s.Target < 0 {
				v.addError(fmt.Sprintf("execution.stages[%d]", i), "duration and target must not be negative")
			}
		}
	case types.ModeConstantArrivalRate:
		if cfg.Rate <= 0 {
			v.addError("execution.rate", "must be positive")
		}
		if cfg.TimeUnit <= 0 {
			v.addError("execution.time_unit", "must be positive")
		}
		if cfg.Duration <= 0 {
			v.addError("execution.duration", "must be positive")
		}
		if cfg.PreAllocatedVUs <= 0 {
			v.addError("execution.pre_allocated_vus", "must be positive")
		}
		if cfg.MaxVUs > 0 && cfg.MaxVUs < cfg.PreAllocatedVUs {
			v.addError("execution.max_vus", "must not be less than pre_allocated_vus")
		}
	}
}

func (v *Validator) validateHTTP(cfg *HTTPConfig) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.addError("http.base_url", fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}
	if cfg.Timeout < 0 {
		v.addError("http.timeout", "must not be negative")
	}
	if cfg.RPS < 0 {
		v.addError("http.rps", "must not be negative")
	}
}

func (v *Validator) validateThresholds(defs map[string][]engine.ThresholdConfig) {
	if _, err := engine.NewThresholds(defs); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			v.addError("thresholds", line)
		}
	}
}

func (v *Validator) validateOutputs(specs []string) {
	for i, spec := range specs {
		if _, _, err := output.ParseSpec(spec); err != nil {
			v.addError(fmt.Sprintf("outputs[%d]", i), err.Error())
		}
	}
}

func (v *Validator) validateMetrics(cfg *MetricsConfig) {
	if cfg.FlushInterval < 0 {
		v.addError("metrics.flush_interval", "must not be negative")
	}
}

func (v *Validator) validateLogging(cfg *Config) {
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}
}

// Validate is a convenience function to validate a configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return Validate(c)
}
