package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/types"
)

func TestValidateDefaultConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		errorField string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:       "zero vus",
			modify:     func(c *Config) { c.Execution.VUs = 0 },
			errorField: "execution.vus",
		},
		{
			name:       "unknown executor",
			modify:     func(c *Config) { c.Execution.Executor = "ramping-arrival-rate" },
			errorField: "execution.executor",
		},
		{
			name: "ramping without stages",
			modify: func(c *Config) {
				c.Execution.Executor = "ramping-vus"
			},
			errorField: "execution.stages",
		},
		{
			name: "negative stage target",
			modify: func(c *Config) {
				c.Execution.Executor = "ramping-vus"
				c.Execution.Stages = []types.Stage{{Duration: time.Second, Target: -1}}
			},
			errorField: "execution.stages[0]",
		},
		{
			name: "constant vus without duration",
			modify: func(c *Config) {
				c.Execution.Executor = "constant-vus"
			},
			errorField: "execution.duration",
		},
		{
			name: "arrival rate max below preallocated",
			modify: func(c *Config) {
				c.Execution.Executor = "constant-arrival-rate"
				c.Execution.Rate = 10
				c.Execution.Duration = time.Minute
				c.Execution.PreAllocatedVUs = 5
				c.Execution.MaxVUs = 2
			},
			errorField: "execution.max_vus",
		},
		{
			name:       "bad threshold",
			modify:     func(c *Config) { c.Thresholds["http_req_duration"] = []engine.ThresholdConfig{{Expression: "p95 < 2s"}} },
			errorField: "thresholds",
		},
		{
			name:       "bad output spec",
			modify:     func(c *Config) { c.Outputs = []string{"=x"} },
			errorField: "outputs[0]",
		},
		{
			name:       "bad failure policy",
			modify:     func(c *Config) { c.Scenario.FailurePolicy = "retry" },
			errorField: "scenario.failure_policy",
		},
		{
			name:       "bad base url",
			modify:     func(c *Config) { c.HTTP.BaseURL = "localhost:8081" },
			errorField: "http.base_url",
		},
		{
			name:       "bad log level",
			modify:     func(c *Config) { c.Logging.Level = "trace" },
			errorField: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.errorField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, e := range verrs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.errorField)
		})
	}
}

func TestValidationErrorsCollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.VUs = 0
	cfg.Execution.Iterations = 0
	cfg.Scenario.Name = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "configuration validation failed:"))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 3)
}
