// Package types holds the plain data types shared by the executor, the
// configuration loader and the CLI.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecutionMode defines the executor policy.
type ExecutionMode string

const (
	// ModePerVUIterations has each VU execute a fixed number of iterations.
	ModePerVUIterations ExecutionMode = "per-vu-iterations"
	// ModeRampingVUs adjusts VU count according to stages.
	ModeRampingVUs ExecutionMode = "ramping-vus"
	// ModeConstantVUs maintains a fixed number of VUs for a duration.
	ModeConstantVUs ExecutionMode = "constant-vus"
	// ModeSharedIterations distributes total iterations across all VUs.
	ModeSharedIterations ExecutionMode = "shared-iterations"
	// ModeConstantArrivalRate starts iterations at a fixed rate.
	ModeConstantArrivalRate ExecutionMode = "constant-arrival-rate"
)

// Stage defines one segment of a ramping profile.
type Stage struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Target   int           `yaml:"target" json:"target"`
}

func (s Stage) String() string {
	return fmt.Sprintf("%s:%d", s.Duration, s.Target)
}

// ParseStage parses "30s:10" into a Stage.
func ParseStage(s string) (Stage, error) {
	d, t, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Stage{}, fmt.Errorf("stage %q: want duration:target", s)
	}
	dur, err := time.ParseDuration(strings.TrimSpace(d))
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: %w", s, err)
	}
	target, err := strconv.Atoi(strings.TrimSpace(t))
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: bad target: %w", s, err)
	}
	if dur < 0 || target < 0 {
		return Stage{}, fmt.Errorf("stage %q: duration and target must not be negative", s)
	}
	return Stage{Duration: dur, Target: target}, nil
}

// ParseStages parses a comma separated list such as "30s:10,1m:10,30s:0".
func ParseStages(s string) ([]Stage, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	stages := make([]Stage, 0, len(parts))
	for _, p := range parts {
		st, err := ParseStage(p)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// TotalDuration sums the stage durations.
func TotalDuration(stages []Stage) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += s.Duration
	}
	return total
}

// MaxTarget returns the largest stage target, at least start.
func MaxTarget(start int, stages []Stage) int {
	max := start
	for _, s := range stages {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}
