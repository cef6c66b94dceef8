package execution

import "errors"

var (
	// ErrNilConfig is returned when the configuration is nil.
	ErrNilConfig = errors.New("execution mode config is nil")

	// ErrNilIterationFunc is returned when the iteration function is nil.
	ErrNilIterationFunc = errors.New("iteration function is nil")

	// ErrNoStages is returned when no stages are defined for ramping modes.
	ErrNoStages = errors.New("no stages defined for ramping mode")

	// ErrInvalidStage is returned for a stage with a negative duration or target.
	ErrInvalidStage = errors.New("invalid stage: duration and target must not be negative")

	// ErrInvalidVUs is returned when the VU count is not positive.
	ErrInvalidVUs = errors.New("invalid vus: must be positive")

	// ErrInvalidIterations is returned when the iteration count is not positive.
	ErrInvalidIterations = errors.New("invalid iterations: must be positive")

	// ErrInvalidRate is returned when the rate is invalid.
	ErrInvalidRate = errors.New("invalid rate: must be positive")

	// ErrInvalidTimeUnit is returned when the time unit is invalid.
	ErrInvalidTimeUnit = errors.New("invalid time unit: must be positive")

	// ErrInvalidDuration is returned when a duration based mode has no duration.
	ErrInvalidDuration = errors.New("invalid duration: must be positive")

	// ErrModeAlreadyRunning is returned when trying to start a mode that is already running.
	ErrModeAlreadyRunning = errors.New("execution mode is already running")

	// ErrUnknownMode is returned for an executor name with no registered mode.
	ErrUnknownMode = errors.New("unknown execution mode")

	// ErrStopVU can be returned (wrapped) by an iteration to retire its VU.
	ErrStopVU = errors.New("vu stopped by iteration")
)
