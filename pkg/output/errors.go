package output

import "errors"

var (
	// ErrInvalidFlushInterval 刷新间隔必须为正
	ErrInvalidFlushInterval = errors.New("flush interval must be positive")
	// ErrOutputNotStarted 输出尚未启动
	ErrOutputNotStarted = errors.New("output not started")
)
