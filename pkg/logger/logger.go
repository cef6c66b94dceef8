// Package logger 提供带级别的日志工具，底层使用 zap，文件输出由 lumberjack 轮转。
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" env:"LE_LOG_LEVEL"`   // debug, info, warn, error
	Format     string `yaml:"format" env:"LE_LOG_FORMAT"` // json, console
	Output     string `yaml:"output" env:"LE_LOG_OUTPUT"` // stderr, stdout, file, both
	FilePath   string `yaml:"file_path" env:"LE_LOG_FILE"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

var (
	mu      sync.RWMutex
	sugar   *zap.SugaredLogger
	base    *zap.Logger
	atomLvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init 按配置重建日志实例，可重复调用。
func Init(cfg *Config) {
	l := newLogger(cfg)
	mu.Lock()
	old := base
	base = l
	sugar = l.Sugar()
	mu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
}

func newLogger(cfg *Config) *zap.Logger {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "console", Output: "stderr"}
	}
	if cfg.Level != "" {
		SetLevelFromString(cfg.Level)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	switch cfg.Output {
	case "stdout":
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), atomLvl))
	case "file":
	default:
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atomLvl))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), atomLvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// L 获取底层 zap 实例
func L() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		Init(nil)
		mu.RLock()
		l = base
		mu.RUnlock()
	}
	return l
}

func s() *zap.SugaredLogger {
	mu.RLock()
	l := sugar
	mu.RUnlock()
	if l == nil {
		Init(nil)
		mu.RLock()
		l = sugar
		mu.RUnlock()
	}
	return l
}

// SetLevel 设置日志级别
func SetLevel(level Level) {
	switch level {
	case LevelDebug:
		atomLvl.SetLevel(zapcore.DebugLevel)
	case LevelWarn:
		atomLvl.SetLevel(zapcore.WarnLevel)
	case LevelError:
		atomLvl.SetLevel(zapcore.ErrorLevel)
	default:
		atomLvl.SetLevel(zapcore.InfoLevel)
	}
}

// SetLevelFromString 从字符串设置日志级别
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetLevel(LevelDebug)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		SetLevel(LevelInfo)
	}
}

// EnableDebug 启用调试日志
func EnableDebug() { SetLevel(LevelDebug) }

// DisableDebug 禁用调试日志
func DisableDebug() { SetLevel(LevelInfo) }

// IsDebugEnabled 检查是否启用调试日志
func IsDebugEnabled() bool {
	return atomLvl.Enabled(zapcore.DebugLevel)
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	s().Debugf(format, args...)
}

// Info 输出信息日志
func Info(format string, args ...interface{}) {
	s().Infof(format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	s().Warnf(format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	s().Errorf(format, args...)
}

// Sync 同步日志
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

// Std 把包级日志函数包装为带方法的值，供需要日志接口的组件使用
type Std struct{}

func (Std) Debug(format string, args ...interface{}) { Debug(format, args...) }
func (Std) Info(format string, args ...interface{}) { Info(format, args...) }
func (Std) Warn(format string, args ...interface{}) { Warn(format, args...) }
func (Std) Error(format string, args ...interface{}) { Error(format, args...) }
