package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"yqhp/load-engine/internal/execution"
	"yqhp/load-engine/internal/metrics/engine"
	"yqhp/load-engine/pkg/logger"
	"yqhp/load-engine/pkg/types"
)

// Config is the complete configuration of one run.
type Config struct {
	Scenario   ScenarioConfig                      `yaml:"scenario"`
	Execution  ExecutionConfig                     `yaml:"execution"`
	HTTP       HTTPConfig                          `yaml:"http"`
	Thresholds map[string][]engine.ThresholdConfig `yaml:"thresholds,omitempty"`
	Outputs    []string                            `yaml:"outputs,omitempty" env:"LE_OUT"`
	Metrics    MetricsConfig                       `yaml:"metrics"`
	Summary    SummaryConfig                       `yaml:"summary"`
	History    HistoryConfig                       `yaml:"history"`
	Logging    logger.Config                       `yaml:"logging"`
}

// ScenarioConfig selects the scenario and its knobs.
type ScenarioConfig struct {
	Name          string            `yaml:"name" env:"LE_SCENARIO"`
	FailurePolicy string            `yaml:"failure_policy" env:"LE_FAILURE_POLICY"`
	Env           map[string]string `yaml:"env,omitempty"`
	Tags          map[string]string `yaml:"tags,omitempty" env:"LE_TAGS"`
	Wallets       int               `yaml:"wallets" env:"LE_WALLETS"`
	Transactions  int               `yaml:"transactions" env:"LE_TRANSACTIONS"`
	Debts         int               `yaml:"debts" env:"LE_DEBTS"`
	Password      string            `yaml:"password" env:"LE_USER_PASSWORD"`
	ThinkTime     time.Duration     `yaml:"think_time" env:"LE_THINK_TIME"`
}

// ExecutionConfig holds executor settings.
type ExecutionConfig struct {
	Executor        string        `yaml:"executor" env:"LE_EXECUTOR"`
	VUs             int           `yaml:"vus" env:"LE_VUS"`
	Iterations      int           `yaml:"iterations" env:"LE_ITERATIONS"`
	Duration        time.Duration `yaml:"duration" env:"LE_DURATION"`
	MaxDuration     time.Duration `yaml:"max_duration" env:"LE_MAX_DURATION"`
	StartVUs        int           `yaml:"start_vus" env:"LE_START_VUS"`
	Stages          []types.Stage `yaml:"stages,omitempty" env:"LE_STAGES"`
	Rate            int           `yaml:"rate" env:"LE_RATE"`
	TimeUnit        time.Duration `yaml:"time_unit" env:"LE_TIME_UNIT"`
	PreAllocatedVUs int           `yaml:"pre_allocated_vus" env:"LE_PRE_ALLOCATED_VUS"`
	MaxVUs          int           `yaml:"max_vus" env:"LE_MAX_VUS"`
	GracefulStop    time.Duration `yaml:"graceful_stop" env:"LE_GRACEFUL_STOP"`
}

// HTTPConfig holds HTTP client settings.
type HTTPConfig struct {
	BaseURL         string            `yaml:"base_url" env:"LE_BASE_URL"`
	Timeout         time.Duration     `yaml:"timeout" env:"LE_HTTP_TIMEOUT"`
	RPS             float64           `yaml:"rps" env:"LE_RPS"`
	Headers         map[string]string `yaml:"headers,omitempty" env:"LE_HTTP_HEADERS"`
	MaxConnsPerHost int               `yaml:"max_conns_per_host" env:"LE_MAX_CONNS_PER_HOST"`
	UserAgent       string            `yaml:"user_agent" env:"LE_USER_AGENT"`
}

// MetricsConfig holds metric stream settings.
type MetricsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" env:"LE_FLUSH_INTERVAL"`
	MaxBuffered   int           `yaml:"max_buffered" env:"LE_MAX_BUFFERED"`
	SubmetricTags []string      `yaml:"submetric_tags" env:"LE_SUBMETRIC_TAGS"`
}

// SummaryConfig controls the end-of-run summary.
type SummaryConfig struct {
	// Export 为本地路径或 minio://bucket/key
	Export string      `yaml:"export" env:"LE_SUMMARY_EXPORT"`
	Quiet  bool        `yaml:"quiet" env:"LE_QUIET"`
	Minio  MinioConfig `yaml:"minio"`
}

// MinioConfig holds object storage credentials for summary export.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" env:"LE_MINIO_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"LE_MINIO_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"LE_MINIO_SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"LE_MINIO_USE_SSL"`
	Region    string `yaml:"region" env:"LE_MINIO_REGION"`
}

// HistoryConfig 运行历史存储
type HistoryConfig struct {
	DSN string `yaml:"dsn" env:"LE_HISTORY_DSN"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Scenario: ScenarioConfig{
			Name:          "registration",
			FailurePolicy: "abort-iteration",
			Env:           make(map[string]string),
			Wallets:       10,
			Transactions:  7000,
			Debts:         1000,
			Password:      "LoadTest123!",
			ThinkTime:     500 * time.Millisecond,
		},
		Execution: ExecutionConfig{
			Executor:     string(types.ModePerVUIterations),
			VUs:          1,
			Iterations:   1,
			MaxDuration:  10 * time.Minute,
			TimeUnit:     time.Second,
			GracefulStop: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			BaseURL:         "http://localhost:8081",
			Timeout:         60 * time.Second,
			Headers:         make(map[string]string),
			MaxConnsPerHost: 1000,
			UserAgent:       "load-engine",
		},
		Thresholds: make(map[string][]engine.ThresholdConfig),
		Metrics: MetricsConfig{
			FlushInterval: 50 * time.Millisecond,
			MaxBuffered:   1024,
			SubmetricTags: []string{"name", "check"},
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envFiles   []string
	envPrefix  string
	cmdArgs    map[string]string
	outputs    []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "LE_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvFiles sets .env files loaded before environment overrides.
// Variables already present in the environment win.
func (l *Loader) WithEnvFiles(paths ...string) *Loader {
	l.envFiles = paths
	return l
}

// WithEnvPrefix sets the prefix for environment variables.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets command-line arguments for configuration override,
// keyed by dot-notation path such as "execution.vus".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithOutputs replaces the configured outputs with specs taken verbatim
// from repeated command-line flags. Unlike WithCmdArgs nothing is split
// on commas, so query strings survive. A nil slice leaves outputs alone.
func (l *Loader) WithOutputs(specs []string) *Loader {
	l.outputs = specs
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < .env files < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	env, err := l.environment()
	if err != nil {
		return nil, fmt.Errorf("读取 .env 文件失败: %w", err)
	}
	if err := l.applyEnvOverrides(cfg, env); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	if err := l.applyCmdOverrides(cfg); err != nil {
		return nil, fmt.Errorf("应用命令行参数覆盖失败: %w", err)
	}
	if l.outputs != nil {
		cfg.Outputs = slices.Clone(l.outputs)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 配置文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// environment merges the .env files under the process environment.
func (l *Loader) environment() (map[string]string, error) {
	env := make(map[string]string)
	for _, path := range l.envFiles {
		values, err := godotenv.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for k, v := range values {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (l *Loader) applyEnvOverrides(cfg *Config, env map[string]string) error {
	// 与脚本保持一致，BASE_URL 优先级低于 LE_BASE_URL
	if v := env["BASE_URL"]; v != "" {
		cfg.HTTP.BaseURL = v
	}
	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem(), env); err != nil {
		return err
	}
	// 场景可以通过 Env 读取所有 LE_ENV_ 前缀的变量
	for k, v := range env {
		if name, ok := strings.CutPrefix(k, l.envPrefix+"ENV_"); ok && name != "" {
			if cfg.Scenario.Env == nil {
				cfg.Scenario.Env = make(map[string]string)
			}
			cfg.Scenario.Env[name] = v
		}
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value, env map[string]string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field, env); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if l.envPrefix != "LE_" {
			envTag = l.envPrefix + strings.TrimPrefix(envTag, "LE_")
		}

		envValue := env[envTag]
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// applyCmdOverrides applies command-line argument overrides to the configuration.
func (l *Loader) applyCmdOverrides(cfg *Config) error {
	for key, value := range l.cmdArgs {
		if err := l.setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by dot-notation path using the
// yaml field names.
func (l *Loader) setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == name || strings.EqualFold(t.Field(i).Name, strings.ReplaceAll(name, "_", "")) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	stagesType   = reflect.TypeOf([]types.Stage(nil))
)

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	if field.Type() == stagesType {
		stages, err := types.ParseStages(value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(stages))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的 map 类型")
		}
		m := make(map[string]string)
		for _, pair := range strings.Split(value, ",") {
			k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok {
				m[strings.TrimSpace(k)] = strings.TrimSpace(val)
			}
		}
		field.Set(reflect.ValueOf(m))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// ModeConfig converts the execution settings. The iteration function and
// hooks are filled in by the caller.
func (c *Config) ModeConfig() (types.ExecutionMode, *execution.ModeConfig) {
	e := c.Execution
	mc := &execution.ModeConfig{
		VUs:             e.VUs,
		Iterations:      e.Iterations,
		Duration:        e.Duration,
		StartVUs:        e.StartVUs,
		Stages:          e.Stages,
		Rate:            e.Rate,
		TimeUnit:        e.TimeUnit,
		PreAllocatedVUs: e.PreAllocatedVUs,
		MaxVUs:          e.MaxVUs,
		GracefulStop:    e.GracefulStop,
	}
	mode := execution.Resolve(types.ExecutionMode(e.Executor))
	switch mode {
	case types.ModePerVUIterations, types.ModeSharedIterations:
		mc.Duration = e.MaxDuration
	}
	return mode, mc
}
