// Package redis 把样本批量 XADD 到 Redis Stream。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"yqhp/load-engine/pkg/output"
)

const (
	defaultStream        = "load-engine:samples"
	defaultMaxLen        = 100000
	defaultFlushInterval = time.Second
	writeTimeout         = 5 * time.Second
)

func init() {
	output.Register("redis", New)
}

// StreamWriter 是 redis.Client 的 XADD 子集
type StreamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config Redis 输出配置
type Config struct {
	Options       *redis.Options
	Stream        string
	MaxLen        int64
	FlushInterval time.Duration
}

// ParseConfig parses "redis://:pass@host:6379/0?stream=key&maxlen=1000&interval=1s".
func ParseConfig(arg string) (Config, error) {
	cfg := Config{Stream: defaultStream, MaxLen: defaultMaxLen, FlushInterval: defaultFlushInterval}

	u, err := url.Parse(arg)
	if err != nil {
		return cfg, fmt.Errorf("parse redis url: %w", err)
	}
	q := u.Query()
	if v := q.Get("stream"); v != "" {
		cfg.Stream = v
	}
	if v := q.Get("maxlen"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("redis maxlen %q: must be a non-negative integer", v)
		}
		cfg.MaxLen = n
	}
	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("redis interval %q: must be a positive duration", v)
		}
		cfg.FlushInterval = d
	}
	q.Del("stream")
	q.Del("maxlen")
	q.Del("interval")
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return cfg, fmt.Errorf("parse redis url: %w", err)
	}
	cfg.Options = opts
	return cfg, nil
}

// Output appends sample batches to a stream.
type Output struct {
	output.SampleBuffer

	params  output.Params
	config  Config
	client  *redis.Client
	writer  StreamWriter
	flusher *output.PeriodicFlusher

	mu      sync.Mutex
	entries int
}

// New creates the output from params.ConfigArgument.
func New(params output.Params) (output.Output, error) {
	cfg, err := ParseConfig(params.ConfigArgument)
	if err != nil {
		return nil, err
	}
	return &Output{params: params, config: cfg}, nil
}

// NewWithWriter creates an output that writes through w.
func NewWithWriter(params output.Params, cfg Config, w StreamWriter) *Output {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	return &Output{params: params, config: cfg, writer: w}
}

func (o *Output) Description() string {
	return fmt.Sprintf("redis (stream %s)", o.config.Stream)
}

// Start connects and pings the server.
func (o *Output) Start() error {
	if o.writer == nil {
		o.client = redis.NewClient(o.config.Options)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := o.client.Ping(ctx).Err(); err != nil {
			_ = o.client.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		o.writer = o.client
	}

	pf, err := output.NewPeriodicFlusher(o.config.FlushInterval, o.flush)
	if err != nil {
		return err
	}
	o.flusher = pf
	return nil
}

func (o *Output) Stop() error {
	if o.flusher != nil {
		o.flusher.Stop()
	}
	if o.client != nil {
		return o.client.Close()
	}
	return nil
}

func (o *Output) SetRunStatus(_ output.RunStatus) {}

// Entries returns the number of stream entries written.
func (o *Output) Entries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries
}

func (o *Output) flush() {
	records := output.Records(o.GetBufferedSamples(), o.params.RunID, o.params.Tags)
	if len(records) == 0 {
		return
	}
	body, err := json.Marshal(records)
	if err != nil {
		o.logError("encode samples: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: o.config.Stream,
		Values: map[string]interface{}{
			"run_id":   o.params.RunID,
			"scenario": o.params.Scenario,
			"count":    len(records),
			"samples":  body,
		},
	}
	if o.config.MaxLen > 0 {
		args.MaxLen = o.config.MaxLen
		args.Approx = true
	}
	if err := o.writer.XAdd(ctx, args).Err(); err != nil {
		o.logError("xadd %d samples to %s: %v", len(records), o.config.Stream, err)
		return
	}
	o.mu.Lock()
	o.entries++
	o.mu.Unlock()
}

func (o *Output) logError(format string, args ...interface{}) {
	if o.params.Logger != nil {
		o.params.Logger.Error(format, args...)
	}
}
