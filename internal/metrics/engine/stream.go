// Package engine contains the run-scoped metric stream that aggregates samples
// written by virtual users, and the threshold engine evaluated against it.
// Design inspired by k6's internal/metrics/engine.
package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

const (
	collectRate        = 50 * time.Millisecond
	defaultMaxBuffered = 1024
	systemRecorderID   = -1
)

// DefaultSubmetricTags 自动维护子指标的标签键
var DefaultSubmetricTags = []string{"name", "check"}

// Options 配置 Stream
type Options struct {
	// FlushInterval 合并各 Recorder 缓冲区的间隔，默认 50ms
	FlushInterval time.Duration
	// MaxBuffered 单个 Recorder 缓冲的样本数超过该值时提前合并
	MaxBuffered int
	// SubmetricTags 按这些标签键自动拆分子指标
	SubmetricTags []string
	// Outputs 每批合并后的样本会分发给这些输出
	Outputs []output.Output
	// Logger 输出管理器使用的日志
	Logger output.Logger
}

// Stream owns every metric of one run. VUs write through their own Recorder;
// a single collector goroutine drains the recorders into the sinks.
type Stream struct {
	registry *metrics.Registry
	opts     Options
	start    time.Time

	recMu     sync.Mutex
	recorders map[int]*Recorder
	order     []*Recorder

	subMu       sync.RWMutex
	subs        map[string]*submetric
	selectors   map[string][]*submetric
	autoTagKeys map[string]struct{}

	collectMu   sync.Mutex
	flusher     *output.PeriodicFlusher
	samplesChan chan metrics.SampleContainer
	finish      func(output.RunStatus)
	startOnce   sync.Once
	closeOnce   sync.Once
	sampleCount int64
}

type submetric struct {
	key    string
	parent string
	tags   map[string]string
	sink   metrics.Sink
	typ    metrics.MetricType
}

// NewStream creates a stream backed by registry. A nil registry gets a fresh one.
func NewStream(registry *metrics.Registry, opts Options) *Stream {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = collectRate
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	if opts.SubmetricTags == nil {
		opts.SubmetricTags = DefaultSubmetricTags
	}

	s := &Stream{
		registry:    registry,
		opts:        opts,
		start:       time.Now(),
		recorders:   make(map[int]*Recorder),
		subs:        make(map[string]*submetric),
		selectors:   make(map[string][]*submetric),
		autoTagKeys: make(map[string]struct{}, len(opts.SubmetricTags)),
	}
	for _, k := range opts.SubmetricTags {
		s.autoTagKeys[k] = struct{}{}
	}
	return s
}

// Registry returns the metric registry.
func (s *Stream) Registry() *metrics.Registry {
	return s.registry
}

// Start launches the output pipeline and the periodic collector.
func (s *Stream) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.start = time.Now()
		if len(s.opts.Outputs) > 0 {
			mgr := output.NewManager(s.opts.Outputs, s.opts.Logger)
			ch := output.NewSamplesChannel(0)
			finish, startErr := mgr.Start(ch)
			if startErr != nil {
				err = fmt.Errorf("start outputs: %w", startErr)
				return
			}
			s.samplesChan = ch
			s.finish = finish
		}
		s.flusher, err = output.NewPeriodicFlusher(s.opts.FlushInterval, s.collect)
	})
	return err
}

// Close performs a final collection and stops the outputs.
func (s *Stream) Close(status output.RunStatus) {
	s.closeOnce.Do(func() {
		if s.flusher != nil {
			s.flusher.Stop()
		} else {
			s.collect()
		}
		if s.samplesChan != nil {
			close(s.samplesChan)
			s.finish(status)
		}
	})
}

// Flush synchronously drains all recorders into the sinks.
func (s *Stream) Flush() {
	s.collect()
}

// SampleCount returns how many samples have been aggregated so far.
func (s *Stream) SampleCount() int64 {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	return s.sampleCount
}

// Elapsed returns the time since the stream was started.
func (s *Stream) Elapsed() time.Duration {
	return time.Since(s.start)
}

// Recorder returns the write buffer for the given worker, creating it on
// first use. A recorder must only be used by one goroutine at a time for
// its ordering guarantees to hold; it is nevertheless safe for concurrent use.
func (s *Stream) Recorder(workerID int, baseTags map[string]string) *Recorder {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if r, ok := s.recorders[workerID]; ok {
		return r
	}
	r := &Recorder{
		stream: s,
		id:     workerID,
		cache:  make(map[string]*metrics.Metric),
		tags:   copyTags(baseTags),
		buf:    make([]metrics.Sample, 0, 64),
	}
	s.recorders[workerID] = r
	s.order = append(s.order, r)
	return r
}

// Record writes one sample through the shared system recorder.
func (s *Stream) Record(name string, kind metrics.MetricType, value float64, tags map[string]string) error {
	return s.Recorder(systemRecorderID, nil).Record(name, kind, value, tags)
}

// AddSubmetric registers a submetric such as http_req_duration{name:CreateWallet}.
func (s *Stream) AddSubmetric(key string) error {
	parent, tags, err := ParseMetricKey(key)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	canonical := SubmetricKey(parent, tags)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[canonical]; ok {
		return nil
	}
	sub := &submetric{key: canonical, parent: parent, tags: tags}
	s.subs[canonical] = sub
	if !s.isAutoSelector(tags) {
		s.selectors[parent] = append(s.selectors[parent], sub)
	}
	return nil
}

func (s *Stream) isAutoSelector(tags map[string]string) bool {
	if len(tags) != 1 {
		return false
	}
	for k := range tags {
		_, ok := s.autoTagKeys[k]
		return ok
	}
	return false
}

// collect drains recorders; runs on the flusher goroutine or from Flush.
func (s *Stream) collect() {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()

	s.recMu.Lock()
	recs := make([]*Recorder, len(s.order))
	copy(recs, s.order)
	s.recMu.Unlock()

	var batch []metrics.Sample
	for _, r := range recs {
		batch = append(batch, r.drain()...)
	}
	if len(batch) == 0 {
		return
	}

	for i := range batch {
		sample := batch[i]
		sample.Metric.Sink.Add(sample)
		s.addToSubmetrics(sample)
	}
	s.sampleCount += int64(len(batch))

	if s.samplesChan != nil {
		s.samplesChan <- metrics.Samples(batch)
	}
}

func (s *Stream) addToSubmetrics(sample metrics.Sample) {
	name := sample.Metric.Name
	for k := range s.autoTagKeys {
		v, ok := sample.Tags[k]
		if !ok || v == "" {
			continue
		}
		key := SubmetricKey(name, map[string]string{k: v})
		s.subMu.RLock()
		sub := s.subs[key]
		s.subMu.RUnlock()
		if sub == nil {
			s.subMu.Lock()
			if sub = s.subs[key]; sub == nil {
				sub = &submetric{key: key, parent: name, tags: map[string]string{k: v}}
				s.subs[key] = sub
			}
			s.subMu.Unlock()
		}
		s.addToSub(sub, sample)
	}

	s.subMu.RLock()
	sels := s.selectors[name]
	s.subMu.RUnlock()
	for _, sub := range sels {
		if tagsMatch(sample.Tags, sub.tags) {
			s.addToSub(sub, sample)
		}
	}
}

func (s *Stream) addToSub(sub *submetric, sample metrics.Sample) {
	s.subMu.Lock()
	if sub.sink == nil {
		sub.typ = sample.Metric.Type
		sub.sink = metrics.NewSink(sample.Metric.Type)
	}
	sink := sub.sink
	s.subMu.Unlock()
	sink.Add(sample)
}

// Snapshot returns an immutable copy of every metric and submetric.
// Readers only hold each sink's lock for the duration of its copy.
func (s *Stream) Snapshot() *Snapshot {
	now := time.Now()
	snap := &Snapshot{
		Time:    now,
		Elapsed: now.Sub(s.start),
		Metrics: make(map[string]MetricSnapshot),
	}

	for name, m := range s.registry.All() {
		snap.Metrics[name] = MetricSnapshot{
			Name:         name,
			Metric:       name,
			Contains:     m.Contains,
			SinkSnapshot: m.Sink.Snapshot(),
		}
	}

	s.subMu.RLock()
	subs := make([]*submetric, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range subs {
		s.subMu.RLock()
		sink := sub.sink
		s.subMu.RUnlock()
		ms := MetricSnapshot{Name: sub.key, Metric: sub.parent, Tags: copyTags(sub.tags)}
		if parent := s.registry.Get(sub.parent); parent != nil {
			ms.Contains = parent.Contains
			ms.Type = parent.Type
		}
		if sink != nil {
			ms.SinkSnapshot = sink.Snapshot()
		}
		snap.Metrics[sub.key] = ms
	}
	return snap
}

// Snapshot is a point-in-time view of the stream.
type Snapshot struct {
	Time    time.Time
	Elapsed time.Duration
	Metrics map[string]MetricSnapshot
}

// MetricSnapshot is the aggregated state of one metric or submetric.
type MetricSnapshot struct {
	Name     string
	Metric   string
	Tags     map[string]string
	Contains metrics.ValueType
	metrics.SinkSnapshot
}

// IsSubmetric reports whether the snapshot belongs to a tag-filtered submetric.
func (m MetricSnapshot) IsSubmetric() bool {
	return len(m.Tags) > 0
}

// Get returns the snapshot of a metric or submetric key.
func (s *Snapshot) Get(key string) (MetricSnapshot, bool) {
	if m, ok := s.Metrics[key]; ok {
		return m, true
	}
	parent, tags, err := ParseMetricKey(key)
	if err != nil || len(tags) == 0 {
		return MetricSnapshot{}, false
	}
	m, ok := s.Metrics[SubmetricKey(parent, tags)]
	return m, ok
}

// Names returns all metric and submetric keys in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Recorder is a per-worker sample buffer.
type Recorder struct {
	stream *Stream
	id     int
	tags   map[string]string

	mu    sync.Mutex
	buf   []metrics.Sample
	cache map[string]*metrics.Metric
}

// ID returns the worker ID the recorder belongs to.
func (r *Recorder) ID() int {
	return r.id
}

// Record appends a sample to the local buffer. It fails with
// metrics.ErrMetricKindMismatch when name already exists with another kind
// and with metrics.ErrNonFiniteValue for NaN or ±Inf.
func (r *Recorder) Record(name string, kind metrics.MetricType, value float64, tags map[string]string) error {
	return r.record(name, kind, metrics.Default, value, tags)
}

// RecordDuration records d in milliseconds on a time-valued Trend.
func (r *Recorder) RecordDuration(name string, d time.Duration, tags map[string]string) error {
	return r.record(name, metrics.Trend, metrics.Time, float64(d)/float64(time.Millisecond), tags)
}

// RecordData adds n bytes to a data-valued Counter.
func (r *Recorder) RecordData(name string, n int, tags map[string]string) error {
	return r.record(name, metrics.Counter, metrics.Data, float64(n), tags)
}

// RecordBool records a Rate sample.
func (r *Recorder) RecordBool(name string, ok bool, tags map[string]string) error {
	return r.record(name, metrics.Rate, metrics.Default, metrics.BoolValue(ok), tags)
}

func (r *Recorder) record(name string, kind metrics.MetricType, contains metrics.ValueType, value float64, tags map[string]string) error {
	if !metrics.IsFinite(value) {
		return fmt.Errorf("%w: %s=%v", metrics.ErrNonFiniteValue, name, value)
	}

	r.mu.Lock()
	m, ok := r.cache[name]
	r.mu.Unlock()

	if !ok {
		var err error
		m, err = r.stream.registry.NewMetric(name, kind, contains)
		if err != nil {
			return err
		}
	} else if m.Type != kind {
		return fmt.Errorf("%w: %s is a %s, not a %s", metrics.ErrMetricKindMismatch, name, m.Type, kind)
	}

	sample := metrics.Sample{
		Metric: m,
		Time:   time.Now(),
		Value:  value,
		Tags:   mergeTags(r.tags, tags),
	}

	r.mu.Lock()
	r.cache[name] = m
	r.buf = append(r.buf, sample)
	full := len(r.buf) >= r.stream.opts.MaxBuffered
	r.mu.Unlock()

	if full && r.stream.flusher != nil {
		r.stream.flusher.Kick()
	}
	return nil
}

func (r *Recorder) drain() []metrics.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	out := r.buf
	r.buf = make([]metrics.Sample, 0, cap(out))
	return out
}

// SubmetricKey formats name{k:v,...} with keys in sorted order.
func SubmetricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// ParseMetricKey splits "name{k:v,k2:v2}" into the metric name and tag selector.
func ParseMetricKey(key string) (string, map[string]string, error) {
	key = strings.TrimSpace(key)
	open := strings.IndexByte(key, '{')
	if open < 0 {
		if key == "" {
			return "", nil, fmt.Errorf("%w: empty metric name", metrics.ErrInvalidMetricName)
		}
		return key, nil, nil
	}
	if !strings.HasSuffix(key, "}") || open == 0 {
		return "", nil, fmt.Errorf("%w: %q", metrics.ErrInvalidMetricName, key)
	}

	name := strings.TrimSpace(key[:open])
	body := strings.TrimSpace(key[open+1 : len(key)-1])
	if body == "" {
		return name, nil, nil
	}

	tags := make(map[string]string)
	for _, part := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(part, ":")
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if !ok || k == "" {
			return "", nil, fmt.Errorf("%w: bad tag selector %q in %q", metrics.ErrInvalidMetricName, part, key)
		}
		tags[k] = v
	}
	return name, tags, nil
}

func tagsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func mergeTags(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
