package summary

import (
	"sort"
	"sync"
	"time"

	"yqhp/load-engine/pkg/metrics"
	"yqhp/load-engine/pkg/output"
)

const (
	collectorFlushInterval = 100 * time.Millisecond
	maxFailures            = 20
)

var _ output.Output = &Collector{}

// Failure 一类失败（失败的请求或未通过的检查）
type Failure struct {
	Kind      string    `json:"kind"` // request, check
	Name      string    `json:"name"`
	Status    string    `json:"status,omitempty"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Collector is an Output that groups failed requests by name and status
// and failed checks by check name.
type Collector struct {
	output.SampleBuffer

	mu       sync.Mutex
	failures map[string]*Failure

	periodicFlusher *output.PeriodicFlusher
}

// NewCollector creates a failure collector.
func NewCollector() *Collector {
	return &Collector{failures: make(map[string]*Failure)}
}

func (c *Collector) Description() string {
	return "summary failure collector"
}

func (c *Collector) Start() error {
	pf, err := output.NewPeriodicFlusher(collectorFlushInterval, c.flushSamples)
	if err != nil {
		return err
	}
	c.periodicFlusher = pf
	return nil
}

func (c *Collector) Stop() error {
	if c.periodicFlusher != nil {
		c.periodicFlusher.Stop()
	}
	return nil
}

func (c *Collector) SetRunStatus(_ output.RunStatus) {}

func (c *Collector) flushSamples() {
	containers := c.GetBufferedSamples()
	if len(containers) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, container := range containers {
		for _, sample := range container.GetSamples() {
			c.processSample(sample)
		}
	}
}

func (c *Collector) processSample(sample metrics.Sample) {
	if sample.Metric == nil {
		return
	}
	switch sample.Metric.Name {
	case metrics.HTTPReqFailedName:
		if sample.Value != 0 {
			c.record("request", sample.Tags["name"], sample.Tags["status"], sample.Time)
		}
	case metrics.ChecksName:
		if sample.Value == 0 {
			c.record("check", sample.Tags["check"], "", sample.Time)
		}
	}
}

func (c *Collector) record(kind, name, status string, t time.Time) {
	key := kind + "\x00" + name + "\x00" + status
	if f, ok := c.failures[key]; ok {
		f.Count++
		if t.After(f.LastSeen) {
			f.LastSeen = t
		}
		return
	}
	c.failures[key] = &Failure{Kind: kind, Name: name, Status: status, Count: 1, FirstSeen: t, LastSeen: t}
}

// Failures returns the most frequent failures, at most 20, by count descending.
func (c *Collector) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Failure, 0, len(c.failures))
	for _, f := range c.failures {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind
		}
		return out[i].Name+out[i].Status < out[j].Name+out[j].Status
	})
	if len(out) > maxFailures {
		out = out[:maxFailures]
	}
	return out
}
