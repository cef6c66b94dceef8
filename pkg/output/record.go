package output

import (
	"time"

	"yqhp/load-engine/pkg/metrics"
)

// Record 是发送到消息系统的单个样本
type Record struct {
	RunID  string             `json:"run_id,omitempty"`
	Metric string             `json:"metric"`
	Type   metrics.MetricType `json:"type"`
	Time   time.Time          `json:"time"`
	Value  float64            `json:"value"`
	Tags   map[string]string  `json:"tags,omitempty"`
}

// Records flattens containers into records. Global tags are added where the
// sample does not already carry the key.
func Records(containers []metrics.SampleContainer, runID string, globalTags map[string]string) []Record {
	var out []Record
	for _, c := range containers {
		for _, s := range c.GetSamples() {
			if s.Metric == nil {
				continue
			}
			tags := s.Tags
			if len(globalTags) > 0 {
				tags = make(map[string]string, len(s.Tags)+len(globalTags))
				for k, v := range globalTags {
					tags[k] = v
				}
				for k, v := range s.Tags {
					tags[k] = v
				}
			}
			out = append(out, Record{
				RunID:  runID,
				Metric: s.Metric.Name,
				Type:   s.Metric.Type,
				Time:   s.Time,
				Value:  s.Value,
				Tags:   tags,
			})
		}
	}
	return out
}
