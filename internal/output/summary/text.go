package summary

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"yqhp/load-engine/pkg/metrics"
)

const (
	passMark = "✓"
	failMark = "✗"
)

var valueOrder = map[metrics.MetricType][]string{
	metrics.Trend:   {"avg", "min", "med", "max", "p(90)", "p(95)", "p(99)"},
	metrics.Counter: {"count", "rate"},
	metrics.Gauge:   {"value", "min", "max"},
}

// RenderText writes the console summary.
func RenderText(w io.Writer, s *Summary) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "\n========== 执行汇总 ==========")
	scenario := s.Scenario
	if s.Executor != "" {
		scenario += " (" + s.Executor + ")"
	}
	fmt.Fprintf(bw, "场景:         %s\n", scenario)
	if s.RunID != "" {
		fmt.Fprintf(bw, "运行 ID:      %s\n", s.RunID)
	}
	fmt.Fprintf(bw, "状态:         %s\n", s.Status)
	if s.Error != "" {
		fmt.Fprintf(bw, "错误:         %s\n", s.Error)
	}
	fmt.Fprintf(bw, "运行时长:     %s\n", formatTime(s.State.TestRunDurationMs))
	fmt.Fprintf(bw, "迭代次数:     %d\n", s.Iterations)
	fmt.Fprintf(bw, "最大 VU:      %d\n", s.MaxVUs)

	renderThresholds(bw, s)
	renderChecks(bw, s)
	renderMetrics(bw, s)
	renderFailures(bw, s)

	fmt.Fprintln(bw, "==============================")
	return bw.Flush()
}

func renderThresholds(w io.Writer, s *Summary) {
	type line struct {
		metric, expr string
		v            Verdict
		contains     metrics.ValueType
	}
	var lines []line
	for key, m := range s.Metrics {
		for expr, v := range m.Thresholds {
			lines = append(lines, line{key, expr, v, m.Contains})
		}
	}
	if len(lines) == 0 {
		return
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].metric != lines[j].metric {
			return lines[i].metric < lines[j].metric
		}
		return lines[i].expr < lines[j].expr
	})

	fmt.Fprintln(w, "\n---------- 阈值 ----------")
	for _, l := range lines {
		mark := passMark
		if !l.v.OK {
			mark = failMark
		}
		observed := "no data"
		if !l.v.NoData {
			observed = formatThresholdValue(l.expr, l.v.Observed, l.contains)
		}
		fmt.Fprintf(w, "  %s %s %s  (%s)\n", mark, l.metric, l.expr, observed)
	}
}

func renderChecks(w io.Writer, s *Summary) {
	keys := s.Submetrics(metrics.ChecksName)
	var rows []string
	for _, k := range keys {
		m := s.Metrics[k]
		name := m.Tags["check"]
		if name == "" || len(m.Tags) != 1 {
			continue
		}
		passes, fails := m.Values["passes"], m.Values["fails"]
		mark := passMark
		if fails > 0 {
			mark = failMark
		}
		row := fmt.Sprintf("  %s %s", mark, name)
		if fails > 0 {
			row += fmt.Sprintf("\n    ↳ %s  %s %.0f / %s %.0f", percent(passes, passes+fails), passMark, passes, failMark, fails)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return
	}
	fmt.Fprintln(w, "\n---------- 检查 ----------")
	for _, r := range rows {
		fmt.Fprintln(w, r)
	}
}

func renderMetrics(w io.Writer, s *Summary) {
	type row struct{ label, value string }
	var rows []row
	for _, name := range s.Names() {
		m := s.Metrics[name]
		if len(m.Values) == 0 {
			continue
		}
		rows = append(rows, row{name, formatValues(m)})
		if name == metrics.ChecksName {
			continue
		}
		for _, sub := range s.Submetrics(name) {
			rows = append(rows, row{"  " + tagLabel(s.Metrics[sub].Tags), formatValues(s.Metrics[sub])})
		}
	}
	if len(rows) == 0 {
		return
	}

	width := 0
	for _, r := range rows {
		if n := len([]rune(r.label)); n > width {
			width = n
		}
	}
	width += 3

	fmt.Fprintln(w, "\n---------- 指标详情 ----------")
	for _, r := range rows {
		dots := width - len([]rune(r.label))
		fmt.Fprintf(w, "  %s%s: %s\n", r.label, strings.Repeat(".", dots), r.value)
	}
}

func renderFailures(w io.Writer, s *Summary) {
	if len(s.Failures) == 0 {
		return
	}
	fmt.Fprintln(w, "\n---------- 失败分布 ----------")
	for _, f := range s.Failures {
		switch f.Kind {
		case "request":
			fmt.Fprintf(w, "  %-8s %s status=%s  x%d\n", f.Kind, f.Name, f.Status, f.Count)
		default:
			fmt.Fprintf(w, "  %-8s %s  x%d\n", f.Kind, f.Name, f.Count)
		}
	}
}

func tagLabel(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+tags[k])
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

func formatValues(m *MetricSummary) string {
	if m.Type == metrics.Rate {
		passes, fails := m.Values["passes"], m.Values["fails"]
		return fmt.Sprintf("%s %s %.0f %s %.0f", percent(passes, passes+fails), passMark, passes, failMark, fails)
	}

	parts := make([]string, 0, len(m.Values))
	for _, k := range valueOrder[m.Type] {
		v, ok := m.Values[k]
		if !ok {
			continue
		}
		switch {
		case m.Type == metrics.Counter && k == "rate":
			parts = append(parts, formatValue(v, m.Contains)+"/s")
		case m.Type == metrics.Counter:
			parts = append(parts, formatValue(v, m.Contains))
		default:
			parts = append(parts, k+"="+formatValue(v, m.Contains))
		}
	}
	return strings.Join(parts, " ")
}

func formatThresholdValue(expr string, v float64, contains metrics.ValueType) string {
	if strings.HasPrefix(strings.TrimSpace(expr), "rate") || strings.HasPrefix(strings.TrimSpace(expr), "count") {
		return formatNumber(v)
	}
	return formatValue(v, contains)
}

func formatValue(v float64, contains metrics.ValueType) string {
	switch contains {
	case metrics.Time:
		return formatTime(v)
	case metrics.Data:
		return formatBytes(v)
	}
	return formatNumber(v)
}

// formatTime 输入单位为毫秒
func formatTime(ms float64) string {
	d := time.Duration(ms * float64(time.Millisecond))
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	case d < time.Second:
		return fmt.Sprintf("%.2fms", ms)
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return d.Round(time.Millisecond).String()
}

func formatBytes(b float64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%.0f B", b)
	}
	div, exp := float64(unit), 0
	for n := b / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", b/div, "kMGT"[exp])
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.4g", v)
}

func percent(part, total float64) string {
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", part/total*100)
}
