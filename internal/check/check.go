// Package check evaluates named assertions against responses and records
// each outcome on the checks Rate metric.
package check

import (
	"fmt"

	"yqhp/load-engine/internal/httpclient"
	"yqhp/load-engine/pkg/logger"
	"yqhp/load-engine/pkg/metrics"
)

// Recorder receives check outcomes. *engine.Recorder implements it.
type Recorder interface {
	RecordBool(name string, ok bool, tags map[string]string) error
}

// Predicate is a named assertion. Fn may return an error instead of false;
// both count as a failed check.
type Predicate struct {
	Name string
	Fn   func(*httpclient.Response) (bool, error)
}

// That builds a Predicate from a plain boolean function.
func That(name string, fn func(*httpclient.Response) bool) Predicate {
	return Predicate{Name: name, Fn: func(r *httpclient.Response) (bool, error) {
		return fn(r), nil
	}}
}

// Evaluator records checks for one VU.
type Evaluator struct {
	rec  Recorder
	tags map[string]string
}

// NewEvaluator creates an evaluator. tags are added to every checks sample.
func NewEvaluator(rec Recorder, tags map[string]string) *Evaluator {
	return &Evaluator{rec: rec, tags: tags}
}

// Check runs every predicate in order and returns true only when all pass.
// A panicking predicate fails without affecting the others.
func (e *Evaluator) Check(resp *httpclient.Response, preds ...Predicate) bool {
	all := true
	for _, p := range preds {
		ok := evaluate(p, resp)
		if !ok {
			all = false
			logger.Debug("check %q failed", p.Name)
		}
		if e == nil || e.rec == nil {
			continue
		}
		tags := make(map[string]string, len(e.tags)+2)
		for k, v := range e.tags {
			tags[k] = v
		}
		tags["check"] = p.Name
		if resp != nil && resp.Name != "" {
			tags["request"] = resp.Name
		}
		_ = e.rec.RecordBool(metrics.ChecksName, ok, tags)
	}
	return all
}

func evaluate(p Predicate, resp *httpclient.Response) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("check %q panicked: %v", p.Name, r)
			ok = false
		}
	}()
	if p.Fn == nil {
		return false
	}
	passed, err := p.Fn(resp)
	if err != nil {
		return false
	}
	return passed
}

// StatusIs passes when the response status is one of codes.
func StatusIs(codes ...int) Predicate {
	name := "status is"
	for i, c := range codes {
		if i > 0 {
			name += " or"
		}
		name += fmt.Sprintf(" %d", c)
	}
	return That(name, func(r *httpclient.Response) bool {
		return r.StatusIn(codes...)
	})
}

// HasJSONField passes when path matches a non-null value.
func HasJSONField(path string) Predicate {
	return Predicate{Name: "has " + path, Fn: func(r *httpclient.Response) (bool, error) {
		if _, err := r.Value(path); err != nil {
			return false, err
		}
		return true, nil
	}}
}

// JSONStringNotEmpty passes when path is a non-empty string.
func JSONStringNotEmpty(path string) Predicate {
	return Predicate{Name: path + " not empty", Fn: func(r *httpclient.Response) (bool, error) {
		s, err := r.String(path)
		if err != nil {
			return false, err
		}
		return s != "", nil
	}}
}
