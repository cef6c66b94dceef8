package httpclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Response is the outcome of one request.
type Response struct {
	Method   string
	URL      string
	Name     string
	Status   int
	Body     []byte
	Headers  map[string]string
	Duration time.Duration

	// NetworkError 表示请求未得到响应（连接失败、超时或取消）
	NetworkError bool
	TimedOut     bool
	Error        error

	parseOnce sync.Once
	parsed    any
	parseErr  error
}

// Failed reports whether the request counts as failed for http_req_failed:
// a transport failure or a status of 400 and above.
func (r *Response) Failed() bool {
	return r.NetworkError || r.Status >= 400
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// StatusIn reports whether the status is one of codes.
func (r *Response) StatusIn(codes ...int) bool {
	for _, c := range codes {
		if r.Status == c {
			return true
		}
	}
	return false
}

// Data 返回解析后的 JSON 响应体
func (r *Response) Data() (any, error) {
	r.parseOnce.Do(func() {
		if len(r.Body) == 0 {
			r.parseErr = ErrBodyNotJSON
			return
		}
		v, err := oj.Parse(r.Body)
		if err != nil {
			r.parseErr = fmt.Errorf("%w: %v", ErrBodyNotJSON, err)
			return
		}
		r.parsed = v
	})
	return r.parsed, r.parseErr
}

// JSON evaluates a JSONPath expression against the body and returns every
// match. "data.token" and "$.data.token" are equivalent.
func (r *Response) JSON(path string) ([]any, error) {
	data, err := r.Data()
	if err != nil {
		return nil, err
	}
	x, err := compilePath(path)
	if err != nil {
		return nil, err
	}
	results := x.Get(data)
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrFieldMissing, path)
	}
	return results, nil
}

// Value returns the first match of path.
func (r *Response) Value(path string) (any, error) {
	results, err := r.JSON(path)
	if err != nil {
		return nil, err
	}
	if results[0] == nil {
		return nil, fmt.Errorf("%w: %s is null", ErrFieldMissing, path)
	}
	return results[0], nil
}

// String returns the first match of path as a string.
func (r *Response) String(path string) (string, error) {
	v, err := r.Value(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrFieldType, path, v)
	}
	return s, nil
}

// Int returns the first match of path as an integer.
func (r *Response) Int(path string) (int64, error) {
	v, err := r.Value(path)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		if n == float64(int64(n)) {
			return int64(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %s is %T, want integer", ErrFieldType, path, v)
}

// Strings returns every match of path as strings; a single array match is
// flattened.
func (r *Response) Strings(path string) ([]string, error) {
	results, err := r.JSON(path)
	if err != nil {
		return nil, err
	}
	if len(results) == 1 {
		if arr, ok := results[0].([]any); ok {
			results = arr
		}
	}
	out := make([]string, 0, len(results))
	for _, v := range results {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s contains %T, want string", ErrFieldType, path, v)
		}
		out = append(out, s)
	}
	return out, nil
}

// Len returns the length of the array at path.
func (r *Response) Len(path string) (int, error) {
	v, err := r.Value(path)
	if err != nil {
		return 0, err
	}
	arr, ok := v.([]any)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, want array", ErrFieldType, path, v)
	}
	return len(arr), nil
}

var pathCache sync.Map

func compilePath(path string) (jp.Expr, error) {
	if x, ok := pathCache.Load(path); ok {
		return x.(jp.Expr), nil
	}
	expr := strings.TrimSpace(path)
	if !strings.HasPrefix(expr, "$") && !strings.HasPrefix(expr, "@") {
		expr = "$." + strings.TrimPrefix(expr, ".")
	}
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPath, path, err)
	}
	pathCache.Store(path, x)
	return x, nil
}
