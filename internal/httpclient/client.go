// Package httpclient issues HTTP requests on behalf of virtual users and
// records the standard request metrics for every outcome.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"yqhp/load-engine/pkg/metrics"
)

const (
	// DefaultTimeout 单个请求的默认超时
	DefaultTimeout = 60 * time.Second

	defaultMaxConnsPerHost = 1000
	defaultIdleConn        = 90 * time.Second
)

// Recorder receives the request metrics. *engine.Recorder implements it.
type Recorder interface {
	Record(name string, kind metrics.MetricType, value float64, tags map[string]string) error
	RecordDuration(name string, d time.Duration, tags map[string]string) error
	RecordData(name string, n int, tags map[string]string) error
	RecordBool(name string, ok bool, tags map[string]string) error
}

// Options 客户端配置
type Options struct {
	BaseURL         string
	Headers         map[string]string
	Timeout         time.Duration
	RPS             float64
	MaxConnsPerHost int
	UserAgent       string
}

// Params 单次请求参数
type Params struct {
	Headers map[string]string
	// Tags 附加到该请求所有指标上；"name" 覆盖默认的 URL 名
	Tags    map[string]string
	Timeout time.Duration
}

type transport struct {
	client  *fasthttp.Client
	base    string
	headers map[string]string
	timeout time.Duration
	limiter *rate.Limiter
}

// Client is safe for concurrent use. All clients derived with WithRecorder
// share one connection pool.
type Client struct {
	t   *transport
	rec Recorder
}

// New creates a client. Without a recorder it records nothing.
func New(opts Options) (*Client, error) {
	t := &transport{
		headers: make(map[string]string, len(opts.Headers)+1),
		timeout: opts.Timeout,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("base url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
		}
		t.base = strings.TrimRight(opts.BaseURL, "/")
	}
	for k, v := range opts.Headers {
		t.headers[k] = v
	}
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	maxConns := opts.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = defaultMaxConnsPerHost
	}
	t.client = &fasthttp.Client{
		Name:                   opts.UserAgent,
		MaxConnsPerHost:        maxConns,
		MaxIdleConnDuration:    defaultIdleConn,
		DisablePathNormalizing: true,
	}
	return &Client{t: t}, nil
}

// WithRecorder returns a client sharing c's transport that records to rec.
func (c *Client) WithRecorder(rec Recorder) *Client {
	return &Client{t: c.t, rec: rec}
}

// Get 发送 GET 请求
func (c *Client) Get(ctx context.Context, rawURL string, params *Params) *Response {
	return c.Request(ctx, fasthttp.MethodGet, rawURL, nil, params)
}

// Post 发送 POST 请求
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, params *Params) *Response {
	return c.Request(ctx, fasthttp.MethodPost, rawURL, body, params)
}

// Put 发送 PUT 请求
func (c *Client) Put(ctx context.Context, rawURL string, body []byte, params *Params) *Response {
	return c.Request(ctx, fasthttp.MethodPut, rawURL, body, params)
}

// Delete 发送 DELETE 请求
func (c *Client) Delete(ctx context.Context, rawURL string, params *Params) *Response {
	return c.Request(ctx, fasthttp.MethodDelete, rawURL, nil, params)
}

// Request performs one request. It never returns nil: transport failures,
// timeouts and cancellation produce a Response with Status 0 and Error set.
// Every call records http_reqs, http_req_duration, http_req_failed,
// data_sent and data_received.
func (c *Client) Request(ctx context.Context, method, rawURL string, body []byte, params *Params) *Response {
	if params == nil {
		params = &Params{}
	}
	fullURL := c.resolve(rawURL)
	resp := &Response{Method: method, URL: fullURL, Name: fullURL}
	if n, ok := params.Tags["name"]; ok && n != "" {
		resp.Name = n
	}

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(res)

	req.Header.SetMethod(method)
	req.SetRequestURI(fullURL)
	for k, v := range c.t.headers {
		req.Header.Set(k, v)
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 {
		req.SetBody(body)
		if len(req.Header.ContentType()) == 0 {
			req.Header.SetContentType("application/json")
		}
	}
	sent := len(req.Header.Header()) + len(body)

	start := time.Now()
	err := c.wait(ctx)
	if err == nil {
		timeout := params.Timeout
		if timeout <= 0 {
			timeout = c.t.timeout
		}
		deadline := start.Add(timeout)
		ctxBound := false
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline, ctxBound = d, true
		}
		start = time.Now()
		err = c.t.client.DoDeadline(req, res, deadline)
		if err != nil && errors.Is(err, fasthttp.ErrTimeout) {
			resp.TimedOut = true
			if ctxBound {
				// fasthttp 的计时可能先于 ctx 的 timer 触发
				select {
				case <-ctx.Done():
				case <-time.After(time.Until(deadline) + 10*time.Millisecond):
				}
			}
		}
	}
	resp.Duration = time.Since(start)

	received := 0
	if err != nil {
		resp.NetworkError = true
		resp.Error = err
		if ctxErr := contextErr(ctx); ctxErr != nil {
			resp.Error = ctxErr
		}
	} else {
		resp.Status = res.StatusCode()
		resp.Body = append([]byte(nil), res.Body()...)
		resp.Headers = make(map[string]string)
		res.Header.VisitAll(func(key, value []byte) {
			k := string(key)
			if _, exists := resp.Headers[k]; !exists {
				resp.Headers[k] = string(value)
			}
		})
		received = len(res.Header.Header()) + len(resp.Body)
	}

	c.record(resp, params.Tags, sent, received)
	return resp
}

// wait 在全局 RPS 限制下等待；ctx 已结束或已过期时直接返回错误
func (c *Client) wait(ctx context.Context) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	if c.t.limiter == nil {
		return nil
	}
	return c.t.limiter.Wait(ctx)
}

func (c *Client) record(resp *Response, extra map[string]string, sent, received int) {
	if c.rec == nil {
		return
	}
	tags := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		tags[k] = v
	}
	tags["name"] = resp.Name
	tags["method"] = resp.Method
	tags["status"] = strconv.Itoa(resp.Status)

	_ = c.rec.Record(metrics.HTTPReqsName, metrics.Counter, 1, tags)
	_ = c.rec.RecordDuration(metrics.HTTPReqDurationName, resp.Duration, tags)
	_ = c.rec.RecordBool(metrics.HTTPReqFailedName, resp.Failed(), tags)
	_ = c.rec.RecordData(metrics.DataSentName, sent, tags)
	_ = c.rec.RecordData(metrics.DataReceivedName, received, tags)
}

// resolve appends relative URLs to the base URL.
func (c *Client) resolve(raw string) string {
	if c.t.base == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return c.t.base + "/" + strings.TrimLeft(raw, "/")
}

// BaseURL returns the configured base URL without trailing slash, or "".
func (c *Client) BaseURL() string {
	return c.t.base
}

// contextErr 返回 ctx.Err()，deadline 已过但 timer 尚未触发时返回 context.DeadlineExceeded
func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}
