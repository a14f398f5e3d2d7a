package work

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

const KindHTTP = "http"

var defaultHTTPClient = &http.Client{Timeout: 60 * time.Second}

// HTTP sends one request and checks the response status.
type HTTP struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	// Expect is the required status; 0 accepts any 2xx.
	Expect int

	client *http.Client
	log    logx.Logger
}

func newHTTP(spec Spec, log logx.Logger) (Work, error) {
	u, err := url.Parse(strings.TrimSpace(spec.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalid("http: url must be absolute http(s), got %q", spec.URL)
	}
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	if spec.Expect != 0 && (spec.Expect < 100 || spec.Expect > 599) {
		return nil, invalid("http: expect %d is not a status code", spec.Expect)
	}
	return &HTTP{
		Method:  method,
		URL:     u.String(),
		Headers: spec.Headers,
		Body:    spec.Body,
		Expect:  spec.Expect,
		client:  defaultHTTPClient,
		log:     log,
	}, nil
}

func (*HTTP) Kind() string { return KindHTTP }

// Run maps the response to an error. 429 and 503 honor Retry-After; other
// 4xx responses are not retried.
func (h *HTTP) Run(ctx context.Context) error {
	var body io.Reader
	if h.Body != "" {
		body = strings.NewReader(h.Body)
	}
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, body)
	if err != nil {
		return engine.NoRetry(fmt.Errorf("http: build request: %w", err))
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("http %s %s: %w", h.Method, h.URL, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	if h.ok(resp.StatusCode) {
		h.log.Debug("http check ok", logx.String("url", h.URL), logx.Int("status", resp.StatusCode))
		return nil
	}
	err = fmt.Errorf("http %s %s: status %d: %s", h.Method, h.URL, resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return engine.RetryAfter(err, d)
		}
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return engine.NoRetry(err)
	default:
		return err
	}
}

func (h *HTTP) ok(code int) bool {
	if h.Expect != 0 {
		return code == h.Expect
	}
	return code >= 200 && code < 300
}

// retryAfter parses the delay-seconds or HTTP-date form.
func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
