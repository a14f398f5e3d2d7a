package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/task/engine"
	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

type countWork struct {
	kind string
	runs atomic.Int32
}

func (w *countWork) Kind() string { return w.kind }

func (w *countWork) Run(context.Context) error {
	w.runs.Add(1)
	return nil
}

type fixture struct {
	srv  *httptest.Server
	a, b *countWork
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	eng := engine.New(engine.Config{Workers: 2, QueueSize: 8}, logx.Nop(), nil)
	eng.Start(ctx)
	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{Exec: eng, Log: logx.Nop()})

	f := &fixture{a: &countWork{kind: "exec"}, b: &countWork{kind: "exec"}}
	require.NoError(t, sched.Apply(ctx, []scheduler.JobDef{
		{ID: "a", Title: "Alpha", Work: f.a},
		{ID: "b", Title: "Beta", Work: f.b},
	}))
	sched.Start(ctx)

	svc := New(cfg, Deps{
		Jobs:    sched,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Status:  func() any { return map[string]bool{"up": true} },
	}, logx.Nop())
	f.srv = httptest.NewServer(svc.Handler())

	t.Cleanup(func() {
		f.srv.Close()
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
		eng.Stop(stopCtx)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret"})

	resp, _ := f.do(t, http.MethodGet, "/api/jobs", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, _ = f.do(t, http.MethodGet, "/api/jobs", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/jobs", "s3cret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, _ := body["jobs"].([]any)
	assert.Len(t, jobs, 2)

	resp, _ = f.do(t, http.MethodGet, "/healthz?token=s3cret", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	resp, body := f.do(t, http.MethodGet, "/api/jobs/a", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alpha", body["title"])
	assert.Equal(t, "exec", body["kind"])

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/zzz", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// no store configured: history is not kept
	resp, _ = f.do(t, http.MethodGet, "/api/jobs/a/runs", "", "")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/jobs/a/runs?limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["up"])
}

func TestManualRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	resp, _ := f.do(t, http.MethodPost, "/api/jobs/a/run", "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return f.a.runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// both jobs share the exec kind, so the selection is refused as a whole
	resp, body := f.do(t, http.MethodPost, "/api/run", "", `{"ids":["a","b"]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "command unavailable")

	resp, _ = f.do(t, http.MethodPost, "/api/run", "", `{"ids":[]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/run", "", `{"jobs":["a"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/jobs/nope/run", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, f.a.runs.Load())
	assert.EqualValues(t, 0, f.b.runs.Load())
}

func TestPprofAndMetricsToggle(t *testing.T) {
	t.Parallel()
	off := newFixture(t, Config{})
	resp, _ := off.do(t, http.MethodGet, "/debug/pprof/", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := newFixture(t, Config{Pprof: true})
	resp, _ = on.do(t, http.MethodGet, "/debug/pprof/", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = on.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServiceListensAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:7070": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":7070":          false,
		"0.0.0.0:7070":   false,
		"10.1.2.3:80":    false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
