package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/config"
	"jobsched/internal/task/scheduler"
)

const testConfig = `
logging: { level: error, console: true }
scheduler: { enabled: true, timezone: UTC }
storage: { driver: memory }
jobs:
  - id: hello
    work: { kind: sleep, duration: 1ms }
    schedule: { spec: "daily 09:00" }
  - id: ping
    work: { kind: sleep }
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 jobs, 1 scheduled)")

	bad := writeTestConfig(t, testConfig+"    timeout: soon\n")
	_, err = execute(t, "validate", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs[1].timeout")
}

func TestJobsRunLocal(t *testing.T) {
	path := writeTestConfig(t, testConfig)
	out, err := execute(t, "jobs", "run", "hello", "ping", "-c", path, "--local", "--wait", "5s")
	// both jobs are of kind sleep
	require.ErrorIs(t, err, scheduler.ErrCommandUnavailable)
	assert.NotContains(t, out, "finished")

	out, err = execute(t, "jobs", "run", "hello", "-c", path, "--local")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "finished")

	out, err = execute(t, "jobs", "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "daily at 09:00")
	assert.Contains(t, out, "ping")
}

func TestAPIClient(t *testing.T) {
	t.Parallel()
	var gotIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/api/jobs":
			_, _ = w.Write([]byte(`{"enabled":true,"jobs":[{"id":"a","kind":"exec","status":"failed"}]}`))
		case "/api/run":
			var req struct {
				IDs []string `json:"ids"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotIDs = req.IDs
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"command unavailable for selection: jobs \"a\" and \"b\" are both of kind exec"}`))
		}
	}))
	defer srv.Close()

	c := newAPIClient(config.OpsConfig{Addr: strings.TrimPrefix(srv.URL, "http://"), Token: "tok"})
	snap, err := c.Jobs(t.Context())
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, scheduler.JobFailed, snap.Jobs[0].Status)

	err = c.Run(t.Context(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both of kind exec")
	assert.Equal(t, []string{"a", "b"}, gotIDs)

	c.token = ""
	_, err = c.Jobs(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")

	assert.Equal(t, "http://127.0.0.1:9000", newAPIClient(config.OpsConfig{Addr: "0.0.0.0:9000"}).base)
	assert.Equal(t, "http://127.0.0.1:7070", newAPIClient(config.OpsConfig{}).base)
}

func TestJobRow(t *testing.T) {
	t.Parallel()
	next := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	row := jobRow(scheduler.JobSnapshot{
		ID: "a", Title: "Alpha", Kind: "exec", Status: scheduler.JobFailed, Result: "2026-04-30 09:00:03 failed",
		Schedule: &scheduler.ScheduleSnapshot{Title: "morning", Recurrence: "daily at 09:00", Next: next, State: "armed"},
	})
	assert.Equal(t, []string{"a", "Alpha", "exec", "failed", "morning (daily at 09:00)", "2026-05-01 09:00", "2026-04-30 09:00:03 failed"}, row)

	row = jobRow(scheduler.JobSnapshot{ID: "b", Disabled: true})
	assert.Equal(t, "disabled", row[3])
	assert.Equal(t, "-", row[4])
	assert.Equal(t, "-", row[6])
}
