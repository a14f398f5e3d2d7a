package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/task/scheduler"
)

// apiClient talks to the ops API of a running daemon.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(oc config.OpsConfig) *apiClient {
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = "127.0.0.1:7070"
	}
	// a wildcard bind is reachable on loopback
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return &apiClient{
		base:  "http://" + addr,
		token: strings.TrimSpace(oc.Token),
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) Jobs(ctx context.Context) (scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &snap)
	return snap, err
}

func (c *apiClient) Run(ctx context.Context, ids []string) error {
	body, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/run", body, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (use --local to load jobs in-process): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
