package ops

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

const maxRunsLimit = 500

// Handler returns the routes for the current config without listening.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Service) handler(cur Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.Handler { return withAuth(cur.Token, h) }

	mux.Handle("GET /healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", wrap(s.deps.Metrics.ServeHTTP))
	}
	if s.deps.Status != nil {
		mux.Handle("GET /api/status", wrap(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.deps.Status())
		}))
	}
	if s.deps.Jobs != nil {
		mux.Handle("GET /api/jobs", wrap(s.listJobs))
		mux.Handle("GET /api/jobs/{id}", wrap(s.getJob))
		mux.Handle("GET /api/jobs/{id}/runs", wrap(s.jobRuns))
		mux.Handle("POST /api/jobs/{id}/run", wrap(s.runJob))
		mux.Handle("POST /api/run", wrap(s.runJobs))
	}
	if cur.Pprof {
		mux.Handle("/debug/pprof/", wrap(hpprof.Index))
		mux.Handle("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.Handle("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.Handle("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.Handle("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.Snapshot())
}

func (s *Service) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, j := range s.deps.Jobs.Snapshot().Jobs {
		if j.ID == id {
			writeJSON(w, http.StatusOK, j)
			return
		}
	}
	writeError(w, http.StatusNotFound, scheduler.ErrUnknownJob.Error()+": "+id)
}

func (s *Service) jobRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.deps.Jobs.Runs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.log.Warn("ops: load runs failed", logx.String("job", r.PathValue("id")), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		writeError(w, http.StatusNotImplemented, "run history is not kept by this storage driver")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) runJob(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, []string{r.PathValue("id")})
}

type runRequest struct {
	IDs []string `json:"ids"`
}

func (s *Service) runJobs(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.run(w, r, req.IDs)
}

func (s *Service) run(w http.ResponseWriter, r *http.Request, ids []string) {
	err := s.deps.Jobs.Run(ids...)
	switch {
	case err == nil:
		s.log.Info("manual run requested", logx.String("jobs", strings.Join(ids, ",")), logx.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, runRequest{IDs: ids})
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrCommandUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	})
}
