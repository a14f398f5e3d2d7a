// Package work holds the concrete units of work a job can run.
//
// Each kind has a factory in a Registry. Config declares a job's work as a
// Spec; Build turns it into a Work the scheduler can execute.
package work

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"jobsched/pkg/logx"
)

var (
	ErrUnknownKind = errors.New("unknown work kind")
	ErrInvalidSpec = errors.New("invalid work spec")
)

// Work is one runnable unit. It is called once per job run and must honor ctx.
type Work interface {
	Kind() string
	Run(ctx context.Context) error
}

// Spec is the declarative form of a Work. Only the fields of Kind are used.
type Spec struct {
	Kind string `json:"kind"`

	// exec
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// http
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Expect  int               `json:"expect,omitempty"` // 0 means any 2xx

	// systemd
	Unit   string `json:"unit,omitempty"`
	Action string `json:"action,omitempty"` // start|stop|restart|reload|check

	// sleep
	Duration time.Duration `json:"-"`
}

// Factory builds a Work of one kind.
type Factory func(spec Spec, log logx.Logger) (Work, error)

// Registry maps kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       logx.Logger
}

// NewRegistry returns a registry with the built-in kinds.
func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{factories: map[string]Factory{}, log: log}
	r.Register(KindExec, newExec)
	r.Register(KindHTTP, newHTTP)
	r.Register(KindSystemd, newSystemd)
	r.Register(KindSleep, newSleep)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	kind = normKind(kind)
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Kinds lists the registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build validates spec and returns its Work.
func (r *Registry) Build(spec Spec) (Work, error) {
	kind := normKind(spec.Kind)
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownKind, spec.Kind, strings.Join(r.Kinds(), ", "))
	}
	spec.Kind = kind
	return f(spec, r.log.With(logx.String("work", kind)))
}

func normKind(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))
}
