package work

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

const (
	KindExec = "exec"

	outputTail = 2048
	// killDelay is how long a canceled command may keep its pipes open.
	killDelay = 5 * time.Second
)

// Exec runs a command without a shell.
type Exec struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	log logx.Logger
}

func newExec(spec Spec, log logx.Logger) (Work, error) {
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, invalid("exec: command required")
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return &Exec{
		Path: spec.Command[0],
		Args: append([]string(nil), spec.Command[1:]...),
		Dir:  spec.Dir,
		Env:  env,
		log:  log,
	}, nil
}

func (*Exec) Kind() string { return KindExec }

// Run starts the command and waits for it. A non-zero exit is an error
// carrying the tail of the combined output. A missing binary is not retried.
func (e *Exec) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.Path, e.Args...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	cmd.WaitDelay = killDelay
	out := &tailBuffer{max: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err == nil {
		e.log.Debug("command finished", logx.String("cmd", e.Path), logx.Duration("took", took))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return engine.NoRetry(fmt.Errorf("exec %s: %w", e.Path, err))
	}
	tail := strings.TrimSpace(out.String())
	e.log.Debug("command failed", logx.String("cmd", e.Path), logx.Duration("took", took), logx.Err(err))
	if tail == "" {
		return fmt.Errorf("exec %s: %w", e.Path, err)
	}
	return fmt.Errorf("exec %s: %w: %s", e.Path, err, tail)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= b.max {
		b.buf.Reset()
		b.buf.Write(p[len(p)-b.max:])
		return n, nil
	}
	if over := b.buf.Len() + len(p) - b.max; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *tailBuffer) String() string { return b.buf.String() }
