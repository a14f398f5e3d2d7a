//go:build linux

package work

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

// Run connects to the system bus for the duration of the call and waits for
// the queued systemd job to complete.
func (s *Systemd) Run(ctx context.Context) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	if s.Action == "check" {
		return s.check(ctx, conn)
	}

	result := make(chan string, 1)
	switch s.Action {
	case "start":
		_, err = conn.StartUnitContext(ctx, s.Unit, "replace", result)
	case "stop":
		_, err = conn.StopUnitContext(ctx, s.Unit, "replace", result)
	case "reload":
		_, err = conn.ReloadUnitContext(ctx, s.Unit, "replace", result)
	default:
		_, err = conn.RestartUnitContext(ctx, s.Unit, "replace", result)
	}
	if err != nil {
		if isNoSuchUnitErr(err) {
			return engine.NoRetry(fmt.Errorf("%s %s: %w", s.Action, s.Unit, err))
		}
		return fmt.Errorf("%s %s: %w", s.Action, s.Unit, err)
	}

	select {
	case res := <-result:
		if res != "done" {
			return fmt.Errorf("%s %s: job result %s", s.Action, s.Unit, res)
		}
		s.log.Debug("systemd job done", logx.String("unit", s.Unit), logx.String("action", s.Action))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Systemd) check(ctx context.Context, conn *dbus.Conn) error {
	props, err := conn.GetUnitPropertiesContext(ctx, s.Unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return engine.NoRetry(fmt.Errorf("check %s: %w", s.Unit, err))
		}
		return fmt.Errorf("check %s: %w", s.Unit, err)
	}
	load, _ := props["LoadState"].(string)
	if load == "not-found" {
		return engine.NoRetry(fmt.Errorf("check %s: unit not found", s.Unit))
	}
	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	if active != "active" {
		return fmt.Errorf("check %s: %s (%s)", s.Unit, active, sub)
	}
	return nil
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
