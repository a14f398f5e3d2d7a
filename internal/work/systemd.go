package work

import (
	"errors"
	"strings"

	"jobsched/pkg/logx"
)

const KindSystemd = "systemd"

var ErrUnsupported = errors.New("systemd: unsupported on this platform")

// Systemd acts on one unit over D-Bus: start, stop, restart, reload, or check
// that it is active.
type Systemd struct {
	Unit   string
	Action string

	log logx.Logger
}

var systemdActions = map[string]bool{"start": true, "stop": true, "restart": true, "reload": true, "check": true}

func newSystemd(spec Spec, log logx.Logger) (Work, error) {
	unit := strings.TrimSpace(spec.Unit)
	if unit == "" {
		return nil, invalid("systemd: unit required")
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	action := strings.ToLower(strings.TrimSpace(spec.Action))
	if action == "" {
		action = "restart"
	}
	if !systemdActions[action] {
		return nil, invalid("systemd: unknown action %q", spec.Action)
	}
	return &Systemd{Unit: unit, Action: action, log: log}, nil
}

func (*Systemd) Kind() string { return KindSystemd }
