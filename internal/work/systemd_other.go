//go:build !linux

package work

import "context"

func (s *Systemd) Run(context.Context) error { return ErrUnsupported }
