// Package service controls systemd units on the running host over D-Bus.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/puppetjoy/nest-cli/internal/logging"
)

// Units is the subset of systemd the updaters need.
type Units interface {
	// Active reports whether any of units is active.
	Active(ctx context.Context, units ...string) (bool, error)
	// Loaded reports whether unit is known to systemd.
	Loaded(ctx context.Context, unit string) (bool, error)
	Stop(ctx context.Context, units ...string) error
	Restart(ctx context.Context, unit string) error
}

// Systemd talks to the system manager. The connection is opened on first use.
type Systemd struct {
	log    *logging.Logger
	dryRun bool

	once sync.Once
	conn *dbus.Conn
	err  error
}

func NewSystemd(log *logging.Logger, dryRun bool) *Systemd {
	return &Systemd{log: log, dryRun: dryRun}
}

func (s *Systemd) connect(ctx context.Context) (*dbus.Conn, error) {
	s.once.Do(func() {
		s.conn, s.err = dbus.NewSystemConnectionContext(ctx)
		if s.err != nil {
			s.err = fmt.Errorf("connect to systemd: %w", s.err)
		}
	})
	return s.conn, s.err
}

func (s *Systemd) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Systemd) status(ctx context.Context, units []string) ([]dbus.UnitStatus, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn.ListUnitsByNamesContext(ctx, units)
}

func (s *Systemd) Active(ctx context.Context, units ...string) (bool, error) {
	st, err := s.status(ctx, units)
	if err != nil {
		return false, err
	}
	for _, u := range st {
		if u.ActiveState == "active" || u.ActiveState == "activating" {
			return true, nil
		}
	}
	return false, nil
}

func (s *Systemd) Loaded(ctx context.Context, unit string) (bool, error) {
	st, err := s.status(ctx, []string{unit})
	if err != nil {
		return false, err
	}
	return len(st) == 1 && st[0].LoadState != "not-found", nil
}

func (s *Systemd) Stop(ctx context.Context, units ...string) error {
	for _, u := range units {
		if err := s.job(ctx, "stop", u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Systemd) Restart(ctx context.Context, unit string) error {
	return s.job(ctx, "restart", unit)
}

func (s *Systemd) job(ctx context.Context, verb, unit string) error {
	if s.dryRun {
		s.log.Info().Str("unit", unit).Msgf("dry run: systemctl %s", verb)
		return nil
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.log.Debug().Str("unit", unit).Msgf("systemctl %s", verb)

	done := make(chan string, 1)
	switch verb {
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	default:
		return fmt.Errorf("unsupported unit operation %q", verb)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, unit, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s %s: job %s", verb, unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
