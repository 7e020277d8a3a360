package beadm

import (
	"context"
	"fmt"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

// Activate selects boot environment name for the next boot, then normalizes
// the running system: filesystems of the current boot environment are set to
// mount automatically and promoted if they are clones, all others are set to
// canmount=noauto. An empty name only performs the normalization.
func (m *Manager) Activate(ctx context.Context, name string) error {
	if name != "" {
		if err := validName(name); err != nil {
			return err
		}
		exists, err := m.Exists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			return apperr.User("boot environment '%s' does not exist", name)
		}
		active, err := m.Active(ctx)
		if err != nil {
			return err
		}

		m.log.Info().Msgf("Configuring boot environment '%s' for next reboot", name)
		if name != active {
			if _, err := m.cmd.Run(ctx, "zpool", "set", "bootfs="+m.dataset(name), m.pool); err != nil {
				return fmt.Errorf("set zpool bootfs: %w", err)
			}
		}
		m.log.Success().Msgf("Boot environment '%s' will be active next reboot", name)
	}

	m.log.Info().Msgf("Activating current boot environment '%s'", m.current)

	res, err := m.cmd.Query(ctx, "zfs", "list", "-H", "-o", "name,canmount,origin", "-r", m.beRoot)
	if err != nil {
		return fmt.Errorf("list boot environment filesystems: %w", err)
	}
	for _, line := range shell.Lines(res.Stdout) {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 || fields[0] == m.beRoot {
			continue
		}
		fs, canmount, origin := fields[0], fields[1], fields[2]

		if fs == m.currentFS || strings.HasPrefix(fs, m.currentFS+"/") {
			if canmount != "on" {
				if _, err := m.cmd.Run(ctx, "zfs", "set", "canmount=on", fs); err != nil {
					return fmt.Errorf("enable current boot environment: %w", err)
				}
			}
			if origin != "-" {
				if _, err := m.cmd.Run(ctx, "zfs", "promote", fs); err != nil {
					return fmt.Errorf("promote current boot environment clone: %w", err)
				}
			}
		} else if canmount != "noauto" {
			if _, err := m.cmd.Run(ctx, "zfs", "set", "canmount=noauto", fs); err != nil {
				return fmt.Errorf("disable inactive boot environment: %w", err)
			}
		}
	}

	m.log.Success().Msgf("Boot environment '%s' is active", m.current)
	return nil
}
