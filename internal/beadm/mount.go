package beadm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

// MountResult distinguishes a fresh mount from one that was already in place.
type MountResult int

const (
	Mounted MountResult = iota + 1
	AlreadyMounted
)

func (r MountResult) String() string {
	switch r {
	case Mounted:
		return "mounted"
	case AlreadyMounted:
		return "already mounted"
	default:
		return "unknown"
	}
}

type mountEntry struct {
	fs   string
	path string
}

// filesystems lists the filesystems of boot environment name with the path
// each one is expected at when mounted. Filesystems without a real
// mountpoint are left out.
func (m *Manager) filesystems(ctx context.Context, name string) ([]mountEntry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	res, err := m.cmd.Query(ctx, "zfs", "list", "-H", "-o", "name,mountpoint", "-r", m.dataset(name))
	if err != nil || len(shell.Lines(res.Stdout)) == 0 {
		return nil, apperr.User("boot environment '%s' does not exist", name)
	}
	root := m.MountPath(name)
	var out []mountEntry
	for _, line := range shell.Lines(res.Stdout) {
		fs, mp, _ := strings.Cut(line, "\t")
		if !strings.HasPrefix(mp, "/") {
			continue
		}
		if mp == "/" {
			mp = ""
		}
		out = append(out, mountEntry{fs: fs, path: root + mp})
	}
	return out, nil
}

// mountTable maps mounted ZFS filesystems to their mountpoints.
func (m *Manager) mountTable(ctx context.Context) (map[string]string, error) {
	res, err := m.cmd.Query(ctx, "zfs", "mount")
	if err != nil {
		return nil, fmt.Errorf("read zfs mount table: %w", err)
	}
	table := map[string]string{}
	for _, line := range shell.Lines(res.Stdout) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		table[fields[0]] = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	}
	return table, nil
}

var findmntEscapes = strings.NewReplacer(`\x20`, " ", `\x09`, "\t", `\x0a`, "\n", `\x5c`, `\`)

// mountedPaths maps every mount target on the system, ZFS or not, to its
// source.
func (m *Manager) mountedPaths(ctx context.Context) (map[string]string, error) {
	res, err := m.cmd.Query(ctx, "findmnt", "-rn", "-o", "TARGET,SOURCE")
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	paths := map[string]string{}
	for _, line := range shell.Lines(res.Stdout) {
		target, source, _ := strings.Cut(line, " ")
		paths[findmntEscapes.Replace(target)] = findmntEscapes.Replace(source)
	}
	return paths, nil
}

type mountState struct {
	expected []mountEntry
	matched  int
	conflict bool
}

func (s mountState) all() bool  { return len(s.expected) > 0 && s.matched == len(s.expected) }
func (s mountState) none() bool { return s.matched == 0 && !s.conflict }

func (m *Manager) mountState(ctx context.Context, name string) (mountState, error) {
	expected, err := m.filesystems(ctx, name)
	if err != nil {
		return mountState{}, err
	}
	table, err := m.mountTable(ctx)
	if err != nil {
		return mountState{}, err
	}
	byPath, err := m.mountedPaths(ctx)
	if err != nil {
		return mountState{}, err
	}
	st := mountState{expected: expected}
	for _, e := range expected {
		if p, ok := table[e.fs]; ok {
			if p == e.path {
				st.matched++
			} else {
				st.conflict = true
			}
			continue
		}
		if _, busy := byPath[e.path]; busy {
			st.conflict = true
		}
	}
	return st, nil
}

// IsMounted reports whether every filesystem of name is mounted where Mount
// would put it.
func (m *Manager) IsMounted(ctx context.Context, name string) (bool, error) {
	st, err := m.mountState(ctx, name)
	if err != nil {
		return false, err
	}
	return st.all(), nil
}

// Mount mounts every filesystem of boot environment name beneath
// MountPath(name). A partially mounted environment is never repaired.
func (m *Manager) Mount(ctx context.Context, name string) (MountResult, error) {
	st, err := m.mountState(ctx, name)
	if err != nil {
		return 0, err
	}
	root := m.MountPath(name)
	if st.all() {
		m.log.Warn().Msgf("The boot environment is already mounted at %s", root)
		return AlreadyMounted, nil
	}
	if !st.none() {
		return 0, apperr.User("boot environment '%s' is partially mounted or its mountpoints are in use", name)
	}

	m.log.Info().Msgf("Mounting boot environment '%s' at %s", name, root)

	if _, err := os.Stat(root); err != nil {
		if _, err := m.cmd.Run(ctx, "mkdir", root); err != nil {
			return 0, fmt.Errorf("make %s: %w", root, err)
		}
	}
	for _, e := range st.expected {
		if _, err := m.cmd.Run(ctx, "mount", "-t", "zfs", "-o", "zfsutil", e.fs, e.path); err != nil {
			_, _ = m.cmd.Run(ctx, "umount", "-R", root)
			_, _ = m.cmd.Run(ctx, "rmdir", root)
			return 0, fmt.Errorf("mount %s at %s, manual cleanup may be required: %w", e.fs, e.path, err)
		}
	}

	m.log.Success().Msgf("Mounted boot environment '%s' at %s", name, root)
	return Mounted, nil
}

// Unmount reverses Mount. Unmounting an environment that isn't mounted only
// logs a warning.
func (m *Manager) Unmount(ctx context.Context, name string) error {
	st, err := m.mountState(ctx, name)
	if err != nil {
		return err
	}
	if st.matched == 0 {
		m.log.Warn().Msg("The boot environment is already unmounted")
		return nil
	}

	root := m.MountPath(name)
	m.log.Info().Msgf("Unmounting boot environment '%s'", name)

	if _, err := m.cmd.Run(ctx, "umount", "-R", root); err != nil {
		return apperr.User("failed to unmount boot environment '%s'. Is something using it? (%v)", name, err)
	}
	if _, err := m.cmd.Run(ctx, "rmdir", root); err != nil {
		return apperr.User("failed to remove %s. Is something using it? (%v)", root, err)
	}

	m.log.Success().Msgf("Unmounted boot environment '%s'", name)
	return nil
}
