// Package beadm manages ZFS boot environments: independently bootable clones
// of the root filesystem tree living under <pool>/.../ROOT.
package beadm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

var (
	layoutRe = regexp.MustCompile(`^(([^/]+).*/ROOT)/([^/]+)$`)
	nameRe   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_:.-]*$`)
)

// ErrNotBootEnv is returned by New when / is not mounted from a boot
// environment.
var ErrNotBootEnv = errors.New("/ is not a ZFS boot environment")

type Manager struct {
	cmd       shell.Commander
	log       *logging.Logger
	mountRoot string

	beRoot    string
	pool      string
	currentFS string
	current   string
}

// New discovers the boot environment layout from the filesystem mounted at /.
// Boot environments are mounted beneath mountRoot.
func New(ctx context.Context, cmd shell.Commander, log *logging.Logger, mountRoot string) (*Manager, error) {
	res, err := cmd.Query(ctx, "findmnt", "-n", "-o", "SOURCE", "/")
	if err != nil {
		return nil, fmt.Errorf("find root filesystem: %w", err)
	}
	source := strings.TrimSpace(string(res.Stdout))
	res, err = cmd.Query(ctx, "zfs", "list", "-H", "-o", "name", source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotBootEnv, err)
	}
	fs := strings.TrimSpace(string(res.Stdout))
	m := layoutRe.FindStringSubmatch(fs)
	if m == nil {
		return nil, ErrNotBootEnv
	}
	return &Manager{
		cmd:       cmd,
		log:       log,
		mountRoot: mountRoot,
		beRoot:    m[1],
		pool:      m[2],
		currentFS: fs,
		current:   m[3],
	}, nil
}

// Current is the boot environment the running system booted from.
func (m *Manager) Current() string { return m.current }

func (m *Manager) BERoot() string { return m.beRoot }

func (m *Manager) Pool() string { return m.pool }

// MountPath is where Mount places the root of boot environment name.
func (m *Manager) MountPath(name string) string {
	return filepath.Join(m.mountRoot, name)
}

func (m *Manager) dataset(name string) string {
	return m.beRoot + "/" + name
}

// childName returns the boot environment named by dataset, if it is an
// immediate child of the BE root.
func (m *Manager) childName(dataset string) (string, bool) {
	rest, ok := strings.CutPrefix(dataset, m.beRoot+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// List returns the names of all boot environments.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	res, err := m.cmd.Query(ctx, "zfs", "list", "-H", "-o", "name", "-r", m.beRoot)
	if err != nil {
		return nil, fmt.Errorf("list boot environments: %w", err)
	}
	var bes []string
	for _, line := range shell.Lines(res.Stdout) {
		if name, ok := m.childName(line); ok {
			bes = append(bes, name)
		}
	}
	return bes, nil
}

func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	bes, err := m.List(ctx)
	if err != nil {
		return false, err
	}
	for _, be := range bes {
		if be == name {
			return true, nil
		}
	}
	return false, nil
}

// Active returns the boot environment selected for the next boot.
func (m *Manager) Active(ctx context.Context) (string, error) {
	res, err := m.cmd.Query(ctx, "zpool", "get", "-H", "-o", "value", "bootfs", m.pool)
	if err != nil {
		return "", fmt.Errorf("read zpool bootfs: %w", err)
	}
	bootfs := strings.TrimSpace(string(res.Stdout))
	name, ok := m.childName(bootfs)
	if !ok {
		return "", fmt.Errorf("zpool bootfs %q does not look like a boot environment", bootfs)
	}
	return name, nil
}

func validName(name string) error {
	if !nameRe.MatchString(name) {
		return apperr.User("'%s' is not a valid boot environment name", name)
	}
	return nil
}

// SnapshotTag names the recursive snapshot taken when cloning src to dst.
func SnapshotTag(src, dst string) string {
	return "beadm-clone-" + src + "-to-" + dst
}

// Create clones the current boot environment into a new one called name.
// Either every filesystem is cloned or the snapshot and any partial clones
// are destroyed again.
func (m *Manager) Create(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	exists, err := m.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return apperr.User("boot environment '%s' already exists", name)
	}

	m.log.Info().Msgf("Creating boot environment '%s' from '%s'", name, m.current)

	snapshot := m.currentFS + "@" + SnapshotTag(m.current, name)
	if _, err := m.cmd.Run(ctx, "zfs", "snapshot", "-r", snapshot); err != nil {
		return fmt.Errorf("create snapshots for cloning: %w", err)
	}

	res, err := m.cmd.Query(ctx, "zfs", "list", "-H", "-o", "name,mountpoint,compression", "-r", m.currentFS)
	if err != nil {
		return m.rollbackCreate(ctx, snapshot, fmt.Errorf("list filesystems to clone: %w", err))
	}
	for _, line := range shell.Lines(res.Stdout) {
		fields := strings.SplitN(line, "\t", 3)
		fs := fields[0]
		args := []string{"clone", "-o", "canmount=noauto"}
		if len(fields) > 1 {
			args = append(args, "-o", "mountpoint="+fields[1])
		}
		if len(fields) > 2 && fields[2] != "" && fields[2] != "-" {
			args = append(args, "-o", "compression="+fields[2])
		}
		target := m.dataset(name) + strings.TrimPrefix(fs, m.currentFS)
		args = append(args, fs+"@"+SnapshotTag(m.current, name), target)
		if _, err := m.cmd.Run(ctx, "zfs", args...); err != nil {
			return m.rollbackCreate(ctx, snapshot, fmt.Errorf("clone %s: %w", target, err))
		}
	}

	m.log.Success().Msgf("Created boot environment '%s'", name)
	return nil
}

func (m *Manager) rollbackCreate(ctx context.Context, snapshot string, cause error) error {
	if _, err := m.cmd.Run(ctx, "zfs", "destroy", "-R", "-r", snapshot); err != nil {
		return fmt.Errorf("%w; rolling back %s also failed (%v), manual cleanup may be required", cause, snapshot, err)
	}
	return cause
}

// Destroy removes boot environment name along with the clone snapshots that
// refer to it. The current and active boot environments are protected.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if name == m.current {
		return apperr.User("cannot destroy the current boot environment '%s'", name)
	}
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	if name == active {
		return apperr.User("cannot destroy the active boot environment '%s'; activate another one first", name)
	}
	target := m.dataset(name)
	if _, err := m.cmd.Query(ctx, "zfs", "list", "-H", "-o", "name", target); err != nil {
		return apperr.User("boot environment '%s' does not exist", name)
	}

	m.log.Info().Msgf("Destroying boot environment '%s'", name)

	if _, err := m.cmd.Run(ctx, "zfs", "destroy", "-r", target); err != nil {
		return fmt.Errorf("destroy boot environment: %w", err)
	}

	res, err := m.cmd.Query(ctx, "zfs", "list", "-H", "-o", "name", "-t", "snapshot", "-r", m.beRoot)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	related := regexp.MustCompile(`@beadm-clone-(` + regexp.QuoteMeta(name) + `-to-.*|.*-to-` + regexp.QuoteMeta(name) + `)$`)
	for _, snapshot := range shell.Lines(res.Stdout) {
		if !related.MatchString(snapshot) {
			continue
		}
		if _, err := m.cmd.Run(ctx, "zfs", "destroy", snapshot); err != nil {
			return fmt.Errorf("destroy snapshot %s, manual cleanup may be required: %w", snapshot, err)
		}
	}

	dir := m.MountPath(name)
	if _, err := os.Stat(dir); err == nil {
		if _, err := m.cmd.Run(ctx, "rmdir", dir); err != nil {
			m.log.Warn().Err(err).Msgf("%s exists and couldn't be removed", dir)
		}
	}

	m.log.Success().Msgf("Destroyed boot environment '%s'", name)
	return nil
}
