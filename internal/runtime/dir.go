package runtime

import (
	"context"
	"os"

	"github.com/google/shlex"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

// AdminArgs give a container full access to devices and ZFS so package
// builds and bootloader installs work inside it.
const AdminArgs = `--console=pipe --bind=/dev --bind=/dev/zfs --capability=all --property="DeviceAllow=block-* rwm"`

// Dir runs commands in a root directory with systemd-nspawn.
type Dir struct {
	env Env
	dir string
}

func NewDir(env Env, dir string) *Dir {
	return &Dir{env: env, dir: dir}
}

func (d *Dir) String() string { return d.dir }

func (d *Dir) Path() string { return d.dir }

func (d *Dir) argv(opts Options) ([]string, error) {
	args := []string{"--quiet", "--directory=" + d.dir}
	if opts.Overlay {
		args = append(args, "--volatile=overlay")
	}
	if opts.Home {
		if home := os.Getenv("HOME"); home != "" {
			args = append(args, "--bind="+home+":/root")
		}
	}
	if opts.Nest {
		args = append(args, "--bind=/nest")
	}
	if opts.Puppet {
		args = append(args, "--bind-ro="+puppetConfDir)
	}
	if sock := agentSocket(opts); sock != "" {
		args = append(args, "--bind="+sock, "--setenv=SSH_AUTH_SOCK="+sock)
	}
	if opts.ExtraArgs != "" {
		extra, err := shlex.Split(opts.ExtraArgs)
		if err != nil {
			return nil, apperr.User("invalid extra arguments %q: %v", opts.ExtraArgs, err)
		}
		args = append(args, extra...)
	}
	if opts.Command != "" {
		args = append(args, "/bin/sh", "-c", opts.Command)
	}
	return args, nil
}

// Exec attaches the command, or an interactive shell, to the terminal.
func (d *Dir) Exec(ctx context.Context, opts Options) error {
	args, err := d.argv(opts)
	if err != nil {
		return err
	}
	d.env.Log.Debug().Str("dir", d.dir).Str("command", opts.Command).Msg("nspawn")
	return d.env.Cmd.Stream(ctx, "systemd-nspawn", args...)
}

// Query runs a read-only command inside the directory, also in dry-run mode.
func (d *Dir) Query(ctx context.Context, opts Options) error {
	args, err := d.argv(opts)
	if err != nil {
		return err
	}
	name, args := shell.Sudo(d.env.Cmd, "systemd-nspawn", args...)
	_, err = d.env.Cmd.Query(ctx, name, args...)
	return err
}
