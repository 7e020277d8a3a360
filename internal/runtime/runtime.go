// Package runtime resolves a target name to a boot environment, a mounted
// root, a host image or a container image and runs commands inside it.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/beadm"
	"github.com/puppetjoy/nest-cli/internal/config"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

type Kind int

const (
	Auto Kind = iota
	BootEnvKind
	MntKind
	HostKind
	ImageKind
)

// Options control what an Exec maps into the target.
type Options struct {
	// Command runs instead of an interactive shell when set.
	Command string
	// ExtraArgs are passed to the underlying runtime, shell-quoted.
	ExtraArgs string

	Home    bool
	Nest    bool
	Portage bool
	X11     bool
	// Puppet maps in the host's Puppet configuration read-only.
	Puppet bool
	// SSH forwards the ssh-agent socket named by SSH_AUTH_SOCK.
	SSH bool
	// Overlay keeps writes out of the underlying directory.
	Overlay bool
}

func DefaultOptions() Options {
	return Options{Home: true, Nest: true, Portage: true, X11: true, Overlay: true, SSH: true}
}

type Runtime interface {
	Exec(ctx context.Context, opts Options) error
	String() string
}

// BootEnvs is the part of the boot environment manager runtimes need.
type BootEnvs interface {
	Exists(ctx context.Context, name string) (bool, error)
	Mount(ctx context.Context, name string) (beadm.MountResult, error)
	Unmount(ctx context.Context, name string) error
	MountPath(name string) string
}

// Env bundles the collaborators shared by every runtime.
type Env struct {
	Cmd    shell.Commander
	Log    *logging.Logger
	Config config.Config
	// BootEnvs is nil when / is not a boot environment.
	BootEnvs BootEnvs
}

var imageRe = regexp.MustCompile(`^(stage\d|tools/)`)

const puppetConfDir = "/etc/puppetlabs"

// agentSocket is the ssh-agent socket to forward, if any.
func agentSocket(opts Options) string {
	if !opts.SSH {
		return ""
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" || !fileExists(sock) {
		return ""
	}
	return sock
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func (e Env) isBootEnv(ctx context.Context, name string) bool {
	if e.BootEnvs == nil {
		return false
	}
	ok, err := e.BootEnvs.Exists(ctx, name)
	return err == nil && ok
}

// Find resolves name. With kind Auto the candidates are tried in order:
// boot environment, directory under the mount root, host image, container
// image.
func Find(ctx context.Context, env Env, name string, kind Kind) (Runtime, error) {
	mnt := filepath.Join(env.Config.MountRoot, name)
	host := filepath.Join(env.Config.HostsDir, name)

	switch {
	case kind == BootEnvKind || (kind == Auto && env.isBootEnv(ctx, name)):
		if env.BootEnvs == nil {
			return nil, apperr.User("/ is not a boot environment, so '%s' cannot be one", name)
		}
		return NewBootEnv(env, name), nil
	case kind == MntKind || (kind == Auto && isDir(mnt)):
		return NewDir(env, mnt), nil
	case kind == HostKind || (kind == Auto && isDir(host)):
		return NewDir(env, host), nil
	case kind == ImageKind || (kind == Auto && imageRe.MatchString(name)):
		return NewImage(ctx, env, name)
	}
	return nil, apperr.User("'%s' not found", name)
}
