// Package updater brings an existing host up to date, either by running the
// package manager in it or by resyncing it from its stage 3 image. Updates
// are applied to a boot environment that becomes active afterwards.
package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/beadm"
	"github.com/puppetjoy/nest-cli/internal/config"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/pipeline"
	"github.com/puppetjoy/nest-cli/internal/puppet"
	"github.com/puppetjoy/nest-cli/internal/runtime"
	"github.com/puppetjoy/nest-cli/internal/service"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

// Steps shared by both updaters.
const (
	StepBackup   = "backup"
	StepMount    = "mount"
	StepUnmount  = "unmount"
	StepActivate = "activate"
)

var puppetUnits = []string{"puppet-run.service", "puppet-run.timer"}

// BootEnvs is the boot environment manager as the updaters use it.
type BootEnvs interface {
	Current() string
	Pool() string
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Mount(ctx context.Context, name string) (beadm.MountResult, error)
	Unmount(ctx context.Context, name string) error
	IsMounted(ctx context.Context, name string) (bool, error)
	Activate(ctx context.Context, name string) error
	MountPath(name string) string
}

type Env struct {
	Cmd      shell.Commander
	Log      *logging.Logger
	Config   config.Config
	BootEnvs BootEnvs
	// Units is nil when systemd is not reachable.
	Units service.Units
	// Hostname selects the host image for resyncs and firmware.
	Hostname string
}

type Options struct {
	// BootEnv updates the alternate A/B boot environment instead of the
	// live root.
	BootEnv bool
	// Dir updates an already mounted root and skips boot environment steps.
	Dir       string
	ExtraArgs string
	Noop      bool
	Verbose   bool

	// Kernel and Firmware reset only those parts of the live root.
	Kernel   bool
	Firmware bool
	// Test reports what a resync would change.
	Test bool
}

// Updater runs one of the update pipelines.
type Updater struct {
	name  string
	env   Env
	steps func(u *Updater) []pipeline.Step
	// adjust lets a variant derive options before the target is resolved.
	adjust func(Options) Options

	opts    Options
	dir     string
	bootEnv string
}

// Pipeline returns the updater's steps.
func (u *Updater) Pipeline() *pipeline.Pipeline {
	return pipeline.New(u.name, u.env.Log, u.steps(u)...)
}

// Update runs the steps from start through stop.
func (u *Updater) Update(ctx context.Context, opts Options, start, stop string) error {
	p := u.Pipeline()
	r, err := p.Range(start, stop)
	if err != nil {
		return err
	}
	if u.adjust != nil {
		opts = u.adjust(opts)
	}
	if opts.BootEnv && opts.Dir == "" && u.env.BootEnvs == nil {
		return apperr.User("%s --boot-env: %w", u.name, beadm.ErrNotBootEnv)
	}

	u.opts = opts
	switch {
	case opts.Dir != "":
		u.dir = opts.Dir
	case opts.BootEnv:
		u.bootEnv = u.alternate()
		u.dir = u.env.BootEnvs.MountPath(u.bootEnv)
	default:
		u.dir = "/"
		if u.env.BootEnvs != nil {
			u.bootEnv = u.env.BootEnvs.Current() + ".old"
		}
	}

	if mount := p.Index(StepMount); opts.Dir != "" && r.Start <= mount {
		u.env.Log.Warn().Msg("Skipping backup and mount steps because target directory is specified")
		r.Start = mount + 1
		if r.Start > r.Stop {
			return nil
		}
	}

	u.env.Log.Info().Str("dir", u.dir).Str("bootenv", u.bootEnv).
		Msgf("%s %s through %s", u.name, p.Names()[r.Start], p.Names()[r.Stop])
	return p.RunRange(ctx, r)
}

// alternate is the A/B boot environment not currently running.
func (u *Updater) alternate() string {
	if u.env.BootEnvs.Current() == "A" {
		return "B"
	}
	return "A"
}

func (u *Updater) dryRun() bool { return u.env.Cmd.DryRun() }

// beSteps are only meaningful when the target is a boot environment.
func (u *Updater) beSteps() bool {
	return u.opts.BootEnv && u.opts.Dir == ""
}

func (u *Updater) backup(ctx context.Context) error {
	if u.bootEnv == "" {
		return apperr.User("cannot back up: %w (use --resume)", beadm.ErrNotBootEnv)
	}
	exists, err := u.env.BootEnvs.Exists(ctx, u.bootEnv)
	if err != nil {
		return err
	}
	if exists {
		if err := u.env.BootEnvs.Destroy(ctx, u.bootEnv); err != nil {
			return err
		}
	}
	if err := u.env.BootEnvs.Create(ctx, u.bootEnv); err != nil {
		if !u.dryRun() {
			return err
		}
		u.env.Log.Warn().Err(err).Msg("dry run: ignoring boot environment creation failure")
	}
	return nil
}

func (u *Updater) mount(ctx context.Context) error {
	if !u.beSteps() || u.dryRun() {
		return nil
	}
	_, err := u.env.BootEnvs.Mount(ctx, u.bootEnv)
	return err
}

func (u *Updater) unmount(ctx context.Context) error {
	if !u.beSteps() || u.dryRun() {
		return nil
	}
	return u.env.BootEnvs.Unmount(ctx, u.bootEnv)
}

func (u *Updater) activate(ctx context.Context) error {
	if !u.beSteps() {
		return nil
	}
	if u.dryRun() {
		u.env.Log.Info().Msgf("dry run: activate %s", u.bootEnv)
		return nil
	}
	return u.env.BootEnvs.Activate(ctx, u.bootEnv)
}

// ensureTargetMounted guards steps that work inside the target.
func (u *Updater) ensureTargetMounted(ctx context.Context) error {
	if u.dryRun() {
		return nil
	}
	if u.beSteps() {
		ok, err := u.env.BootEnvs.IsMounted(ctx, u.bootEnv)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("boot environment %s is not mounted", u.bootEnv)
		}
		return nil
	}
	if fi, err := os.Stat(u.dir); err != nil || !fi.IsDir() {
		return fmt.Errorf("target %s does not exist", u.dir)
	}
	return nil
}

func (u *Updater) live() bool { return u.dir == "/" }

func (u *Updater) nspawn() *runtime.Dir {
	return runtime.NewDir(runtime.Env{Cmd: u.env.Cmd, Log: u.env.Log, Config: u.env.Config}, u.dir)
}

// run executes a shell command line in the target with the terminal
// attached.
func (u *Updater) run(ctx context.Context, command string) error {
	if u.live() {
		return u.env.Cmd.Stream(ctx, "sh", "-c", command)
	}
	return u.nspawn().Exec(ctx, runtime.Options{Command: command, ExtraArgs: runtime.AdminArgs, Home: true, Nest: true})
}

// query runs a read-only command line in the target, also in dry-run mode.
func (u *Updater) query(ctx context.Context, command string) error {
	if u.live() {
		_, err := u.env.Cmd.Query(ctx, "sh", "-c", command)
		return err
	}
	return u.nspawn().Query(ctx, runtime.Options{Command: command, ExtraArgs: runtime.AdminArgs})
}

func (u *Updater) targetExists(path string) bool {
	_, err := os.Stat(filepath.Join(u.dir, path))
	return err == nil
}

// stopPuppet keeps the periodic agent from racing an update of the live
// root.
func (u *Updater) stopPuppet(ctx context.Context) error {
	if !u.live() || u.env.Units == nil {
		return nil
	}
	active, err := u.env.Units.Active(ctx, puppetUnits...)
	if err != nil {
		u.env.Log.Warn().Err(err).Msg("could not query Puppet units")
		return nil
	}
	if !active {
		return nil
	}
	return u.env.Units.Stop(ctx, puppetUnits...)
}

func (u *Updater) puppet(ctx context.Context, opts puppet.Options) error {
	if err := u.stopPuppet(ctx); err != nil {
		return err
	}
	opts.Noop = u.opts.Noop
	return puppet.Apply(ctx, u.run, opts)
}
