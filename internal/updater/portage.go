package updater

import (
	"context"
	"fmt"

	"github.com/puppetjoy/nest-cli/internal/pipeline"
	"github.com/puppetjoy/nest-cli/internal/puppet"
)

// Portage updater steps.
const (
	StepConfig   = "config"
	StepPre      = "pre"
	StepPackages = "packages"
	StepPost     = "post"
	StepReconfig = "reconfig"
)

const kexecUnit = "kexec-load.service"

// NewPortage updates a host in place with its package manager.
func NewPortage(env Env) *Updater {
	return &Updater{name: "update", env: env, steps: portageSteps}
}

func portageSteps(u *Updater) []pipeline.Step {
	return []pipeline.Step{
		{Name: StepBackup, Action: u.backup},
		{Name: StepMount, Action: u.mount},
		{Name: StepConfig, Action: u.config},
		{Name: StepPre, Action: func(ctx context.Context) error { return u.hook(ctx, "pre-update.sh") }},
		{Name: StepPackages, Action: u.packages},
		{Name: StepPost, Action: func(ctx context.Context) error { return u.hook(ctx, "post-update.sh") }},
		{Name: StepReconfig, Action: u.reconfig},
		{Name: StepUnmount, Action: u.unmount},
		{Name: StepActivate, Action: u.activate},
	}
}

func (u *Updater) config(ctx context.Context) error {
	if err := u.ensureTargetMounted(ctx); err != nil {
		return err
	}
	return u.puppet(ctx, puppet.Options{})
}

// hook runs an optional site script from /etc/nest in the target.
func (u *Updater) hook(ctx context.Context, name string) error {
	if err := u.ensureTargetMounted(ctx); err != nil {
		return err
	}
	script := "/etc/nest/" + name
	if !u.targetExists(script) {
		u.env.Log.Debug().Str("script", script).Msg("no hook script")
		return nil
	}
	if err := u.stopPuppet(ctx); err != nil {
		return err
	}
	if err := u.run(ctx, script); err != nil {
		return fmt.Errorf("run %s: %w", script, err)
	}
	return nil
}

func (u *Updater) emerge() string {
	command := "emerge"
	if u.opts.Noop {
		command += " -p"
	}
	if u.opts.Verbose {
		command += " -v"
	}
	return command
}

func (u *Updater) packages(ctx context.Context) error {
	if err := u.ensureTargetMounted(ctx); err != nil {
		return err
	}
	if err := u.stopPuppet(ctx); err != nil {
		return err
	}

	if u.query(ctx, "eix -eu sys-apps/portage > /dev/null") == nil {
		// Portage may not update cleanly on its own; the world update covers it.
		if err := u.run(ctx, u.emerge()+" -1 sys-apps/portage"); err != nil {
			u.env.Log.Warn().Err(err).Msg("failed to update Portage first")
		}
	}

	extra := ""
	if u.opts.ExtraArgs != "" {
		extra = " " + u.opts.ExtraArgs
	}
	if err := u.run(ctx, u.emerge()+" -DuN --with-bdeps=y --keep-going"+extra+" @world"); err != nil {
		return fmt.Errorf("update system: %w", err)
	}
	if err := u.run(ctx, u.emerge()+" --depclean"); err != nil {
		return fmt.Errorf("remove unnecessary packages: %w", err)
	}
	u.env.Log.Success().Msg("Updated packages")
	return nil
}

func (u *Updater) reconfig(ctx context.Context) error {
	if err := u.ensureTargetMounted(ctx); err != nil {
		return err
	}
	if err := u.puppet(ctx, puppet.Options{Kernel: true}); err != nil {
		return err
	}
	return u.reloadKexec(ctx)
}

// reloadKexec stages the freshly installed kernel for the next soft reboot.
func (u *Updater) reloadKexec(ctx context.Context) error {
	if !u.live() || u.env.Units == nil {
		return nil
	}
	loaded, err := u.env.Units.Loaded(ctx, kexecUnit)
	if err != nil || !loaded {
		return nil
	}
	if err := u.env.Units.Restart(ctx, kexecUnit); err != nil {
		return fmt.Errorf("reload kexec: %w", err)
	}
	return nil
}
