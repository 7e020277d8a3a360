package updater

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/blk"
	"github.com/puppetjoy/nest-cli/internal/fsatomic"
	"github.com/puppetjoy/nest-cli/internal/installer"
	"github.com/puppetjoy/nest-cli/internal/pipeline"
	"github.com/puppetjoy/nest-cli/internal/puppet"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

// Rsync updater steps.
const (
	StepSync     = "sync"
	StepKernel   = "kernel"
	StepFirmware = "firmware"
)

var kernelTags = []string{"kernel", "bootloader", "firmware"}

// NewRsync resets a host to its stage 3 image. Kernel and firmware resets
// act on the live root, everything else on the alternate boot environment.
func NewRsync(env Env) *Updater {
	return &Updater{
		name:  "reset",
		env:   env,
		steps: rsyncSteps,
		adjust: func(o Options) Options {
			o.BootEnv = !(o.Kernel || o.Firmware)
			return o
		},
	}
}

func rsyncSteps(u *Updater) []pipeline.Step {
	return []pipeline.Step{
		{Name: StepBackup, Action: u.backup},
		{Name: StepMount, Action: u.mount},
		{Name: StepSync, Action: u.sync},
		{Name: StepKernel, Action: u.kernel},
		{Name: StepUnmount, Action: u.unmount},
		{Name: StepActivate, Action: u.activate},
		{Name: StepFirmware, Action: u.firmware},
	}
}

func (u *Updater) image() (string, error) {
	image := filepath.Join(u.env.Config.HostsDir, u.env.Hostname)
	if fi, err := os.Stat(image); err != nil || !fi.IsDir() {
		return "", apperr.User("image for %s does not exist at %s", u.env.Hostname, image)
	}
	return image, nil
}

func (u *Updater) rsyncArgs() []string {
	args := []string{"--archive", "--hard-links", "--acls", "--xattrs", "--delete", "--inplace"}
	if u.opts.Test {
		args = append(args, "--dry-run", "--checksum", "--itemize-changes")
	}
	if u.opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

func (u *Updater) sync(ctx context.Context) error {
	if err := u.ensureTargetMounted(ctx); err != nil {
		return err
	}
	image, err := u.image()
	if err != nil {
		return err
	}
	rules, err := LoadRules(u.env.Config.RsyncFilters)
	if err != nil {
		return err
	}
	keep, err := KeepList(image, u.dir)
	if err != nil {
		return err
	}
	filter := filepath.Join(os.TempDir(), "nest-reset-"+u.env.Hostname+".rules")
	if err := fsatomic.WriteFile(filter, []byte(rules.Render(keep)), 0o644); err != nil {
		return fmt.Errorf("write filter rules: %w", err)
	}
	defer os.Remove(filter)
	u.env.Log.Debug().Str("file", filter).Int("keep", len(keep)).Msg("rsync filters")

	args := append(u.rsyncArgs(), "--filter=merge "+filter, image+"/", strings.TrimSuffix(u.dir, "/")+"/")
	u.env.Log.Info().Msgf("Syncing %s to %s", image, u.dir)
	if err := u.env.Cmd.Stream(ctx, "rsync", args...); err != nil {
		return fmt.Errorf("sync %s: %w", u.dir, err)
	}
	u.env.Log.Success().Msgf("Synced %s", u.dir)
	return nil
}

// kernelVersion reads the image's active kernel from its usr/src/linux link.
func kernelVersion(image string) (string, error) {
	link, err := os.Readlink(filepath.Join(image, "usr/src/linux"))
	if err != nil {
		return "", apperr.User("image %s has no active kernel: %v", image, err)
	}
	return strings.TrimPrefix(filepath.Base(link), "linux-"), nil
}

func (u *Updater) kernel(ctx context.Context) error {
	if err := u.ensureTargetMounted(ctx); err != nil {
		return err
	}
	image, err := u.image()
	if err != nil {
		return err
	}
	version, err := kernelVersion(image)
	if err != nil {
		return err
	}

	u.env.Log.Info().Msgf("Syncing kernel %s to %s", version, u.dir)
	for _, dir := range []string{"usr/src/linux-" + version, "lib/modules/" + version} {
		src := filepath.Join(image, dir) + "/"
		dst := filepath.Join(u.dir, dir) + "/"
		if err := u.env.Cmd.Stream(ctx, "rsync", append(u.rsyncArgs(), "--mkpath", src, dst)...); err != nil {
			return fmt.Errorf("sync %s: %w", dir, err)
		}
	}
	if u.opts.Test {
		return nil
	}
	if _, err := u.env.Cmd.Run(ctx, "ln", "-sfn", "linux-"+version, filepath.Join(u.dir, "usr/src/linux")); err != nil {
		return fmt.Errorf("select kernel %s: %w", version, err)
	}
	return u.puppet(ctx, puppet.Options{Kernel: true, Tags: kernelTags})
}

// bootDisk finds the disk holding /boot, falling back to the disk under the
// pool.
func (u *Updater) bootDisk(ctx context.Context) (string, error) {
	var part string
	if res, err := u.env.Cmd.Query(ctx, "findmnt", "-n", "-o", "SOURCE", "/boot"); err == nil {
		part = strings.TrimSpace(string(res.Stdout))
	}
	if part == "" && u.env.BootEnvs != nil {
		res, err := u.env.Cmd.Query(ctx, "zpool", "list", "-H", "-P", "-v", "-o", "name", u.env.BootEnvs.Pool())
		if err != nil {
			return "", fmt.Errorf("list pool devices: %w", err)
		}
		for _, l := range shell.Lines(res.Stdout) {
			if f := strings.Fields(l); len(f) > 0 && strings.HasPrefix(f[0], "/dev/") {
				part = f[0]
				break
			}
		}
	}
	if part == "" {
		return "", fmt.Errorf("could not find the boot disk")
	}
	return blk.ParentDisk(ctx, u.env.Cmd, part)
}

func (u *Updater) firmware(ctx context.Context) error {
	inst, err := installer.ForHost(installer.Env{Cmd: u.env.Cmd, Log: u.env.Log, Config: u.env.Config}, u.env.Hostname)
	if err != nil {
		return err
	}
	if len(inst.Platform.Firmware) == 0 {
		u.env.Log.Info().Msgf("No firmware to install for %s", inst.Platform.Name)
		return nil
	}
	disk, err := u.bootDisk(ctx)
	if err != nil {
		return err
	}
	if u.opts.Test {
		u.env.Log.Info().Msgf("test mode: would install %s firmware to %s", inst.Platform.Name, disk)
		return nil
	}
	return inst.WriteFirmware(ctx, disk)
}
