// Package installer builds a host from its stage 3 image onto a disk, or into
// an NFS export for network-booted hosts.
package installer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/config"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/pipeline"
	"github.com/puppetjoy/nest-cli/internal/prompt"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

// Step names in execution order.
const (
	StepPartition  = "partition"
	StepFormat     = "format"
	StepMount      = "mount"
	StepCopy       = "copy"
	StepBootloader = "bootloader"
	StepUnmount    = "unmount"
	StepFirmware   = "firmware"
	StepCleanup    = "cleanup"
)

const DefaultAshift = 9

var profileRe = regexp.MustCompile(`/([^/]+)/([^/]+)$`)

// Env bundles the collaborators of an install.
type Env struct {
	Cmd    shell.Commander
	Log    *logging.Logger
	Config config.Config
	Prompt prompt.Prompter
}

type Options struct {
	// Disk receives the pool. With Boot set it is consumed whole.
	Disk string
	// Boot is a separate boot disk. iPXE installs use it as the server name.
	Boot    string
	Encrypt bool
	Force   bool
	Ashift  int
}

// Context is everything the steps of one run read. It is resolved before the
// first step runs and never changes afterwards.
type Context struct {
	Options
	// Root is where the new system is mounted or exported.
	Root       string
	Passphrase string
	// KeyFile replaces the passphrase when nobody can type one.
	KeyFile string
}

func (c *Context) bootDevice() string {
	if c.Boot != "" {
		return c.Boot
	}
	return c.Disk
}

// wholeDisk reports whether the pool gets Disk to itself.
func (c *Context) wholeDisk() bool { return c.Boot != "" }

type Installer struct {
	Name     string
	Image    string
	Platform Platform
	Role     string
	// Progress receives a step progress bar when set.
	Progress io.Writer

	env Env
	run *Context
}

// ForHost loads the installer for the host image hosts_dir/name. The
// platform and role come from the image's Portage profile.
func ForHost(env Env, name string) (*Installer, error) {
	image := filepath.Join(env.Config.HostsDir, name)
	link, err := os.Readlink(filepath.Join(image, "etc/portage/make.profile"))
	if err != nil {
		return nil, apperr.User("stage 3 image at %s does not exist", image)
	}
	m := profileRe.FindStringSubmatch(link)
	if m == nil {
		return nil, apperr.User("%s does not contain a valid profile", image)
	}
	platform, err := LookupPlatform(m[1])
	if err != nil {
		return nil, err
	}
	return &Installer{Name: name, Image: image, Platform: platform, Role: m[2], env: env}, nil
}

func (i *Installer) log() *logging.Logger { return i.env.Log }

func (i *Installer) cmd() shell.Commander { return i.env.Cmd }

func (i *Installer) root() string {
	if i.Platform.Export {
		return filepath.Join(i.env.Config.ExportRoot, i.Name)
	}
	return filepath.Join(i.env.Config.MountRoot, i.Name)
}

// Pipeline returns the install steps for this host's platform.
func (i *Installer) Pipeline() *pipeline.Pipeline {
	p := pipeline.New("install", i.log(),
		pipeline.Step{Name: StepPartition, Action: i.partition},
		pipeline.Step{Name: StepFormat, Action: i.format},
		pipeline.Step{Name: StepMount, Action: i.mount},
		pipeline.Step{Name: StepCopy, Action: i.copy},
		pipeline.Step{Name: StepBootloader, Action: i.bootloader},
		pipeline.Step{Name: StepUnmount, Action: i.unmount},
		pipeline.Step{Name: StepFirmware, Action: i.firmware},
		pipeline.Step{Name: StepCleanup, Action: i.cleanup},
	)
	var overrides map[string]pipeline.Action
	switch {
	case i.Platform.Export:
		overrides = i.exportSteps()
	case i.Platform.LiveImage:
		overrides = i.liveSteps()
	}
	for name, action := range overrides {
		_ = p.Rebind(name, action)
	}
	return p
}

// Install runs the steps from start through stop.
func (i *Installer) Install(ctx context.Context, opts Options, start, stop string) error {
	p := i.Pipeline()
	r, err := p.Range(start, stop)
	if err != nil {
		return err
	}
	if opts.Encrypt && !i.Platform.SupportsEncryption {
		return apperr.User("platform '%s' does not support encryption", i.Platform.Name)
	}
	if i.Platform.usesDisk() && opts.Disk == "" && (r.Includes(StepPartition) || r.Includes(StepFormat) || r.Includes(StepFirmware)) {
		return apperr.User("a disk is required to %s %s", start, i.Name)
	}

	c, err := i.resolve(opts, r)
	if err != nil {
		return err
	}
	i.run = &c

	i.log().Info().Str("host", i.Name).Str("platform", i.Platform.Name).Str("role", i.Role).
		Msgf("installing %s through %s", p.Names()[r.Start], p.Names()[r.Stop])
	p.Progress = i.Progress
	return p.RunRange(ctx, r)
}

func (i *Installer) resolve(opts Options, r pipeline.Range) (Context, error) {
	c := Context{Options: opts, Root: i.root()}
	if c.Ashift == 0 {
		c.Ashift = DefaultAshift
	}
	if !opts.Encrypt || !(r.Includes(StepFormat) || r.Includes(StepMount)) {
		return c, nil
	}

	if i.env.Prompt != nil && i.env.Prompt.Interactive() {
		pass, err := i.env.Prompt.Passphrase("Encryption passphrase", r.Includes(StepFormat))
		if err != nil {
			return c, apperr.User("read passphrase: %v", err)
		}
		if len(pass) < i.env.Config.MinPassphrase {
			return c, apperr.User("passphrase must be at least %d characters", i.env.Config.MinPassphrase)
		}
		c.Passphrase = pass
		return c, nil
	}

	c.KeyFile = filepath.Join(i.env.Config.KeyDir, i.Name+".key")
	i.log().Warn().Str("keyfile", c.KeyFile).Msg("no terminal to read a passphrase, using a key file")
	return c, nil
}

// ensureMounted fails steps that need the new root when it is not there.
func (i *Installer) ensureMounted(ctx context.Context) error {
	if i.cmd().DryRun() {
		return nil
	}
	ok, err := i.rootMounted(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.User("%s is not mounted; run the mount step first", i.run.Root)
	}
	return nil
}
