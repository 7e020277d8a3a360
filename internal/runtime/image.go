package runtime

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

var (
	taggedRe  = regexp.MustCompile(`:\S+$`)
	displayRe = regexp.MustCompile(`^:(\d+)`)
)

// test seam
var fileExists = func(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

var qemuArches = []string{"aarch64", "arm", "x86_64"}

// Profile is the host classification reported by Facter.
type Profile struct {
	CPU      string `yaml:"cpu"`
	Platform string `yaml:"platform"`
	Role     string `yaml:"role"`
}

// Image runs commands in a throwaway podman container.
type Image struct {
	env   Env
	image string
}

// NewImage resolves name to a fully tagged image. Untagged stage and tool
// images are tagged for this host's profile.
func NewImage(ctx context.Context, env Env, name string) (*Image, error) {
	if !taggedRe.MatchString(name) {
		p, err := hostProfile(ctx, env.Cmd)
		if err != nil {
			return nil, err
		}
		var tag string
		switch {
		case name == "stage0", strings.HasPrefix(name, "tools/"):
			tag = p.CPU
		case name == "stage1":
			tag = p.CPU + "-" + p.Role
		case name == "stage2":
			tag = p.Platform + "-" + p.Role
		}
		if tag != "" {
			name += ":" + tag
		}
	}
	return &Image{env: env, image: env.Config.ImagePrefix + "/" + name}, nil
}

func hostProfile(ctx context.Context, cmd shell.Commander) (Profile, error) {
	res, err := cmd.Query(ctx, "facter", "-py", "profile")
	if err != nil {
		return Profile{}, fmt.Errorf("read host profile: %w", err)
	}
	var doc struct {
		Profile Profile `yaml:"profile"`
	}
	if err := yaml.Unmarshal(res.Stdout, &doc); err != nil {
		return Profile{}, fmt.Errorf("parse host profile: %w", err)
	}
	return doc.Profile, nil
}

func (i *Image) String() string { return i.image }

func (i *Image) Exec(ctx context.Context, opts Options) error {
	log := i.env.Log
	if !opts.Overlay {
		log.Warn().Msg("Container storage is ephemeral")
	}

	if _, err := i.env.Cmd.Run(ctx, "podman", "pull", i.image); err != nil {
		return apperr.User("image '%s' not found", i.image)
	}

	args := []string{"run", "--rm", "-it",
		"--name", "nest-" + uuid.NewString()[:8],
		"--dns", i.env.Config.ContainerDNS,
		"-e", "TERM"}
	args = append(args, i.x11Args(ctx, opts)...)
	for _, arch := range qemuArches {
		bin := "/usr/bin/qemu-" + arch
		if fileExists(bin) {
			args = append(args, "-v", bin+":"+bin+":ro")
		}
	}
	if opts.Home {
		args = append(args, "-v", os.Getenv("HOME")+":/root")
	}
	if opts.Nest {
		args = append(args, "-v", "/nest:/nest")
	}
	if opts.Puppet {
		args = append(args, "-v", puppetConfDir+":"+puppetConfDir+":ro")
	}
	if sock := agentSocket(opts); sock != "" {
		args = append(args, "-v", sock+":"+sock, "-e", "SSH_AUTH_SOCK="+sock)
	}
	if opts.Portage {
		args = append(args,
			"-e", "FEATURES=-ipc-sandbox -pid-sandbox -network-sandbox -usersandbox",
			"-v", "/etc/portage/make.conf:/etc/portage/make.conf:ro",
			"-v", "/var/db/repos:/var/db/repos:ro")
	}
	if opts.ExtraArgs != "" {
		extra, err := shlex.Split(opts.ExtraArgs)
		if err != nil {
			return apperr.User("invalid extra arguments %q: %v", opts.ExtraArgs, err)
		}
		args = append(args, extra...)
	}
	args = append(args, i.image)
	if opts.Command != "" {
		sh := os.Getenv("SHELL")
		if sh == "" {
			sh = "/bin/sh"
		}
		args = append(args, sh, "-c", opts.Command)
	}
	return i.env.Cmd.Stream(ctx, "podman", args...)
}

func (i *Image) x11Args(ctx context.Context, opts Options) []string {
	display := os.Getenv("DISPLAY")
	if !opts.X11 || display == "" {
		return nil
	}
	args := []string{"-e", "DISPLAY", "-e", "GDK_DPI_SCALE", "-e", "GDK_SCALE",
		"-e", "QT_AUTO_SCREEN_SCALE_FACTOR", "-e", "QT_SCALE_FACTOR"}
	if m := displayRe.FindStringSubmatch(display); m != nil {
		socket := "/tmp/.X11-unix/X" + m[1]
		if fileExists(socket) {
			res, err := i.env.Cmd.Query(ctx, "xhost")
			if err == nil && !strings.Contains(string(res.Stdout), "LOCAL:") {
				if _, err := i.env.Cmd.Run(ctx, "xhost", "+local:root"); err != nil {
					i.env.Log.Warn().Err(err).Msg("Failed to allow local X11 access")
				}
			}
			args = append(args, "-v", socket+":"+socket+":ro")
		}
	}
	return args
}
