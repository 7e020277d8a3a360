package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/puppetjoy/nest-cli/internal/installer"
	"github.com/puppetjoy/nest-cli/internal/prompt"
	"github.com/puppetjoy/nest-cli/internal/runtime"
	"github.com/puppetjoy/nest-cli/internal/service"
	"github.com/puppetjoy/nest-cli/internal/shell"
	"github.com/puppetjoy/nest-cli/internal/updater"
)

// newBeadmCmd creates the boot environment command group
func newBeadmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beadm",
		Short: "Manage ZFS boot environments",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the current and next boot environments",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				active, err := m.Active(cmd.Context())
				if err != nil {
					return err
				}
				bold := color.New(color.Bold).SprintFunc()
				fmt.Printf("Current boot environment: %s\n", bold(m.Current()))
				fmt.Printf("Active BE on next reboot: %s\n", bold(active))
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List boot environments",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				names, err := m.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create NAME",
			Short: "Clone the current boot environment",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				return m.Create(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "destroy NAME",
			Short: "Destroy a boot environment",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				return m.Destroy(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "mount NAME",
			Short: "Mount a boot environment under the mount root",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				_, err = m.Mount(cmd.Context(), args[0])
				return err
			},
		},
		&cobra.Command{
			Use:     "unmount NAME",
			Aliases: []string{"umount"},
			Short:   "Unmount a boot environment",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				return m.Unmount(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "activate [NAME]",
			Short: "Boot NAME next, or repair the current boot environment",
			Long: `Select boot environment NAME for the next boot. Every run also makes
the filesystems of the current boot environment mount automatically and
promotes them if they are clones.`,
			Args: cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := setup(cmd)
				if err != nil {
					return err
				}
				m, err := s.requireBootEnvs(cmd.Context())
				if err != nil {
					return err
				}
				name := ""
				if len(args) == 1 {
					name = args[0]
				}
				return m.Activate(cmd.Context(), name)
			},
		},
	)

	return cmd
}

// newExecCmd creates the exec command
func newExecCmd() *cobra.Command {
	var (
		bootEnv, mnt, host, image bool
		opts                      = runtime.DefaultOptions()
		noHome, noNest, noSSH     bool
		noPortage, noX11, noOver  bool
	)

	cmd := &cobra.Command{
		Use:   "exec NAME",
		Short: "Run a shell or command in a boot environment, directory or image",
		Long: `Run an interactive shell, or the command given with -c, inside NAME.

NAME is looked up as a boot environment, a directory under the mount root,
a host image and finally a container image, unless one of -b, -m, -h or -i
picks the kind. The exit status is that of the command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			env := runtime.Env{Cmd: s.runner, Log: s.log, Config: s.cfg}
			m, err := s.bootEnvs(cmd.Context())
			if err != nil {
				return err
			}
			if m != nil {
				env.BootEnvs = m
			}

			kind := runtime.Auto
			switch {
			case bootEnv:
				kind = runtime.BootEnvKind
			case mnt:
				kind = runtime.MntKind
			case host:
				kind = runtime.HostKind
			case image:
				kind = runtime.ImageKind
			}
			rt, err := runtime.Find(cmd.Context(), env, args[0], kind)
			if err != nil {
				return err
			}

			opts.Home = !noHome
			opts.Nest = !noNest
			opts.Portage = !noPortage
			opts.X11 = !noX11
			opts.Overlay = !noOver
			opts.SSH = !noSSH
			s.log.Debug().Str("runtime", rt.String()).Msg("exec")

			err = rt.Exec(cmd.Context(), opts)
			var ee *shell.ExitError
			if errors.As(err, &ee) && ee.Code > 0 {
				return exitStatus(ee.Code)
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&bootEnv, "boot-env", "b", false, "NAME is a boot environment")
	cmd.Flags().BoolVarP(&mnt, "mnt", "m", false, "NAME is a directory under the mount root")
	cmd.Flags().BoolVarP(&host, "host", "h", false, "NAME is a host image")
	cmd.Flags().BoolVarP(&image, "image", "i", false, "NAME is a container image")
	cmd.MarkFlagsMutuallyExclusive("boot-env", "mnt", "host", "image")
	cmd.Flags().StringVarP(&opts.Command, "command", "c", "", "run COMMAND instead of a shell")
	cmd.Flags().StringVarP(&opts.ExtraArgs, "extra-args", "e", "", "pass ARGS to the container runtime")
	cmd.Flags().BoolVarP(&noHome, "no-home", "H", false, "do not map the home directory")
	cmd.Flags().BoolVarP(&noNest, "no-nest", "N", false, "do not map /nest")
	cmd.Flags().BoolVarP(&noPortage, "no-portage", "P", false, "do not map the Portage tree into images")
	cmd.Flags().BoolVarP(&noX11, "no-x11", "X", false, "do not forward X11 into images")
	cmd.Flags().BoolVarP(&noOver, "no-overlay", "O", false, "write through to the directory instead of an overlay")
	cmd.Flags().BoolVarP(&opts.Puppet, "puppet", "p", false, "map in the host's Puppet configuration")
	cmd.Flags().BoolVarP(&noSSH, "no-ssh", "S", false, "do not map in the ssh-agent socket")

	return cmd
}

// newInstallCmd creates the install command
func newInstallCmd() *cobra.Command {
	var (
		opts  installer.Options
		steps stepFlags
		clean bool
	)

	cmd := &cobra.Command{
		Use:   "install NAME",
		Short: "Install host NAME from its image",
		Long: `Install host NAME onto a disk from its image under the hosts directory.

The steps are partition, format, mount, copy, bootloader, unmount,
firmware and cleanup. --begin and --end select a range of them, --step
a single one and --clean only the cleanup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			in, err := installer.ForHost(installer.Env{
				Cmd:    s.runner,
				Log:    s.log,
				Config: s.cfg,
				Prompt: prompt.Terminal{},
			}, args[0])
			if err != nil {
				return err
			}
			if !s.cfg.Quiet && prompt.IsTerminal(os.Stderr) {
				in.Progress = os.Stderr
			}
			start, stop := installRange(steps, clean)
			return in.Install(cmd.Context(), opts, start, stop)
		},
	}

	cmd.Flags().StringVarP(&opts.Disk, "disk", "d", "", "install the pool onto DISK")
	cmd.Flags().StringVarP(&opts.Boot, "boot", "b", "", "put the boot partition on DISK and use the pool disk whole")
	cmd.Flags().BoolVarP(&opts.Encrypt, "encrypt", "e", false, "encrypt the pool")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "destroy an existing pool and unmount busy partitions")
	cmd.Flags().IntVar(&opts.Ashift, "ashift", installer.DefaultAshift, "pool sector size exponent")
	cmd.Flags().BoolVar(&clean, "clean", false, "only run the cleanup step")
	cmd.Flags().StringVarP(&steps.step, "step", "s", "", "only run STEP")
	cmd.Flags().StringVar(&steps.begin, "begin", installer.StepPartition, "first STEP to run")
	cmd.Flags().StringVar(&steps.end, "end", installer.StepFirmware, "last STEP to run")
	cmd.MarkFlagsMutuallyExclusive("clean", "step")
	cmd.MarkFlagsMutuallyExclusive("clean", "begin")
	cmd.MarkFlagsMutuallyExclusive("clean", "end")
	cmd.MarkFlagsMutuallyExclusive("step", "begin")
	cmd.MarkFlagsMutuallyExclusive("step", "end")

	return cmd
}

// updaterEnv wires the collaborators shared by update and reset.
func updaterEnv(cmd *cobra.Command, s *session) (updater.Env, func(), error) {
	env := updater.Env{Cmd: s.runner, Log: s.log, Config: s.cfg}
	m, err := s.bootEnvs(cmd.Context())
	if err != nil {
		return env, nil, err
	}
	if m != nil {
		env.BootEnvs = m
	}
	if env.Hostname, err = hostname(); err != nil {
		return env, nil, err
	}
	units := service.NewSystemd(s.log, s.cfg.DryRun)
	env.Units = units
	return env, units.Close, nil
}

func addUpdateFlags(cmd *cobra.Command, steps *stepFlags, opts *updater.Options) {
	cmd.Flags().BoolVarP(&steps.resume, "resume", "r", false, "skip the backup step")
	cmd.Flags().StringVarP(&steps.step, "step", "s", "", "only run STEP")
	cmd.Flags().StringVar(&steps.begin, "begin", updater.StepBackup, "first STEP to run")
	cmd.Flags().StringVar(&steps.end, "end", updater.StepActivate, "last STEP to run")
	cmd.Flags().BoolVarP(&opts.Noop, "noop", "n", false, "only report what would change")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "show more detail from the update tools")
	cmd.MarkFlagsMutuallyExclusive("step", "begin")
	cmd.MarkFlagsMutuallyExclusive("step", "end")
}

// newUpdateCmd creates the package update command
func newUpdateCmd() *cobra.Command {
	var (
		opts  updater.Options
		steps stepFlags
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update this host with Portage and Puppet",
		Long: `Perform a package-based update with a backup boot environment.

The steps are backup, mount, config, pre, packages, post, reconfig,
unmount and activate. With --boot-env the alternate A/B boot environment is
updated and activated, otherwise the running system is.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			env, closeEnv, err := updaterEnv(cmd, s)
			if err != nil {
				return err
			}
			defer closeEnv()
			start, stop := updateRange(steps)
			return updater.NewPortage(env).Update(cmd.Context(), opts, start, stop)
		},
	}

	cmd.Flags().BoolVarP(&opts.BootEnv, "boot-env", "b", false, "update the alternate boot environment")
	cmd.Flags().StringVarP(&opts.Dir, "dir", "d", "", "update the root mounted at DIR")
	cmd.Flags().StringVarP(&opts.ExtraArgs, "extra-args", "e", "", "pass ARGS to the emerge world update")
	cmd.MarkFlagsMutuallyExclusive("boot-env", "dir")
	addUpdateFlags(cmd, &steps, &opts)

	return cmd
}

// newResetCmd creates the image resync command
func newResetCmd() *cobra.Command {
	var (
		opts  updater.Options
		steps stepFlags
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset this host from its image",
		Long: `Mirror the host image onto the alternate boot environment and activate it.

The steps are backup, mount, sync, kernel, unmount, activate and firmware.
--kernel and --firmware only refresh those parts of the running system.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			env, closeEnv, err := updaterEnv(cmd, s)
			if err != nil {
				return err
			}
			defer closeEnv()
			start, stop := resetRange(steps, opts.Kernel, opts.Firmware, opts.Test)
			return updater.NewRsync(env).Update(cmd.Context(), opts, start, stop)
		},
	}

	cmd.Flags().BoolVarP(&opts.Kernel, "kernel", "k", false, "only refresh the running kernel")
	cmd.Flags().BoolVarP(&opts.Firmware, "firmware", "f", false, "only rewrite the boot firmware")
	cmd.Flags().BoolVarP(&opts.Test, "test", "t", false, "compare checksums and show what would change")
	addUpdateFlags(cmd, &steps, &opts)

	return cmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show nest version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Nest CLI v%s\n", Version)
			if debug {
				fmt.Printf("  Build time: %s\n", BuildTime)
				fmt.Printf("  Git commit: %s\n", GitCommit)
			}
		},
	}
}
