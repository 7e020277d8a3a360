package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/beadm"
	"github.com/puppetjoy/nest-cli/internal/config"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/shell"
)

var (
	// Version info (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile string
	dryRun  bool
	debug   bool
	quiet   bool

	// current is set once a command starts running. Errors returned
	// before that are argument errors from cobra.
	current *session
)

var rootCmd = &cobra.Command{
	Use:   "nest",
	Short: "Manage Nest hosts and boot environments",
	Long: `nest installs Nest hosts, manages their ZFS boot environments and
updates them in place or from their host images.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("Nest CLI v{{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/nest/cli.yaml)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "only print the commands that would change the system")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "print every command as it runs")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only print errors")
	rootCmd.MarkFlagsMutuallyExclusive("debug", "quiet")

	rootCmd.AddCommand(
		newBeadmCmd(),
		newExecCmd(),
		newInstallCmd(),
		newUpdateCmd(),
		newResetCmd(),
		newVersionCmd(),
	)
}

// session holds what every command shares once its flags are parsed.
type session struct {
	cfg    config.Config
	log    *logging.Logger
	runner *shell.Runner
}

func setup(cmd *cobra.Command) (*session, error) {
	current = &session{log: logging.Default(zerolog.InfoLevel)}

	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, apperr.User("%v", err)
	}
	log := logging.Default(logging.Level(cfg.Debug, cfg.Quiet, cfg.LogLevel))
	if cfg.DryRun {
		log.Warn().Msg("Dry run: commands that change the system are only printed")
	}
	current = &session{
		cfg:    cfg,
		log:    log,
		runner: shell.New(log, cfg.DryRun),
	}
	return current, nil
}

// bootEnvs discovers the boot environment layout of /. It returns nil
// without an error when / is not a boot environment.
func (s *session) bootEnvs(ctx context.Context) (*beadm.Manager, error) {
	m, err := beadm.New(ctx, s.runner, s.log, s.cfg.MountRoot)
	if errors.Is(err, beadm.ErrNotBootEnv) {
		s.log.Debug().Err(err).Msg("no boot environments")
		return nil, nil
	}
	return m, err
}

// requireBootEnvs is bootEnvs for commands that cannot work without them.
func (s *session) requireBootEnvs(ctx context.Context) (*beadm.Manager, error) {
	m, err := s.bootEnvs(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.User("%v", beadm.ErrNotBootEnv)
	}
	return m, nil
}

func hostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("get hostname: %w", err)
	}
	short, _, _ := strings.Cut(name, ".")
	return short, nil
}

// exitStatus is returned by commands whose exit code is that of a
// program they ran.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func exitCode(err error) int {
	if err == nil {
		return apperr.ExitOK
	}
	var status exitStatus
	if errors.As(err, &status) {
		return int(status)
	}
	if current == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return apperr.ExitUsage
	}
	current.log.Error().Msg(err.Error())
	return apperr.ExitCode(err)
}

func main() {
	os.Exit(exitCode(rootCmd.Execute()))
}
