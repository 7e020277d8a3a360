// Package shell runs the external tools nest orchestrates. Mutating commands
// honour dry-run and are elevated with sudo when not running as root;
// queries always execute so decisions made from them stay accurate.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"

	"github.com/puppetjoy/nest-cli/internal/logging"
)

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Commander is the command execution collaborator shared by the engines.
type Commander interface {
	// Run executes a mutating command. In dry-run mode it is only logged.
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// RunInput is Run with input piped to the command's stdin.
	RunInput(ctx context.Context, input []byte, name string, args ...string) (Result, error)
	// Stream runs a mutating command attached to the terminal.
	Stream(ctx context.Context, name string, args ...string) error
	// Query executes a read-only command, also in dry-run mode.
	Query(ctx context.Context, name string, args ...string) (Result, error)
	DryRun() bool
}

// Commands that must keep the invoking user's identity.
var unprivileged = map[string]bool{
	"podman": true,
	"xhost":  true,
}

type Runner struct {
	log     *logging.Logger
	dryRun  bool
	elevate bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func New(log *logging.Logger, dryRun bool) *Runner {
	return &Runner{
		log:     log,
		dryRun:  dryRun,
		elevate: unix.Geteuid() != 0,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

func (r *Runner) DryRun() bool { return r.dryRun }

func (r *Runner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return r.RunInput(ctx, nil, name, args...)
}

func (r *Runner) RunInput(ctx context.Context, input []byte, name string, args ...string) (Result, error) {
	argv := r.argv(name, args)
	if r.dryRun {
		r.log.Info().Str("cmd", Join(argv)).Msg("dry run")
		return Result{}, nil
	}
	return r.capture(ctx, input, argv)
}

func (r *Runner) Stream(ctx context.Context, name string, args ...string) error {
	argv := r.argv(name, args)
	line := Join(argv)
	if r.dryRun {
		r.log.Info().Str("cmd", line).Msg("dry run")
		return nil
	}
	r.log.Debug().Str("cmd", line).Msg("exec")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = r.Stdin
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	return wrap(line, cmd.Run(), nil)
}

func (r *Runner) Query(ctx context.Context, name string, args ...string) (Result, error) {
	return r.capture(ctx, nil, append([]string{name}, args...))
}

func (r *Runner) capture(ctx context.Context, input []byte, argv []string) (Result, error) {
	line := Join(argv)
	r.log.Debug().Str("cmd", line).Msg("exec")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: ExitCode(err)}
	return res, wrap(line, err, res.Stderr)
}

func (r *Runner) argv(name string, args []string) []string {
	argv := make([]string, 0, len(args)+2)
	if r.elevate && !unprivileged[name] {
		argv = append(argv, "sudo")
	}
	argv = append(argv, name)
	return append(argv, args...)
}

// Sudo prefixes an admin command that is run through Query. Commanders
// without it run queries as they are.
func Sudo(cmd Commander, name string, args ...string) (string, []string) {
	if s, ok := cmd.(interface{ Elevated() bool }); !ok || !s.Elevated() {
		return name, args
	}
	return "sudo", append([]string{name}, args...)
}

// Elevated reports whether admin commands get a sudo prefix.
func (r *Runner) Elevated() bool { return r.elevate }

func wrap(line string, err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Cmd: line, Code: ee.ExitCode(), Stderr: strings.TrimSpace(string(stderr))}
	}
	return fmt.Errorf("%s: %w", line, err)
}

// ExitCode extracts the exit status carried by err: 0 for nil, -1 when the
// command could not be started.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		return xe.ExitCode()
	}
	return -1
}

// Join quotes argv for display.
func Join(argv []string) string {
	return shellquote.Join(argv...)
}

// Lines splits command output into non-empty lines.
func Lines(out []byte) []string {
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
