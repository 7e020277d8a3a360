package shell

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/puppetjoy/nest-cli/internal/logging"
)

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
}

func newRunner(buf *bytes.Buffer, dryRun bool) *Runner {
	r := New(logging.New(buf, zerolog.DebugLevel), dryRun)
	r.elevate = false
	return r
}

func TestDryRunSkipsMutationButRunsQueries(t *testing.T) {
	requireTools(t, "echo")
	var buf bytes.Buffer
	r := newRunner(&buf, true)
	ctx := context.Background()

	if _, err := r.Run(ctx, "false"); err != nil {
		t.Fatalf("dry run should not execute: %v", err)
	}
	if !strings.Contains(buf.String(), "false") {
		t.Fatalf("dry run should log the command: %q", buf.String())
	}

	res, err := r.Query(ctx, "echo", "hello world")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello world" {
		t.Fatalf("query output: %q", res.Stdout)
	}
}

func TestExitErrorCarriesCode(t *testing.T) {
	requireTools(t, "sh")
	var buf bytes.Buffer
	r := newRunner(&buf, false)

	res, err := r.Run(context.Background(), "sh", "-c", "echo oops >&2; exit 2")
	if err == nil {
		t.Fatalf("expected failure")
	}
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if ee.Code != 2 || res.Code != 2 || ExitCode(err) != 2 {
		t.Fatalf("exit code: %d %d %d", ee.Code, res.Code, ExitCode(err))
	}
	if ee.Stderr != "oops" {
		t.Fatalf("stderr: %q", ee.Stderr)
	}
}

func TestRunInputPipesStdin(t *testing.T) {
	requireTools(t, "cat")
	var buf bytes.Buffer
	r := newRunner(&buf, false)

	res, err := r.RunInput(context.Background(), []byte("label: gpt\n"), "cat")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(res.Stdout) != "label: gpt\n" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
}

func TestMissingBinary(t *testing.T) {
	var buf bytes.Buffer
	r := newRunner(&buf, false)
	_, err := r.Query(context.Background(), "definitely-not-a-real-binary-xyz")
	if err == nil || ExitCode(err) != -1 {
		t.Fatalf("expected start failure, got %v", err)
	}
}

func TestArgvElevation(t *testing.T) {
	r := &Runner{elevate: true}
	if got := Join(r.argv("zfs", []string{"destroy", "-r", "rpool/ROOT/B"})); got != "sudo zfs destroy -r rpool/ROOT/B" {
		t.Fatalf("argv: %s", got)
	}
	if got := Join(r.argv("podman", []string{"pull", "nest/stage1"})); got != "podman pull nest/stage1" {
		t.Fatalf("podman should not be elevated: %s", got)
	}

	name, args := Sudo(r, "systemd-nspawn", "--quiet")
	if got := Join(append([]string{name}, args...)); got != "sudo systemd-nspawn --quiet" {
		t.Fatalf("elevated query: %s", got)
	}
	r.elevate = false
	if name, _ := Sudo(r, "systemd-nspawn"); name != "systemd-nspawn" {
		t.Fatalf("root query elevated: %s", name)
	}
}

func TestLines(t *testing.T) {
	got := Lines([]byte("a\tb\n\nc\r\n"))
	if len(got) != 2 || got[0] != "a\tb" || got[1] != "c" {
		t.Fatalf("lines: %q", got)
	}
}
