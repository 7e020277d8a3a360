package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/beadm"
	"github.com/puppetjoy/nest-cli/internal/beadm/beadmtest"
	"github.com/puppetjoy/nest-cli/internal/config"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/shell"
	"github.com/puppetjoy/nest-cli/internal/shell/shelltest"
)

type fakeUnits struct {
	active    bool
	loaded    bool
	stopped   []string
	restarted []string
}

func (f *fakeUnits) Active(ctx context.Context, units ...string) (bool, error) { return f.active, nil }

func (f *fakeUnits) Loaded(ctx context.Context, unit string) (bool, error) { return f.loaded, nil }

func (f *fakeUnits) Stop(ctx context.Context, units ...string) error {
	f.stopped = append(f.stopped, units...)
	f.active = false
	return nil
}

func (f *fakeUnits) Restart(ctx context.Context, unit string) error {
	f.restarted = append(f.restarted, unit)
	return nil
}

func testEnv(t *testing.T, rec *shelltest.Recorder) Env {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		MountRoot: filepath.Join(root, "mnt"),
		HostsDir:  filepath.Join(root, "hosts"),
	}
	for _, d := range []string{cfg.MountRoot, cfg.HostsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return Env{Cmd: rec, Log: logging.Nop(), Config: cfg, Hostname: "falcon"}
}

func withBootEnvs(t *testing.T, env *Env) *beadmtest.ZFS {
	t.Helper()
	z := beadmtest.New("rpool", "A")
	m, err := beadm.New(context.Background(), z, logging.Nop(), env.Config.MountRoot)
	if err != nil {
		t.Fatalf("beadm: %v", err)
	}
	env.BootEnvs = m
	return z
}

// inOrder checks that the wants appear in cmds in order.
func inOrder(t *testing.T, cmds []string, want ...string) {
	t.Helper()
	i := 0
	for _, c := range cmds {
		for i < len(want) && strings.Contains(c, want[i]) {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("missing %q in order; commands:\n%s", want[i], strings.Join(cmds, "\n"))
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestPortageBootEnvUpdate(t *testing.T) {
	ctx := context.Background()
	rec := &shelltest.Recorder{}
	env := testEnv(t, rec)
	z := withBootEnvs(t, &env)
	z.AddBE("B")

	if err := NewPortage(env).Update(ctx, Options{BootEnv: true}, StepBackup, StepActivate); err != nil {
		t.Fatalf("update: %v", err)
	}

	if z.Datasets["rpool/ROOT/B"].Origin == "-" {
		t.Fatalf("stale B was not replaced by a clone of A")
	}
	if z.Bootfs != "rpool/ROOT/B" {
		t.Fatalf("B not activated, bootfs=%s", z.Bootfs)
	}
	if _, err := os.Stat(filepath.Join(env.Config.MountRoot, "B")); !os.IsNotExist(err) {
		t.Fatalf("B still mounted: %v", err)
	}
	inOrder(t, rec.Commands(),
		"--directory="+filepath.Join(env.Config.MountRoot, "B"),
		"puppet agent --test",
		"eix -eu sys-apps/portage",
		"emerge -1 sys-apps/portage",
		"emerge -DuN --with-bdeps=y --keep-going @world",
		"emerge --depclean",
		"FACTER_build=kernel FACTER_force_kernel_install=1 puppet agent --test",
	)
}

func TestPortageDirSkipsBootEnvSteps(t *testing.T) {
	ctx := context.Background()
	rec := &shelltest.Recorder{}
	env := testEnv(t, rec)
	z := withBootEnvs(t, &env)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "etc/nest/pre-update.sh"), "#!/bin/sh\n")

	if err := NewPortage(env).Update(ctx, Options{Dir: dir}, StepBackup, StepPost); err != nil {
		t.Fatalf("update: %v", err)
	}
	if m := z.Mutations(); len(m) != 0 {
		t.Fatalf("boot environments touched: %v", m)
	}
	inOrder(t, rec.Commands(), "puppet agent --test", "/etc/nest/pre-update.sh", "--depclean")
	for _, c := range rec.Commands() {
		if strings.Contains(c, "post-update.sh") {
			t.Fatalf("missing post hook ran: %s", c)
		}
	}

	rec.Calls = nil
	if err := NewPortage(env).Update(ctx, Options{Dir: dir}, StepBackup, StepMount); err != nil || len(rec.Calls) != 0 {
		t.Fatalf("empty range: %v %v", err, rec.Commands())
	}
}

func TestLivePuppetRerunAndUnits(t *testing.T) {
	ctx := context.Background()
	rec := &shelltest.Recorder{}
	rec.Respond("sh -c 'puppet agent --test'", "", 2)
	env := testEnv(t, rec)
	withBootEnvs(t, &env)
	units := &fakeUnits{active: true, loaded: true}
	env.Units = units

	if err := NewPortage(env).Update(ctx, Options{}, StepConfig, StepConfig); err != nil {
		t.Fatalf("config: %v", err)
	}
	want := []string{"sh -c 'puppet agent --test'", "sh -c 'puppet agent --test --use_cached_catalog'"}
	if got := rec.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands %v", got)
	}
	if !reflect.DeepEqual(units.stopped, puppetUnits) {
		t.Fatalf("puppet units not stopped: %v", units.stopped)
	}

	rec.Calls = nil
	if err := NewPortage(env).Update(ctx, Options{Noop: true}, StepReconfig, StepReconfig); err != nil {
		t.Fatalf("reconfig: %v", err)
	}
	if !reflect.DeepEqual(units.restarted, []string{kexecUnit}) {
		t.Fatalf("kexec not reloaded: %v", units.restarted)
	}
	if got := rec.Commands(); len(got) != 1 || !strings.Contains(got[0], "--noop") {
		t.Fatalf("noop reconfig: %v", got)
	}

	rec.Respond("sh -c 'puppet agent --test'", "", 1)
	if err := NewPortage(env).Update(ctx, Options{}, StepConfig, StepConfig); err == nil {
		t.Fatalf("failed Puppet run should fail the step")
	}
}

func TestPackages(t *testing.T) {
	ctx := context.Background()
	var failWorld, failSelf bool
	rec := &shelltest.Recorder{}
	rec.Handler = func(c shelltest.Call) (shell.Result, error) {
		line := c.String()
		switch {
		case strings.Contains(line, "eix"):
			return shelltest.Result(line, "", 0)
		case failSelf && strings.Contains(line, "-1 sys-apps/portage"):
			return shelltest.Result(line, "", 1)
		case failWorld && strings.Contains(line, "@world"):
			return shelltest.Result(line, "", 1)
		}
		return shelltest.Result(line, "", 0)
	}
	env := testEnv(t, rec)
	dir := t.TempDir()
	opts := Options{Dir: dir, Noop: true, Verbose: true, ExtraArgs: "--jobs=4"}

	failSelf = true
	if err := NewPortage(env).Update(ctx, opts, StepPackages, StepPackages); err != nil {
		t.Fatalf("self-update failure must be tolerated: %v", err)
	}
	inOrder(t, rec.Commands(), "emerge -p -v -1 sys-apps/portage", "emerge -p -v -DuN --with-bdeps=y --keep-going --jobs=4 @world", "emerge -p -v --depclean")

	rec.Calls = nil
	failWorld = true
	if err := NewPortage(env).Update(ctx, opts, StepPackages, StepPackages); err == nil {
		t.Fatalf("world update failure must fail the step")
	}
	for _, c := range rec.Commands() {
		if strings.Contains(c, "--depclean") {
			t.Fatalf("depclean ran after failed update")
		}
	}
}

func TestUpdateRejectsBadSteps(t *testing.T) {
	rec := &shelltest.Recorder{}
	env := testEnv(t, rec)
	withBootEnvs(t, &env)
	for _, r := range [][2]string{{"bogus", StepActivate}, {StepActivate, StepBackup}} {
		if err := NewPortage(env).Update(context.Background(), Options{}, r[0], r[1]); !apperr.IsUser(err) {
			t.Fatalf("%v: expected user error, got %v", r, err)
		}
	}
	if err := NewRsync(env).Update(context.Background(), Options{}, StepConfig, StepConfig); !apperr.IsUser(err) {
		t.Fatalf("portage step on rsync updater: %v", err)
	}
}

func TestBootEnvRequiresBeadm(t *testing.T) {
	env := testEnv(t, &shelltest.Recorder{})
	err := NewPortage(env).Update(context.Background(), Options{BootEnv: true}, StepBackup, StepActivate)
	if !apperr.IsUser(err) || !errors.Is(err, beadm.ErrNotBootEnv) {
		t.Fatalf("expected boot environment user error, got %v", err)
	}

	// The live root has no backup target either.
	err = NewPortage(env).Update(context.Background(), Options{}, StepBackup, StepBackup)
	if !apperr.IsUser(err) {
		t.Fatalf("backup without boot environments: got %v", err)
	}
}
