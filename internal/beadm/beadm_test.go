package beadm

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/beadm/beadmtest"
	"github.com/puppetjoy/nest-cli/internal/logging"
	"github.com/puppetjoy/nest-cli/internal/shell/shelltest"
)

func newManager(t *testing.T) (*Manager, *beadmtest.ZFS) {
	t.Helper()
	z := beadmtest.New("rpool", "A")
	m, err := New(context.Background(), z, logging.Nop(), t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m, z
}

func list(t *testing.T, m *Manager) []string {
	t.Helper()
	bes, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return bes
}

func TestNewDiscoversLayout(t *testing.T) {
	m, _ := newManager(t)
	if m.BERoot() != "rpool/ROOT" || m.Pool() != "rpool" || m.Current() != "A" {
		t.Fatalf("layout: root=%s pool=%s current=%s", m.BERoot(), m.Pool(), m.Current())
	}
	active, err := m.Active(context.Background())
	if err != nil || active != "A" {
		t.Fatalf("active: %q %v", active, err)
	}
}

func TestNewRejectsNonBootEnv(t *testing.T) {
	z := beadmtest.New("rpool", "A")
	z.RootFS = "rpool"
	if _, err := New(context.Background(), z, logging.Nop(), t.TempDir()); !errors.Is(err, ErrNotBootEnv) {
		t.Fatalf("expected ErrNotBootEnv, got %v", err)
	}
	z.RootFS = "rpool/ROOT/missing"
	if _, err := New(context.Background(), z, logging.Nop(), t.TempDir()); !errors.Is(err, ErrNotBootEnv) {
		t.Fatalf("expected ErrNotBootEnv for unknown dataset, got %v", err)
	}
}

func TestActiveRejectsForeignBootfs(t *testing.T) {
	m, z := newManager(t)
	z.Bootfs = "rpool/data/A"
	_, err := m.Active(context.Background())
	if err == nil || apperr.IsUser(err) {
		t.Fatalf("corrupt bootfs must be a system error, got %v", err)
	}
}

func TestCreateListDestroy(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)

	if err := m.Create(ctx, "B"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := list(t, m); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("list after create: %v", got)
	}
	for _, fs := range []string{"rpool/ROOT/B", "rpool/ROOT/B/var", "rpool/ROOT/B/var/log"} {
		d := z.Datasets[fs]
		if d == nil {
			t.Fatalf("%s not cloned", fs)
		}
		if d.Canmount != "noauto" {
			t.Fatalf("%s canmount=%s", fs, d.Canmount)
		}
		if !strings.HasSuffix(d.Origin, "@beadm-clone-A-to-B") {
			t.Fatalf("%s origin=%s", fs, d.Origin)
		}
	}
	if z.Datasets["rpool/ROOT/B/var"].Mountpoint != "/var" {
		t.Fatalf("mountpoint not preserved")
	}
	if z.Datasets["rpool/ROOT/B/var/log"].Compression != "zstd" {
		t.Fatalf("compression not preserved")
	}

	if err := m.Destroy(ctx, "B"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if got := list(t, m); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("list after destroy: %v", got)
	}
	if snaps := z.SnapshotNames(); len(snaps) != 0 {
		t.Fatalf("snapshots left behind: %v", snaps)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	for _, name := range []string{"", "-x", "a/b", "has space", "A"} {
		if err := m.Create(ctx, name); !apperr.IsUser(err) {
			t.Fatalf("create(%q): expected user error, got %v", name, err)
		}
	}
	if muts := z.Mutations(); len(muts) != 0 {
		t.Fatalf("rejected creates mutated state: %v", muts)
	}
}

func TestCreateIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	z.FailClone = "rpool/ROOT/B/var/log"

	err := m.Create(ctx, "B")
	if err == nil || apperr.IsUser(err) {
		t.Fatalf("expected system error, got %v", err)
	}
	if got := list(t, m); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("partial clone left behind: %v", got)
	}
	if snaps := z.SnapshotNames(); len(snaps) != 0 {
		t.Fatalf("snapshot left behind: %v", snaps)
	}
	muts := z.Mutations()
	if muts[len(muts)-1] != "zfs destroy -R -r rpool/ROOT/A@beadm-clone-A-to-B" {
		t.Fatalf("missing rollback: %v", muts)
	}
	if _, err := os.Stat(m.MountPath("B")); !os.IsNotExist(err) {
		t.Fatalf("mount directory created: %v", err)
	}
}

func TestDestroyProtectsCurrentAndActive(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)

	if err := m.Destroy(ctx, "A"); !apperr.IsUser(err) {
		t.Fatalf("destroy current: %v", err)
	}
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	before := len(z.Mutations())
	err := m.Destroy(ctx, "B")
	if !apperr.IsUser(err) || !strings.Contains(err.Error(), "active") {
		t.Fatalf("destroy active: %v", err)
	}
	if err := m.Destroy(ctx, "C"); !apperr.IsUser(err) {
		t.Fatalf("destroy missing: %v", err)
	}
	if err := m.Destroy(ctx, "A/var"); !apperr.IsUser(err) {
		t.Fatalf("destroy child dataset: %v", err)
	}
	if after := len(z.Mutations()); after != before {
		t.Fatalf("refused destroys mutated state: %v", z.Mutations()[before:])
	}
	if got := list(t, m); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("list: %v", got)
	}
}

func TestDestroyRemovesMountDir(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(m.MountPath("B"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(ctx, "B"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(m.MountPath("B")); !os.IsNotExist(err) {
		t.Fatalf("mount dir not removed: %v", err)
	}
}

func TestDestroyWarnsWhenMountDirBusy(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(m.MountPath("B")+"/leftover", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(ctx, "B"); err != nil {
		t.Fatalf("non-empty mount dir must only warn: %v", err)
	}
}

func TestMountIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}

	res, err := m.Mount(ctx, "B")
	if err != nil || res != Mounted {
		t.Fatalf("mount: %v %v", res, err)
	}
	root := m.MountPath("B")
	if z.Mounts["rpool/ROOT/B"] != root || z.Mounts["rpool/ROOT/B/var/log"] != root+"/var/log" {
		t.Fatalf("mount table: %v", z.Mounts)
	}
	entries := len(z.Mounts)
	before := len(z.Mutations())

	res, err = m.Mount(ctx, "B")
	if err != nil || res != AlreadyMounted {
		t.Fatalf("second mount: %v %v", res, err)
	}
	if len(z.Mounts) != entries || len(z.Mutations()) != before {
		t.Fatalf("second mount changed state")
	}
	if ok, err := m.IsMounted(ctx, "B"); err != nil || !ok {
		t.Fatalf("is mounted: %v %v", ok, err)
	}

	if err := m.Unmount(ctx, "B"); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("mount dir not removed: %v", err)
	}
	before = len(z.Mutations())
	if err := m.Unmount(ctx, "B"); err != nil {
		t.Fatalf("unmount of unmounted environment: %v", err)
	}
	if len(z.Mutations()) != before {
		t.Fatalf("no-op unmount mutated state")
	}
}

func TestMountRefusesPartialState(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	z.Mounts["rpool/ROOT/B/var"] = m.MountPath("B") + "/var"
	before := len(z.Mutations())
	if _, err := m.Mount(ctx, "B"); !apperr.IsUser(err) {
		t.Fatalf("partial mount: %v", err)
	}
	delete(z.Mounts, "rpool/ROOT/B/var")
	z.Mounts["rpool/other"] = m.MountPath("B")
	if _, err := m.Mount(ctx, "B"); !apperr.IsUser(err) {
		t.Fatalf("occupied mountpoint: %v", err)
	}
	if _, err := m.Mount(ctx, "A"); !apperr.IsUser(err) {
		t.Fatalf("running environment is mounted at /: %v", err)
	}
	if len(z.Mutations()) != before {
		t.Fatalf("refused mounts mutated state: %v", z.Mutations()[before:])
	}
	if _, err := m.Mount(ctx, "nope"); !apperr.IsUser(err) {
		t.Fatalf("mount missing: %v", err)
	}
}

func TestMountRefusesForeignMount(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	before := len(z.Mutations())
	for _, p := range []string{m.MountPath("B"), m.MountPath("B") + "/var/log"} {
		z.Foreign = map[string]string{p: "tmpfs"}
		if _, err := m.Mount(ctx, "B"); !apperr.IsUser(err) {
			t.Fatalf("tmpfs at %s: got %v", p, err)
		}
	}
	if len(z.Mutations()) != before {
		t.Fatalf("refused mount mutated state: %v", z.Mutations()[before:])
	}

	z.Foreign = map[string]string{"/mnt/elsewhere": "server:/export"}
	if res, err := m.Mount(ctx, "B"); err != nil || res != Mounted {
		t.Fatalf("unrelated mount: %v %v", res, err)
	}
}

func TestMountedPathsUnescapes(t *testing.T) {
	rec := &shelltest.Recorder{}
	rec.Respond("findmnt", "/ rpool/ROOT/A\n/mnt/with\\x20space tmpfs\n", 0)
	m := &Manager{cmd: rec}
	paths, err := m.mountedPaths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if paths["/mnt/with space"] != "tmpfs" || paths["/"] != "rpool/ROOT/A" {
		t.Fatalf("paths: %v", paths)
	}
}

func TestMountRollsBack(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	z.FailMount = "rpool/ROOT/B/var"
	_, err := m.Mount(ctx, "B")
	if err == nil || apperr.IsUser(err) || !strings.Contains(err.Error(), "manual cleanup") {
		t.Fatalf("expected system error, got %v", err)
	}
	for fs := range z.Mounts {
		if strings.HasPrefix(fs, "rpool/ROOT/B") {
			t.Fatalf("%s still mounted", fs)
		}
	}
	if _, err := os.Stat(m.MountPath("B")); !os.IsNotExist(err) {
		t.Fatalf("mount dir not removed: %v", err)
	}
}

func TestUnmountBusy(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Mount(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	z.FailUmount = true
	err := m.Unmount(ctx, "B")
	if !apperr.IsUser(err) || !strings.Contains(err.Error(), "Is something using it?") {
		t.Fatalf("busy unmount: %v", err)
	}
}

func TestActivateAcrossReboot(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	before := len(z.Mutations())
	if err := m.Activate(ctx, "B"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := z.Mutations()[before:]; !reflect.DeepEqual(got, []string{"zpool set bootfs=rpool/ROOT/B rpool"}) {
		t.Fatalf("activate B mutations: %v", got)
	}
	for _, fs := range []string{"rpool/ROOT/A", "rpool/ROOT/A/var"} {
		if z.Datasets[fs].Canmount != "on" {
			t.Fatalf("%s canmount changed to %s", fs, z.Datasets[fs].Canmount)
		}
	}

	// reboot into B
	z.Boot()
	m, err := New(ctx, z, logging.Nop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if m.Current() != "B" {
		t.Fatalf("current after reboot: %s", m.Current())
	}
	if err := m.Activate(ctx, ""); err != nil {
		t.Fatalf("activate current: %v", err)
	}
	for _, fs := range []string{"rpool/ROOT/B", "rpool/ROOT/B/var", "rpool/ROOT/B/var/log"} {
		d := z.Datasets[fs]
		if d.Canmount != "on" || d.Origin != "-" {
			t.Fatalf("%s: canmount=%s origin=%s", fs, d.Canmount, d.Origin)
		}
	}
	for _, fs := range []string{"rpool/ROOT/A", "rpool/ROOT/A/var", "rpool/ROOT/A/var/log"} {
		d := z.Datasets[fs]
		if d.Canmount != "noauto" || !strings.HasPrefix(d.Origin, "rpool/ROOT/B") {
			t.Fatalf("%s: canmount=%s origin=%s", fs, d.Canmount, d.Origin)
		}
	}
	if z.Datasets["rpool/ROOT"].Canmount != "off" {
		t.Fatalf("BE root container touched")
	}

	before = len(z.Mutations())
	if err := m.Activate(ctx, ""); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if got := z.Mutations()[before:]; len(got) != 0 {
		t.Fatalf("second activate not idempotent: %v", got)
	}

	// the old environment can now be destroyed along with its snapshots
	if err := m.Destroy(ctx, "A"); err != nil {
		t.Fatalf("destroy A: %v", err)
	}
	if snaps := z.SnapshotNames(); len(snaps) != 0 {
		t.Fatalf("snapshots left behind: %v", snaps)
	}
}

func TestActivateUnknown(t *testing.T) {
	m, z := newManager(t)
	if err := m.Activate(context.Background(), "C"); !apperr.IsUser(err) {
		t.Fatalf("activate missing: %v", err)
	}
	if muts := z.Mutations(); len(muts) != 0 {
		t.Fatalf("mutations: %v", muts)
	}
}

func TestDryRunOnlyRecords(t *testing.T) {
	ctx := context.Background()
	m, z := newManager(t)
	z.Dry = true
	if err := m.Create(ctx, "B"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := list(t, m); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("dry run created datasets: %v", got)
	}
	muts := z.Mutations()
	if len(muts) != 4 || muts[0] != "zfs snapshot -r rpool/ROOT/A@beadm-clone-A-to-B" {
		t.Fatalf("recorded: %v", muts)
	}
	if !strings.Contains(muts[1], "-o canmount=noauto -o mountpoint=/ -o compression=lz4") {
		t.Fatalf("clone args: %s", muts[1])
	}
}
