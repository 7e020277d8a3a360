// Package beadmtest simulates the zfs, zpool and mount tools closely enough
// to exercise boot environment management without a real pool.
package beadmtest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/shell"
	"github.com/puppetjoy/nest-cli/internal/shell/shelltest"
)

type Dataset struct {
	Mountpoint  string
	Canmount    string
	Origin      string
	Compression string
}

// ZFS implements shell.Commander on top of an in-memory pool. mkdir and
// rmdir act on the real filesystem so mount directories can be checked.
type ZFS struct {
	Dry bool

	Pool     string
	RootFS   string
	Bootfs   string
	Datasets map[string]*Dataset
	// snapshot name -> exists
	Snapshots map[string]bool
	// filesystem -> mountpoint
	Mounts map[string]string
	// Foreign are mounts that are not ZFS: mountpoint -> source.
	Foreign map[string]string

	// Failure knobs: clone target, filesystem to mount, busy unmount.
	FailClone  string
	FailMount  string
	FailUmount bool

	Calls []shelltest.Call
}

// New returns a pool whose single boot environment be is current and active
// and mounted at /.
func New(pool, be string) *ZFS {
	beRoot := pool + "/ROOT"
	z := &ZFS{
		Pool:      pool,
		RootFS:    beRoot + "/" + be,
		Bootfs:    beRoot + "/" + be,
		Datasets:  map[string]*Dataset{},
		Snapshots: map[string]bool{},
		Mounts:    map[string]string{},
		Foreign:   map[string]string{},
	}
	z.Datasets[pool] = &Dataset{Mountpoint: "/" + pool, Canmount: "on", Origin: "-", Compression: "lz4"}
	z.Datasets[beRoot] = &Dataset{Mountpoint: "none", Canmount: "off", Origin: "-", Compression: "lz4"}
	z.AddBE(be)
	z.Mounts[z.RootFS] = "/"
	z.Mounts[z.RootFS+"/var"] = "/var"
	z.Mounts[z.RootFS+"/var/log"] = "/var/log"
	return z
}

// AddBE creates a standalone boot environment with the standard layout.
func (z *ZFS) AddBE(be string) {
	fs := z.Pool + "/ROOT/" + be
	z.Datasets[fs] = &Dataset{Mountpoint: "/", Canmount: "noauto", Origin: "-", Compression: "lz4"}
	z.Datasets[fs+"/var"] = &Dataset{Mountpoint: "/var", Canmount: "noauto", Origin: "-", Compression: "lz4"}
	z.Datasets[fs+"/var/log"] = &Dataset{Mountpoint: "/var/log", Canmount: "noauto", Origin: "-", Compression: "zstd"}
	if fs == z.RootFS {
		for name, d := range z.Datasets {
			if (name == fs || strings.HasPrefix(name, fs+"/")) && d.Canmount == "noauto" {
				d.Canmount = "on"
			}
		}
	}
}

// Boot simulates rebooting into the boot environment selected by bootfs.
func (z *ZFS) Boot() {
	z.RootFS = z.Bootfs
	z.Mounts = map[string]string{}
	for name, d := range z.Datasets {
		if (name == z.RootFS || strings.HasPrefix(name, z.RootFS+"/")) && strings.HasPrefix(d.Mountpoint, "/") {
			z.Mounts[name] = d.Mountpoint
		}
	}
}

// Names returns all dataset names in listing order.
func (z *ZFS) Names() []string {
	names := make([]string, 0, len(z.Datasets))
	for n := range z.Datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (z *ZFS) SnapshotNames() []string {
	names := make([]string, 0, len(z.Snapshots))
	for n := range z.Snapshots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Mutations returns the recorded mutating command lines.
func (z *ZFS) Mutations() []string {
	var out []string
	for _, c := range z.Calls {
		if c.Mode != shelltest.ModeQuery {
			out = append(out, c.String())
		}
	}
	return out
}

func (z *ZFS) DryRun() bool { return z.Dry }

func (z *ZFS) Run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	return z.mutate(shelltest.Call{Mode: shelltest.ModeRun, Name: name, Args: args})
}

func (z *ZFS) RunInput(ctx context.Context, input []byte, name string, args ...string) (shell.Result, error) {
	return z.mutate(shelltest.Call{Mode: shelltest.ModeRun, Name: name, Args: args, Input: input})
}

func (z *ZFS) Stream(ctx context.Context, name string, args ...string) error {
	_, err := z.mutate(shelltest.Call{Mode: shelltest.ModeStream, Name: name, Args: args})
	return err
}

func (z *ZFS) Query(ctx context.Context, name string, args ...string) (shell.Result, error) {
	c := shelltest.Call{Mode: shelltest.ModeQuery, Name: name, Args: args}
	z.Calls = append(z.Calls, c)
	out, code := z.exec(c)
	return shelltest.Result(c.String(), out, code)
}

func (z *ZFS) mutate(c shelltest.Call) (shell.Result, error) {
	z.Calls = append(z.Calls, c)
	if z.Dry {
		return shell.Result{}, nil
	}
	out, code := z.exec(c)
	return shelltest.Result(c.String(), out, code)
}

func (z *ZFS) exec(c shelltest.Call) (string, int) {
	a := c.Args
	switch c.Name {
	case "findmnt":
		if len(a) > 0 && a[0] == "-rn" {
			return z.findmnt(), 0
		}
		return z.RootFS + "\n", 0
	case "zpool":
		if len(a) >= 1 && a[0] == "get" {
			return z.Bootfs + "\n", 0
		}
		if len(a) == 3 && a[0] == "set" && strings.HasPrefix(a[1], "bootfs=") {
			target := strings.TrimPrefix(a[1], "bootfs=")
			if z.Datasets[target] == nil {
				return "", 1
			}
			z.Bootfs = target
			return "", 0
		}
	case "zfs":
		if len(a) == 0 {
			break
		}
		switch a[0] {
		case "list":
			return z.list(a[1:])
		case "snapshot":
			return z.snapshot(a[1:])
		case "clone":
			return z.clone(a[1:])
		case "destroy":
			return z.destroy(a[1:])
		case "set":
			return z.set(a[1:])
		case "promote":
			return z.promote(a[1:])
		case "mount":
			return z.mountTable(), 0
		}
	case "mount":
		return z.mount(a)
	case "umount":
		return z.umount(a)
	case "mkdir":
		if err := os.Mkdir(a[len(a)-1], 0o755); err != nil {
			return "", 1
		}
		return "", 0
	case "rmdir":
		if err := os.Remove(a[len(a)-1]); err != nil {
			return "", 1
		}
		return "", 0
	}
	return "", 127
}

func (z *ZFS) list(a []string) (string, int) {
	var cols []string
	var recursive, snapshots bool
	var target string
	for i := 0; i < len(a); i++ {
		switch a[i] {
		case "-H":
		case "-r":
			recursive = true
		case "-o":
			i++
			cols = strings.Split(a[i], ",")
		case "-t":
			i++
			snapshots = a[i] == "snapshot"
		default:
			target = a[i]
		}
	}
	if len(cols) == 0 {
		cols = []string{"name"}
	}
	under := func(n string) bool {
		return n == target || (recursive && strings.HasPrefix(n, target+"/"))
	}
	var b strings.Builder
	if snapshots {
		for _, s := range z.SnapshotNames() {
			fs, _, _ := strings.Cut(s, "@")
			if under(fs) {
				b.WriteString(s + "\n")
			}
		}
		return b.String(), 0
	}
	if z.Datasets[target] == nil {
		return "", 1
	}
	for _, n := range z.Names() {
		if !under(n) {
			continue
		}
		d := z.Datasets[n]
		vals := make([]string, len(cols))
		for i, col := range cols {
			switch col {
			case "name":
				vals[i] = n
			case "mountpoint":
				vals[i] = d.Mountpoint
			case "canmount":
				vals[i] = d.Canmount
			case "origin":
				vals[i] = d.Origin
			case "compression":
				vals[i] = d.Compression
			}
		}
		b.WriteString(strings.Join(vals, "\t") + "\n")
	}
	return b.String(), 0
}

func (z *ZFS) descendants(fs string) []string {
	var out []string
	for _, n := range z.Names() {
		if n == fs || strings.HasPrefix(n, fs+"/") {
			out = append(out, n)
		}
	}
	return out
}

func (z *ZFS) snapshot(a []string) (string, int) {
	recursive := len(a) == 2 && a[0] == "-r"
	fs, tag, ok := strings.Cut(a[len(a)-1], "@")
	if !ok || z.Datasets[fs] == nil {
		return "", 1
	}
	targets := []string{fs}
	if recursive {
		targets = z.descendants(fs)
	}
	for _, t := range targets {
		if z.Snapshots[t+"@"+tag] {
			return "", 1
		}
	}
	for _, t := range targets {
		z.Snapshots[t+"@"+tag] = true
	}
	return "", 0
}

func (z *ZFS) clone(a []string) (string, int) {
	d := &Dataset{Canmount: "on", Mountpoint: "-", Compression: "lz4"}
	var pos []string
	for i := 0; i < len(a); i++ {
		if a[i] == "-o" {
			i++
			k, v, _ := strings.Cut(a[i], "=")
			switch k {
			case "canmount":
				d.Canmount = v
			case "mountpoint":
				d.Mountpoint = v
			case "compression":
				d.Compression = v
			}
			continue
		}
		pos = append(pos, a[i])
	}
	if len(pos) != 2 {
		return "", 2
	}
	src, dst := pos[0], pos[1]
	if !z.Snapshots[src] || z.Datasets[dst] != nil {
		return "", 1
	}
	if i := strings.LastIndex(dst, "/"); i < 0 || z.Datasets[dst[:i]] == nil {
		return "", 1
	}
	if dst == z.FailClone {
		return "", 1
	}
	d.Origin = src
	z.Datasets[dst] = d
	return "", 0
}

// clones returns the datasets whose origin is snapshot.
func (z *ZFS) clones(snapshot string) []string {
	var out []string
	for _, n := range z.Names() {
		if z.Datasets[n].Origin == snapshot {
			out = append(out, n)
		}
	}
	return out
}

func (z *ZFS) destroy(a []string) (string, int) {
	var recursive, dependents bool
	target := a[len(a)-1]
	for _, f := range a[:len(a)-1] {
		switch f {
		case "-r":
			recursive = true
		case "-R":
			dependents = true
		}
	}

	if fs, tag, ok := strings.Cut(target, "@"); ok {
		snaps := []string{target}
		if recursive {
			snaps = nil
			for _, d := range z.descendants(fs) {
				if z.Snapshots[d+"@"+tag] {
					snaps = append(snaps, d+"@"+tag)
				}
			}
		}
		if len(snaps) == 0 || !z.Snapshots[snaps[0]] {
			return "", 1
		}
		for _, s := range snaps {
			for _, c := range z.clones(s) {
				if !dependents {
					return "", 1
				}
				z.removeTree(c)
			}
		}
		for _, s := range snaps {
			delete(z.Snapshots, s)
		}
		return "", 0
	}

	if z.Datasets[target] == nil {
		return "", 1
	}
	tree := []string{target}
	if recursive {
		tree = z.descendants(target)
	} else if len(z.descendants(target)) > 1 {
		return "", 1
	}
	in := map[string]bool{}
	for _, t := range tree {
		in[t] = true
	}
	for s := range z.Snapshots {
		fs, _, _ := strings.Cut(s, "@")
		if !in[fs] {
			continue
		}
		for _, c := range z.clones(s) {
			if !in[c] {
				return "", 1
			}
		}
	}
	for _, t := range tree {
		if _, mounted := z.Mounts[t]; mounted {
			return "", 1
		}
	}
	for _, t := range tree {
		z.removeTree(t)
	}
	return "", 0
}

func (z *ZFS) removeTree(fs string) {
	for _, d := range z.descendants(fs) {
		delete(z.Datasets, d)
		delete(z.Mounts, d)
		for s := range z.Snapshots {
			if strings.HasPrefix(s, d+"@") {
				delete(z.Snapshots, s)
			}
		}
	}
}

func (z *ZFS) set(a []string) (string, int) {
	if len(a) != 2 {
		return "", 2
	}
	d := z.Datasets[a[1]]
	if d == nil {
		return "", 1
	}
	k, v, _ := strings.Cut(a[0], "=")
	switch k {
	case "canmount":
		d.Canmount = v
	case "mountpoint":
		d.Mountpoint = v
	case "compression":
		d.Compression = v
	default:
		return "", 1
	}
	return "", 0
}

// promote makes fs the origin of the snapshot it was cloned from: the
// snapshot moves to fs and the former parent becomes a clone of it.
func (z *ZFS) promote(a []string) (string, int) {
	fs := a[len(a)-1]
	d := z.Datasets[fs]
	if d == nil || d.Origin == "-" {
		return "", 1
	}
	parent, tag, _ := strings.Cut(d.Origin, "@")
	moved := fs + "@" + tag
	delete(z.Snapshots, d.Origin)
	z.Snapshots[moved] = true
	for _, c := range z.clones(d.Origin) {
		if c != fs {
			z.Datasets[c].Origin = moved
		}
	}
	if p := z.Datasets[parent]; p != nil {
		p.Origin = moved
	}
	d.Origin = "-"
	return "", 0
}

func (z *ZFS) mountTable() string {
	names := make([]string, 0, len(z.Mounts))
	for n := range z.Mounts {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%-40s  %s\n", n, z.Mounts[n])
	}
	return b.String()
}

// findmnt renders every mount, ZFS or not, as "findmnt -rn -o TARGET,SOURCE".
func (z *ZFS) findmnt() string {
	var lines []string
	for fs, p := range z.Mounts {
		lines = append(lines, strings.ReplaceAll(p, " ", `\x20`)+" "+fs)
	}
	for p, src := range z.Foreign {
		lines = append(lines, strings.ReplaceAll(p, " ", `\x20`)+" "+src)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func (z *ZFS) mount(a []string) (string, int) {
	if len(a) < 2 {
		return "", 2
	}
	fs, path := a[len(a)-2], a[len(a)-1]
	if z.Datasets[fs] == nil || fs == z.FailMount {
		return "", 1
	}
	if _, ok := z.Mounts[fs]; ok {
		return "", 1
	}
	z.Mounts[fs] = path
	return "", 0
}

func (z *ZFS) umount(a []string) (string, int) {
	if z.FailUmount {
		return "", 32
	}
	path := a[len(a)-1]
	found := false
	for fs, p := range z.Mounts {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(z.Mounts, fs)
			found = true
		}
	}
	if !found {
		return "", 32
	}
	return "", 0
}
