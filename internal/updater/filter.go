package updater

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules are rsync filter patterns applied after the package keep-list.
type Rules struct {
	Protect []string `yaml:"protect"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

var DefaultRules = Rules{
	Protect: []string{
		"/etc/hostid",
		"/etc/machine-id",
		"/etc/ssh/ssh_host_*",
		"/etc/zfs/zpool.cache",
		"/etc/puppetlabs/puppet/ssl/",
		"/var/lib/portage/world",
	},
	Exclude: []string{
		"/boot/",
		"/dev/",
		"/home/",
		"/lib/modules/",
		"/mnt/",
		"/nest/",
		"/proc/",
		"/root/",
		"/run/",
		"/sys/",
		"/tmp/",
		"/usr/src/linux",
		"/usr/src/linux-*/",
		"/var/cache/distfiles/",
		"/var/db/repos/",
		"/var/log/",
		"/var/tmp/",
	},
}

// LoadRules reads a rule file, or returns the built-in rules for "".
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rsync filters: %w", err)
	}
	var r Rules
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rsync filters %s: %w", path, err)
	}
	return r, nil
}

// Render writes rsync merge-file rules. keep entries are protected first so
// nothing later in the list can delete them.
func (r Rules) Render(keep []string) string {
	var b strings.Builder
	for _, p := range keep {
		b.WriteString("P " + p + "\n")
	}
	for _, p := range r.Protect {
		b.WriteString("P " + p + "\n")
	}
	for _, p := range r.Include {
		b.WriteString("+ " + p + "\n")
	}
	for _, p := range r.Exclude {
		b.WriteString("- " + p + "\n")
	}
	return b.String()
}

const pkgDB = "var/db/pkg"

func installed(root string) (map[string]bool, error) {
	pkgs := map[string]bool{}
	cats, err := os.ReadDir(filepath.Join(root, pkgDB))
	if os.IsNotExist(err) {
		return pkgs, nil
	}
	if err != nil {
		return nil, err
	}
	for _, cat := range cats {
		if !cat.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, pkgDB, cat.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				pkgs[cat.Name()+"/"+e.Name()] = true
			}
		}
	}
	return pkgs, nil
}

// contents lists the files and links a package installed.
func contents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		kind, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch kind {
		case "obj":
			// obj <path> <md5> <mtime>
			fields := strings.Fields(rest)
			if len(fields) < 3 {
				continue
			}
			out = append(out, strings.Join(fields[:len(fields)-2], " "))
		case "sym":
			// sym <path> -> <target> <mtime>
			if p, _, ok := strings.Cut(rest, " -> "); ok {
				out = append(out, p)
			}
		}
	}
	return out, s.Err()
}

// KeepList returns the files of packages installed in target but not in
// image, so a resync leaves locally added software alone.
func KeepList(image, target string) ([]string, error) {
	have, err := installed(target)
	if err != nil {
		return nil, fmt.Errorf("read installed packages: %w", err)
	}
	want, err := installed(image)
	if err != nil {
		return nil, fmt.Errorf("read image packages: %w", err)
	}

	var extra []string
	for p := range have {
		if !want[p] {
			extra = append(extra, p)
		}
	}
	sort.Strings(extra)

	var keep []string
	for _, p := range extra {
		files, err := contents(filepath.Join(target, pkgDB, p, "CONTENTS"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read contents of %s: %w", p, err)
		}
		keep = append(keep, files...)
	}
	return keep, nil
}
