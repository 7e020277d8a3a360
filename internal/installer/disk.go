package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/blk"
	"github.com/puppetjoy/nest-cli/internal/puppet"
	"github.com/puppetjoy/nest-cli/internal/runtime"
)

// The first boot environment of a fresh pool.
const firstBootEnv = "A"

var efiDir = "/sys/firmware/efi"

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (i *Installer) partLabel(suffix string) string {
	if suffix == "" {
		return "/dev/disk/by-partlabel/" + i.Name
	}
	return "/dev/disk/by-partlabel/" + i.Name + "-" + suffix
}

func (i *Installer) rootDataset() string {
	return i.Name + "/ROOT/" + firstBootEnv
}

func (i *Installer) poolExists(ctx context.Context) bool {
	_, err := i.cmd().Query(ctx, "zpool", "list", "-H", "-o", "name", i.Name)
	return err == nil
}

func (i *Installer) rootMounted(ctx context.Context) (bool, error) {
	if i.Platform.Export {
		return true, nil
	}
	if !i.poolExists(ctx) {
		return false, nil
	}
	res, err := i.cmd().Query(ctx, "zfs", "get", "-H", "-o", "value", "mounted", i.rootDataset())
	if err != nil {
		return false, fmt.Errorf("check %s: %w", i.rootDataset(), err)
	}
	return strings.TrimSpace(string(res.Stdout)) == "yes", nil
}

// mountpoint returns where dev is mounted, or "" when it is not.
func (i *Installer) mountpoint(ctx context.Context, dev string) string {
	d, err := blk.Inspect(ctx, i.cmd(), dev)
	if err != nil {
		return ""
	}
	return d.Mountpoint
}

type layout struct {
	script     string
	partitions int
	// boot is the number of the boot partition.
	boot int
}

func (i *Installer) layout(c *Context) layout {
	var lines []string
	for _, p := range i.Platform.ExtraPartitions {
		lines = append(lines, fmt.Sprintf(`size=%d, type=%s, name="%s-%s"`, p.Sectors, p.Type, i.Name, p.Label))
	}

	start := i.Platform.FirstPartitionStart
	if i.Platform.DetectEFI && !isDir(efiDir) {
		lines = append(lines, fmt.Sprintf(`size=30720, type=%s, name="%s-bios"`, typeBIOSBoot, i.Name))
		lines = append(lines, fmt.Sprintf(`size=512MiB, type=%s, name="%s-boot"`, typeXBOOTLDR, i.Name))
	} else {
		if i.Platform.DetectEFI && start == 0 {
			start = 32768
		}
		lines = append(lines, fmt.Sprintf(`size=512MiB, type=%s, name="%s-boot"`, typeESP, i.Name))
	}
	boot := len(lines)
	if start > 0 {
		lines[0] = fmt.Sprintf("start=%d, ", start) + lines[0]
	}
	if !c.wholeDisk() {
		lines = append(lines, fmt.Sprintf(`name="%s"`, i.Name))
	}

	var b strings.Builder
	b.WriteString("label: gpt\n")
	if n := i.Platform.GPTTableLength; n > 0 {
		fmt.Fprintf(&b, "table-length: %d\n", n)
	}
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	return layout{script: b.String(), partitions: len(lines), boot: boot}
}

// release unmounts everything on dev when forced.
func (i *Installer) release(ctx context.Context, dev string) error {
	d, err := blk.Inspect(ctx, i.cmd(), dev)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", dev, err)
	}
	mounted := d.Mounted()
	if len(mounted) == 0 {
		return nil
	}
	if !i.run.Force {
		return apperr.User("%s is mounted at %s; use --force to unmount it", mounted[0].Path, mounted[0].Mountpoint)
	}
	for _, m := range mounted {
		i.log().Warn().Str("device", m.Path).Str("mountpoint", m.Mountpoint).Msg("forcing unmount")
		if _, err := i.cmd().Run(ctx, "umount", m.Mountpoint); err != nil {
			return fmt.Errorf("unmount %s: %w", m.Mountpoint, err)
		}
	}
	return nil
}

func (i *Installer) partition(ctx context.Context) error {
	c := i.run
	disk := c.bootDevice()

	if i.poolExists(ctx) {
		if !c.Force {
			return apperr.User("pool %s already exists; use --force to destroy it", i.Name)
		}
		i.log().Warn().Str("pool", i.Name).Msg("forcing destruction of existing pool")
		if _, err := i.cmd().Run(ctx, "zpool", "destroy", "-f", i.Name); err != nil {
			return fmt.Errorf("destroy pool %s: %w", i.Name, err)
		}
	}

	devices := []string{disk}
	if c.wholeDisk() && c.Disk != disk {
		devices = append(devices, c.Disk)
	}
	for _, dev := range devices {
		if err := i.release(ctx, dev); err != nil {
			return err
		}
	}

	i.log().Info().Msgf("Partitioning %s", disk)
	for _, dev := range devices {
		if _, err := i.cmd().Run(ctx, "wipefs", "-a", dev); err != nil {
			i.log().Warn().Err(err).Msgf("failed to wipe signatures from %s", dev)
		}
	}

	l := i.layout(c)
	for _, line := range strings.Split(strings.TrimSuffix(l.script, "\n"), "\n") {
		i.log().Debug().Str("line", line).Msg("sfdisk")
	}
	if _, err := i.cmd().RunInput(ctx, []byte(l.script), "sfdisk", disk); err != nil {
		return fmt.Errorf("partition %s: %w", disk, err)
	}

	switch i.Platform.PostPartition {
	case HybridMBR:
		if _, err := i.cmd().Run(ctx, "sgdisk", "--hybrid="+strconv.Itoa(l.boot), disk); err != nil {
			return fmt.Errorf("make hybrid MBR on %s: %w", disk, err)
		}
	case ConvertMBR:
		parts := make([]string, l.partitions)
		for n := range parts {
			parts[n] = strconv.Itoa(n + 1)
		}
		if _, err := i.cmd().Run(ctx, "sgdisk", "--gpttombr="+strings.Join(parts, ":"), disk); err != nil {
			return fmt.Errorf("convert %s to MBR: %w", disk, err)
		}
	}

	if _, err := i.cmd().Run(ctx, "udevadm", "settle"); err != nil {
		i.log().Warn().Err(err).Msg("udevadm settle failed")
	}
	i.log().Success().Msgf("%s is partitioned", disk)
	return nil
}

func (i *Installer) encryptionArgs(ctx context.Context) ([]string, []byte, error) {
	c := i.run
	switch {
	case c.Passphrase != "":
		return []string{"-O", "encryption=aes-256-gcm", "-O", "keyformat=passphrase", "-O", "keylocation=prompt"},
			[]byte(c.Passphrase + "\n"), nil
	case c.KeyFile != "":
		i.log().Info().Msgf("Generating key file %s", c.KeyFile)
		if _, err := i.cmd().Run(ctx, "mkdir", "-p", "-m", "0700", filepath.Dir(c.KeyFile)); err != nil {
			return nil, nil, fmt.Errorf("create key directory: %w", err)
		}
		if _, err := i.cmd().Run(ctx, "dd", "if=/dev/urandom", "of="+c.KeyFile, "bs=32", "count=1", "status=none"); err != nil {
			return nil, nil, fmt.Errorf("generate key file: %w", err)
		}
		if _, err := i.cmd().Run(ctx, "chmod", "0400", c.KeyFile); err != nil {
			return nil, nil, fmt.Errorf("protect key file: %w", err)
		}
		return []string{"-O", "encryption=aes-256-gcm", "-O", "keyformat=raw", "-O", "keylocation=file://" + c.KeyFile}, nil, nil
	}
	return nil, nil, nil
}

func (i *Installer) format(ctx context.Context) error {
	c := i.run
	if i.poolExists(ctx) {
		i.log().Warn().Msgf("pool %s already exists, skipping format", i.Name)
		return nil
	}

	vdev := i.partLabel("")
	switch {
	case i.Platform.LiveImage:
		vdev = i.liveImage()
	case c.wholeDisk():
		vdev = c.Disk
	}
	args := []string{"create", "-f",
		"-o", "ashift=" + strconv.Itoa(c.Ashift),
		"-O", "acltype=posix",
		"-O", "compression=lz4",
		"-O", "dnodesize=auto",
		"-O", "normalization=formD",
		"-O", "relatime=on",
		"-O", "xattr=sa",
		"-O", "canmount=off",
		"-O", "mountpoint=/",
		"-R", c.Root,
	}
	encArgs, input, err := i.encryptionArgs(ctx)
	if err != nil {
		return err
	}
	args = append(args, encArgs...)
	args = append(args, i.Name, vdev)

	i.log().Info().Msgf("Creating pool %s on %s", i.Name, vdev)
	if _, err := i.cmd().RunInput(ctx, input, "zpool", args...); err != nil {
		return fmt.Errorf("create pool %s: %w", i.Name, err)
	}

	if err := i.zfs(ctx, "create", "-o", "canmount=off", "-o", "mountpoint=none", i.Name+"/ROOT"); err != nil {
		return err
	}
	if err := i.zfs(ctx, "create", "-o", "canmount=noauto", "-o", "mountpoint=/", i.rootDataset()); err != nil {
		return err
	}
	// Children mount beneath the root, so it has to be mounted first.
	if err := i.zfs(ctx, "mount", i.rootDataset()); err != nil {
		return err
	}
	children := [][]string{
		{i.rootDataset() + "/var"},
		{"-o", "mountpoint=/usr/lib/debug", i.rootDataset() + "/debug"},
		{"-o", "mountpoint=/usr/src", i.rootDataset() + "/src"},
		{"-o", "mountpoint=/home", i.Name + "/home"},
	}
	if fileExists(filepath.Join(i.Image, "etc/cachefilesd.conf")) {
		children = append(children, []string{"-o", "mountpoint=/var/cache/fscache", "-o", "com.sun:auto-snapshot=false", i.Name + "/fscache"})
	}
	for _, d := range children {
		if err := i.zfs(ctx, append([]string{"create"}, d...)...); err != nil {
			return err
		}
	}
	if _, err := i.cmd().Run(ctx, "zpool", "set", "bootfs="+i.rootDataset(), i.Name); err != nil {
		return fmt.Errorf("set bootfs: %w", err)
	}

	size, err := i.swapSize(ctx, c)
	if err != nil {
		return err
	}
	i.log().Info().Msgf("Creating %s of swap", humanize.IBytes(size))
	swap := i.Name + "/swap"
	if _, err := i.cmd().Run(ctx, "zfs", "create",
		"-V", fmt.Sprintf("%dM", size>>20),
		"-b", strconv.Itoa(os.Getpagesize()),
		"-o", "compression=zle",
		"-o", "logbias=throughput",
		"-o", "sync=always",
		"-o", "primarycache=metadata",
		"-o", "secondarycache=none",
		"-o", "com.sun:auto-snapshot=false",
		swap); err != nil {
		return fmt.Errorf("create swap: %w", err)
	}
	if _, err := i.cmd().Run(ctx, "mkswap", "/dev/zvol/"+swap); err != nil {
		return fmt.Errorf("format swap: %w", err)
	}

	if i.Platform.usesDisk() {
		if _, err := i.cmd().Run(ctx, "mkfs.vfat", "-F32", "-n", "BOOT", i.partLabel("boot")); err != nil {
			return fmt.Errorf("format boot partition: %w", err)
		}
	}
	i.log().Success().Msgf("Formatted %s", i.Name)
	return nil
}

func (i *Installer) zfs(ctx context.Context, args ...string) error {
	if _, err := i.cmd().Run(ctx, "zfs", args...); err != nil {
		return fmt.Errorf("create filesystems: %w", err)
	}
	return nil
}

func (i *Installer) mount(ctx context.Context) error {
	c := i.run
	if !i.poolExists(ctx) {
		args := []string{"import", "-N", "-R", c.Root}
		if i.Platform.LiveImage {
			args = append(args, "-d", i.liveImage())
		}
		if _, err := i.cmd().Run(ctx, "zpool", append(args, i.Name)...); err != nil {
			return fmt.Errorf("import pool %s: %w", i.Name, err)
		}
	}

	if c.Passphrase != "" || c.KeyFile != "" {
		res, err := i.cmd().Query(ctx, "zfs", "get", "-H", "-o", "value", "keystatus", i.Name)
		if err == nil && strings.TrimSpace(string(res.Stdout)) != "available" {
			if c.Passphrase != "" {
				_, err = i.cmd().RunInput(ctx, []byte(c.Passphrase+"\n"), "zfs", "load-key", i.Name)
			} else {
				_, err = i.cmd().Run(ctx, "zfs", "load-key", "-L", "file://"+c.KeyFile, i.Name)
			}
			if err != nil {
				return apperr.User("could not unlock pool %s: %v", i.Name, err)
			}
		}
	}

	mounted, err := i.rootMounted(ctx)
	if err != nil {
		return err
	}
	if mounted {
		i.log().Info().Msgf("%s is already mounted", i.rootDataset())
	} else if _, err := i.cmd().Run(ctx, "zfs", "mount", i.rootDataset()); err != nil {
		return fmt.Errorf("mount %s: %w", i.rootDataset(), err)
	}
	if _, err := i.cmd().Run(ctx, "zfs", "mount", "-a"); err != nil {
		return fmt.Errorf("mount filesystems: %w", err)
	}

	bootDir := filepath.Join(c.Root, "boot")
	boot := i.partLabel("boot")
	if i.Platform.usesDisk() && i.mountpoint(ctx, boot) != bootDir {
		if _, err := i.cmd().Run(ctx, "mkdir", "-p", bootDir); err != nil {
			return fmt.Errorf("create %s: %w", bootDir, err)
		}
		if _, err := i.cmd().Run(ctx, "mount", boot, bootDir); err != nil {
			return fmt.Errorf("mount %s: %w", boot, err)
		}
	}
	i.log().Success().Msgf("Mounted %s at %s", i.Name, c.Root)
	return nil
}

func (i *Installer) copy(ctx context.Context) error {
	if err := i.ensureMounted(ctx); err != nil {
		return err
	}
	c := i.run
	args := []string{"--archive", "--hard-links", "--acls", "--xattrs", "--sparse", "--info=progress2"}
	if i.Platform.usesDisk() {
		// The boot partition is FAT and gets its contents from the bootloader step.
		args = append(args, "--exclude=/boot/*")
	}
	args = append(args, i.Image+"/", c.Root+"/")

	i.log().Info().Msgf("Copying %s to %s", i.Image, c.Root)
	if err := i.cmd().Stream(ctx, "rsync", args...); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}
	i.log().Success().Msgf("Copied %s", i.Image)
	return nil
}

func (i *Installer) bootloader(ctx context.Context) error {
	if err := i.ensureMounted(ctx); err != nil {
		return err
	}
	dir := runtime.NewDir(runtime.Env{Cmd: i.cmd(), Log: i.log(), Config: i.env.Config}, i.run.Root)
	exec := func(ctx context.Context, command string) error {
		return dir.Exec(ctx, runtime.Options{Command: command, ExtraArgs: runtime.AdminArgs, Nest: true})
	}

	i.log().Info().Msg("Installing kernel and bootloader")
	if err := puppet.Apply(ctx, exec, puppet.Options{Kernel: true}); err != nil {
		return err
	}
	i.log().Success().Msg("Installed kernel and bootloader")
	return nil
}

func (i *Installer) unmount(ctx context.Context) error {
	c := i.run
	if !i.poolExists(ctx) {
		i.log().Warn().Msgf("pool %s is not imported", i.Name)
		return nil
	}
	bootDir := filepath.Join(c.Root, "boot")
	if i.Platform.usesDisk() && i.mountpoint(ctx, i.partLabel("boot")) == bootDir {
		if _, err := i.cmd().Run(ctx, "umount", bootDir); err != nil {
			return apperr.User("failed to unmount %s. Is something using it?", bootDir)
		}
	}
	if _, err := i.cmd().Run(ctx, "zpool", "export", i.Name); err != nil {
		return apperr.User("failed to export pool %s. Is something using it?", i.Name)
	}
	i.log().Success().Msgf("Unmounted %s", i.Name)
	return nil
}

func (i *Installer) firmware(ctx context.Context) error {
	return i.WriteFirmware(ctx, i.run.bootDevice())
}

// WriteFirmware writes the platform's firmware blobs to disk.
func (i *Installer) WriteFirmware(ctx context.Context, disk string) error {
	if len(i.Platform.Firmware) == 0 {
		i.log().Info().Msgf("No firmware to install for %s", i.Platform.Name)
		return nil
	}
	i.log().Info().Msgf("Installing firmware to %s", disk)
	for _, b := range i.Platform.Firmware {
		of := disk
		if b.PartLabel != "" {
			of = i.partLabel(b.PartLabel)
		}
		args := []string{"if=" + filepath.Join(i.Image, b.Src), "of=" + of}
		for _, op := range []struct {
			key string
			val int
		}{{"bs", b.BS}, {"skip", b.Skip}, {"seek", b.Seek}, {"count", b.Count}} {
			if op.val > 0 {
				args = append(args, op.key+"="+strconv.Itoa(op.val))
			}
		}
		if _, err := i.cmd().Run(ctx, "dd", args...); err != nil {
			return fmt.Errorf("write %s: %w", b.Src, err)
		}
	}
	i.log().Success().Msgf("Installed firmware to %s", disk)
	return nil
}

func (i *Installer) cleanup(ctx context.Context) error {
	if i.poolExists(ctx) {
		if err := i.unmount(ctx); err != nil {
			return err
		}
	}
	if isDir(i.run.Root) {
		if _, err := i.cmd().Run(ctx, "rmdir", i.run.Root); err != nil {
			i.log().Warn().Err(err).Msgf("failed to remove %s", i.run.Root)
		}
	}
	i.log().Success().Msg("All clean!")
	return nil
}
