package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/pipeline"
)

// exportSteps replace the disk steps for hosts that boot over the network
// with an NFS root.
func (i *Installer) exportSteps() map[string]pipeline.Action {
	return map[string]pipeline.Action{
		StepPartition: i.prepareExport,
		StepFormat:    func(context.Context) error { return nil },
		StepMount:     i.createExport,
		StepCopy:      i.copyLive,
		StepUnmount:   func(context.Context) error { return nil },
		StepFirmware:  i.writeIPXE,
		StepCleanup: func(context.Context) error {
			i.log().Success().Msg("All clean!")
			return nil
		},
	}
}

func (i *Installer) ipxeScriptPath() string {
	return filepath.Join(filepath.Dir(i.run.Root), i.Name+".ipxe")
}

func (i *Installer) prepareExport(ctx context.Context) error {
	exportRoot := filepath.Dir(i.run.Root)
	force := i.run.Force

	if !isDir(exportRoot) {
		if !force {
			return apperr.User("export root %s does not exist; create it or use --force", exportRoot)
		}
		i.log().Warn().Msgf("Creating export root %s", exportRoot)
		if _, err := i.cmd().Run(ctx, "mkdir", "-p", exportRoot); err != nil {
			return fmt.Errorf("create export root: %w", err)
		}
	}
	if isDir(i.run.Root) {
		if !force {
			return apperr.User("target %s already exists; remove it or use --force", i.run.Root)
		}
		i.log().Warn().Msgf("Removing existing target %s", i.run.Root)
		if _, err := i.cmd().Run(ctx, "rm", "-rf", i.run.Root); err != nil {
			return fmt.Errorf("remove target: %w", err)
		}
	}
	if script := i.ipxeScriptPath(); fileExists(script) {
		if !force {
			return apperr.User("iPXE script %s already exists; remove it or use --force", script)
		}
		i.log().Warn().Msgf("Removing existing iPXE script %s", script)
		if _, err := i.cmd().Run(ctx, "rm", "-f", script); err != nil {
			return fmt.Errorf("remove iPXE script: %w", err)
		}
	}
	i.log().Success().Msg("Prepared export root and target")
	return nil
}

func (i *Installer) createExport(ctx context.Context) error {
	if _, err := i.cmd().Run(ctx, "mkdir", "-p", i.run.Root); err != nil {
		return fmt.Errorf("create %s: %w", i.run.Root, err)
	}
	i.log().Success().Msg("Target directory ready")
	return nil
}

// copyLive copies the image and marks it live for Puppet.
func (i *Installer) copyLive(ctx context.Context) error {
	if err := i.copy(ctx); err != nil {
		return err
	}
	fact, err := godotenv.Marshal(map[string]string{"live": "1"})
	if err != nil {
		return err
	}
	factsDir := filepath.Join(i.run.Root, "etc/puppetlabs/facter/facts.d")
	if _, err := i.cmd().Run(ctx, "mkdir", "-p", factsDir); err != nil {
		return fmt.Errorf("create %s: %w", factsDir, err)
	}
	if _, err := i.cmd().RunInput(ctx, []byte(fact+"\n"), "tee", filepath.Join(factsDir, "live.txt")); err != nil {
		return fmt.Errorf("write live fact: %w", err)
	}
	i.log().Success().Msg("Set live=1 fact")
	return nil
}

// nfsCmdline drops root options that the NFS root replaces.
func nfsCmdline(cmdline string) string {
	var keep []string
	for _, tok := range strings.Fields(cmdline) {
		if strings.HasPrefix(tok, "root=") || strings.HasPrefix(tok, "rootfstype=") || strings.HasPrefix(tok, "rootflags=") {
			continue
		}
		keep = append(keep, tok)
	}
	return strings.Join(keep, " ")
}

func (i *Installer) kernelVersion(bootDir string) (string, error) {
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", bootDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return e.Name(), nil
		}
	}
	return "", apperr.User("no kernel version directory found in %s", bootDir)
}

func (i *Installer) writeIPXE(ctx context.Context) error {
	root := i.run.Root
	server := i.run.Boot
	if server == "" {
		return apperr.User("iPXE hosts need --boot naming the NFS server")
	}
	script := i.ipxeScriptPath()
	i.log().Info().Msgf("Generating iPXE script at %s", script)

	id, err := os.ReadFile(filepath.Join(root, "etc/machine-id"))
	if err != nil {
		return fmt.Errorf("read machine ID: %w", err)
	}
	machineID := strings.TrimSpace(string(id))
	bootDir := filepath.Join(root, "boot", machineID)
	version, err := i.kernelVersion(bootDir)
	if err != nil {
		return err
	}
	if !fileExists(filepath.Join(bootDir, version, "linux")) || !fileExists(filepath.Join(bootDir, version, "initrd")) {
		return apperr.User("kernel or initrd not found in %s", filepath.Join(bootDir, version))
	}

	var cmdline string
	if b, err := os.ReadFile(filepath.Join(root, "etc/kernel/cmdline")); err == nil {
		cmdline = nfsCmdline(string(b))
	}

	// Paths are relative to the HTTP document root, which is the export root.
	rel := filepath.Join(i.Name, "boot", machineID, version)
	var b strings.Builder
	fmt.Fprintf(&b, "#!ipxe\n")
	fmt.Fprintf(&b, "set base-url http://%s\n", server)
	fmt.Fprintf(&b, "echo Booting %s via iPXE with NFS root\n", i.Name)
	fmt.Fprintf(&b, "kernel ${base-url}/%s root=/dev/nfs nfsroot=%s:%s rw",
		shellquote.Join(filepath.Join(rel, "linux")), server, root)
	if cmdline != "" {
		b.WriteString(" " + cmdline)
	}
	fmt.Fprintf(&b, "\ninitrd ${base-url}/%s\n", shellquote.Join(filepath.Join(rel, "initrd")))
	b.WriteString("boot\n")

	if _, err := i.cmd().RunInput(ctx, []byte(b.String()), "tee", script); err != nil {
		return fmt.Errorf("write %s: %w", script, err)
	}
	i.log().Success().Msg("Generated iPXE script")
	return nil
}
