// Package puppet applies the host's Puppet catalog inside a target system.
package puppet

import (
	"context"
	"fmt"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/shell"
)

// Puppet's --detailed-exitcodes meaning "changes were applied".
const changed = 2

// Exec runs a shell command line in the system being configured. The
// returned error carries the command's exit status.
type Exec func(ctx context.Context, command string) error

type Options struct {
	Noop bool
	// Kernel makes the catalog build and install the kernel and bootloader.
	Kernel bool
	// Tags limits the run to the tagged resources.
	Tags []string
}

// Command renders the agent command line for opts.
func Command(opts Options) string {
	var b strings.Builder
	if opts.Kernel {
		b.WriteString("FACTER_build=kernel FACTER_force_kernel_install=1 ")
	}
	b.WriteString("puppet agent --test")
	if opts.Noop {
		b.WriteString(" --noop")
	}
	if len(opts.Tags) > 0 {
		b.WriteString(" --tags " + strings.Join(opts.Tags, ","))
	}
	return b.String()
}

// Apply runs the agent. A run that applied changes is repeated once from the
// cached catalog, which must then come back clean.
func Apply(ctx context.Context, exec Exec, opts Options) error {
	err := exec(ctx, Command(opts))
	code := shell.ExitCode(err)
	if code != 0 && code != changed {
		return fmt.Errorf("configure system with Puppet: %w", err)
	}
	if code == changed {
		if err := exec(ctx, "puppet agent --test --use_cached_catalog"); err != nil {
			return fmt.Errorf("configure system with Puppet: rerun was not clean: %w", err)
		}
	}
	return nil
}
