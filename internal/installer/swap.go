package installer

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/puppetjoy/nest-cli/internal/blk"
)

const gib = 1 << 30

var totalMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// swapSize is the platform's fixed size, or installed RAM capped at an
// eighth of the pool device, rounded up to whole GiB.
func (i *Installer) swapSize(ctx context.Context, c *Context) (uint64, error) {
	if s := i.Platform.SwapSize; s != "" {
		size, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("platform %s swap size: %w", i.Platform.Name, err)
		}
		return size, nil
	}

	size, err := totalMemory()
	if err != nil {
		return 0, fmt.Errorf("read memory size: %w", err)
	}
	if d, err := blk.Inspect(ctx, i.cmd(), c.Disk); err == nil && d.SizeBytes > 0 {
		if limit := d.SizeBytes / 8; size > limit {
			size = limit
		}
	}
	if size < gib {
		size = gib
	}
	return (size + gib - 1) / gib * gib, nil
}
