package installer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/pipeline"
)

// Sparse size of the image file the live pool is created in.
const liveImageSize = "20G"

func (i *Installer) liveBuildDir() string {
	return filepath.Join(i.env.Config.LiveRoot, i.Name)
}

// liveImage is where the live medium's squashfs expects the root image.
func (i *Installer) liveImage() string {
	return filepath.Join(i.liveBuildDir(), "LiveOS/squashfs-root/LiveOS/rootfs.img")
}

// liveSteps replace partitioning with laying out the build tree.
func (i *Installer) liveSteps() map[string]pipeline.Action {
	return map[string]pipeline.Action{
		StepPartition: i.prepareLive,
	}
}

func (i *Installer) prepareLive(ctx context.Context) error {
	img := i.liveImage()
	if fileExists(img) {
		if !i.run.Force {
			return apperr.User("build tree at %s already exists; remove it or use --force", i.liveBuildDir())
		}
		i.log().Warn().Msg("Forcing removal of existing build tree")
		if _, err := i.cmd().Run(ctx, "rm", "-rf", i.liveBuildDir()); err != nil {
			return fmt.Errorf("remove build tree: %w", err)
		}
	}

	i.log().Info().Msg("Making live image structure")
	if _, err := i.cmd().Run(ctx, "mkdir", "-p", filepath.Dir(img)); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(img), err)
	}
	if _, err := i.cmd().Run(ctx, "truncate", "-s", liveImageSize, img); err != nil {
		return fmt.Errorf("create %s: %w", img, err)
	}
	i.log().Success().Msg("Created live image structure")
	return nil
}
