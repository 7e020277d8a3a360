package runtime

import (
	"context"

	"github.com/puppetjoy/nest-cli/internal/beadm"
)

// BootEnv is a Dir that mounts its boot environment for the duration of an
// Exec unless it was already mounted.
type BootEnv struct {
	*Dir
	name string
}

func NewBootEnv(env Env, name string) *BootEnv {
	return &BootEnv{Dir: NewDir(env, env.BootEnvs.MountPath(name)), name: name}
}

func (b *BootEnv) String() string { return b.name }

func (b *BootEnv) Exec(ctx context.Context, opts Options) error {
	res, err := b.env.BootEnvs.Mount(ctx, b.name)
	if err != nil {
		return err
	}
	opts.Overlay = false
	err = b.Dir.Exec(ctx, opts)
	if res != beadm.AlreadyMounted {
		if uerr := b.env.BootEnvs.Unmount(ctx, b.name); uerr != nil {
			b.env.Log.Error().Err(uerr).Msgf("Failed to unmount boot environment '%s'", b.name)
			if err == nil {
				err = uerr
			}
		}
	}
	return err
}
