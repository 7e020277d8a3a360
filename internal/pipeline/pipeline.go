// Package pipeline runs named, ordered steps over an inclusive sub-range,
// stopping at the first failure. Pipelines hold no state between runs, so an
// interrupted run is resumed by starting again at a later step.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/logging"
)

// ErrSkipRemaining ends a run successfully without executing later steps.
var ErrSkipRemaining = errors.New("skip remaining steps")

type Action func(ctx context.Context) error

type Step struct {
	Name   string
	Action Action
}

type Pipeline struct {
	name  string
	log   *logging.Logger
	steps []Step

	// Progress, when set, receives a progress bar advanced after each step.
	Progress io.Writer
}

func New(name string, log *logging.Logger, steps ...Step) *Pipeline {
	return &Pipeline{name: name, log: log, steps: steps}
}

func (p *Pipeline) Names() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name
	}
	return names
}

// Index returns the position of step name, or -1.
func (p *Pipeline) Index(name string) int {
	for i, s := range p.steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Range is a validated, inclusive span of steps.
type Range struct {
	Start, Stop int
	names       []string
}

func (r Range) Includes(name string) bool {
	for i := r.Start; i <= r.Stop; i++ {
		if r.names[i] == name {
			return true
		}
	}
	return false
}

func (r Range) Len() int { return r.Stop - r.Start + 1 }

// Range resolves start and stop. Unknown names and reversed ranges are user
// errors.
func (p *Pipeline) Range(start, stop string) (Range, error) {
	i, j := p.Index(start), p.Index(stop)
	if i < 0 {
		return Range{}, apperr.User("'%s' is not a valid %s step (one of %s)", start, p.name, strings.Join(p.Names(), ", "))
	}
	if j < 0 {
		return Range{}, apperr.User("'%s' is not a valid %s step (one of %s)", stop, p.name, strings.Join(p.Names(), ", "))
	}
	if i > j {
		return Range{}, apperr.User("step '%s' comes after '%s'", start, stop)
	}
	return Range{Start: i, Stop: j, names: p.Names()}, nil
}

// Rebind replaces the action of step name.
func (p *Pipeline) Rebind(name string, action Action) error {
	i := p.Index(name)
	if i < 0 {
		return fmt.Errorf("rebind unknown step %q", name)
	}
	p.steps[i].Action = action
	return nil
}

// Run executes the steps from start through stop in order.
func (p *Pipeline) Run(ctx context.Context, start, stop string) error {
	r, err := p.Range(start, stop)
	if err != nil {
		return err
	}
	return p.RunRange(ctx, r)
}

func (p *Pipeline) RunRange(ctx context.Context, r Range) error {
	var bar *progressbar.ProgressBar
	if p.Progress != nil {
		bar = progressbar.NewOptions(r.Len(),
			progressbar.OptionSetWriter(p.Progress),
			progressbar.OptionSetDescription(p.name),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for _, s := range p.steps[r.Start : r.Stop+1] {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.log.Debug().Str("pipeline", p.name).Str("step", s.Name).Msg("starting step")
		if bar != nil {
			bar.Describe(p.name + ": " + s.Name)
		}
		err := s.Action(ctx)
		if errors.Is(err, ErrSkipRemaining) {
			p.log.Debug().Str("step", s.Name).Msg("skipping remaining steps")
			break
		}
		if err != nil {
			return fmt.Errorf("%s step '%s': %w", p.name, s.Name, err)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}
