// Package shelltest provides a scripted shell.Commander for tests.
package shelltest

import (
	"context"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/shell"
)

type Mode string

const (
	ModeRun    Mode = "run"
	ModeStream Mode = "stream"
	ModeQuery  Mode = "query"
)

type Call struct {
	Mode  Mode
	Name  string
	Args  []string
	Input []byte
}

func (c Call) String() string {
	return shell.Join(append([]string{c.Name}, c.Args...))
}

type response struct {
	prefix string
	stdout string
	code   int
}

// Recorder records every command and answers from responses registered with
// Respond. Unmatched commands succeed with empty output. When Dry is set,
// mutating calls are recorded without consulting the responses.
type Recorder struct {
	Dry   bool
	Calls []Call

	// Handler, when set, takes precedence over the registered responses.
	Handler func(Call) (shell.Result, error)

	responses []response
}

// Respond makes every command line starting with prefix print stdout and
// exit with code. Later registrations win.
func (r *Recorder) Respond(prefix, stdout string, code int) {
	r.responses = append(r.responses, response{prefix: prefix, stdout: stdout, code: code})
}

func (r *Recorder) DryRun() bool { return r.Dry }

func (r *Recorder) Run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	return r.do(Call{Mode: ModeRun, Name: name, Args: args})
}

func (r *Recorder) RunInput(ctx context.Context, input []byte, name string, args ...string) (shell.Result, error) {
	return r.do(Call{Mode: ModeRun, Name: name, Args: args, Input: input})
}

func (r *Recorder) Stream(ctx context.Context, name string, args ...string) error {
	_, err := r.do(Call{Mode: ModeStream, Name: name, Args: args})
	return err
}

func (r *Recorder) Query(ctx context.Context, name string, args ...string) (shell.Result, error) {
	return r.do(Call{Mode: ModeQuery, Name: name, Args: args})
}

func (r *Recorder) do(c Call) (shell.Result, error) {
	r.Calls = append(r.Calls, c)
	if r.Dry && c.Mode != ModeQuery {
		return shell.Result{}, nil
	}
	if r.Handler != nil {
		return r.Handler(c)
	}
	line := c.String()
	for i := len(r.responses) - 1; i >= 0; i-- {
		resp := r.responses[i]
		if strings.HasPrefix(line, resp.prefix) {
			return Result(line, resp.stdout, resp.code)
		}
	}
	return shell.Result{}, nil
}

// Result builds the value a real runner returns for a finished command.
func Result(line, stdout string, code int) (shell.Result, error) {
	res := shell.Result{Stdout: []byte(stdout), Code: code}
	if code != 0 {
		return res, &shell.ExitError{Cmd: line, Code: code}
	}
	return res, nil
}

// Commands returns the recorded command lines, optionally limited to modes.
func (r *Recorder) Commands(modes ...Mode) []string {
	var out []string
	for _, c := range r.Calls {
		if len(modes) > 0 && !hasMode(modes, c.Mode) {
			continue
		}
		out = append(out, c.String())
	}
	return out
}

// Mutations returns the recorded run and stream command lines.
func (r *Recorder) Mutations() []string {
	return r.Commands(ModeRun, ModeStream)
}

func hasMode(modes []Mode, m Mode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}
