package puppet

import (
	"context"
	"reflect"
	"testing"

	"github.com/puppetjoy/nest-cli/internal/shell"
)

func fakeExec(codes ...int) (Exec, *[]string) {
	var ran []string
	return func(ctx context.Context, command string) error {
		ran = append(ran, command)
		code := 0
		if len(codes) > 0 {
			code, codes = codes[0], codes[1:]
		}
		if code != 0 {
			return &shell.ExitError{Cmd: command, Code: code}
		}
		return nil
	}, &ran
}

func TestCommand(t *testing.T) {
	cases := []struct {
		opts Options
		want string
	}{
		{Options{}, "puppet agent --test"},
		{Options{Noop: true}, "puppet agent --test --noop"},
		{Options{Kernel: true}, "FACTER_build=kernel FACTER_force_kernel_install=1 puppet agent --test"},
		{Options{Tags: []string{"kernel", "bootloader"}}, "puppet agent --test --tags kernel,bootloader"},
	}
	for _, c := range cases {
		if got := Command(c.opts); got != c.want {
			t.Fatalf("Command(%+v) = %q, want %q", c.opts, got, c.want)
		}
	}
}

func TestApplyReruns(t *testing.T) {
	exec, ran := fakeExec(2, 0)
	if err := Apply(context.Background(), exec, Options{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []string{"puppet agent --test", "puppet agent --test --use_cached_catalog"}
	if !reflect.DeepEqual(*ran, want) {
		t.Fatalf("ran %v", *ran)
	}
}

func TestApplyFailures(t *testing.T) {
	for _, codes := range [][]int{{1}, {4}, {2, 2}, {-1}} {
		exec, _ := fakeExec(codes...)
		if err := Apply(context.Background(), exec, Options{}); err == nil {
			t.Fatalf("codes %v: expected failure", codes)
		}
	}
}

func TestApplyClean(t *testing.T) {
	exec, ran := fakeExec(0)
	if err := Apply(context.Background(), exec, Options{Noop: true}); err != nil || len(*ran) != 1 {
		t.Fatalf("clean run: %v %v", err, *ran)
	}
}
