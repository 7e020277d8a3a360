package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/puppetjoy/nest-cli/internal/apperr"
	"github.com/puppetjoy/nest-cli/internal/logging"
)

func TestInstallRange(t *testing.T) {
	defaults := stepFlags{begin: "partition", end: "firmware"}
	tests := []struct {
		name        string
		flags       stepFlags
		clean       bool
		start, stop string
	}{
		{"defaults", defaults, false, "partition", "firmware"},
		{"clean", defaults, true, "cleanup", "cleanup"},
		{"step", stepFlags{step: "copy", begin: "partition", end: "firmware"}, false, "copy", "copy"},
		{"range", stepFlags{begin: "mount", end: "bootloader"}, false, "mount", "bootloader"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, stop := installRange(tt.flags, tt.clean)
			if start != tt.start || stop != tt.stop {
				t.Fatalf("got %s..%s, want %s..%s", start, stop, tt.start, tt.stop)
			}
		})
	}
}

func TestUpdateRange(t *testing.T) {
	tests := []struct {
		name        string
		flags       stepFlags
		start, stop string
	}{
		{"defaults", stepFlags{begin: "backup", end: "activate"}, "backup", "activate"},
		{"resume", stepFlags{begin: "backup", end: "activate", resume: true}, "mount", "activate"},
		{"resume from later step", stepFlags{begin: "packages", end: "activate", resume: true}, "packages", "activate"},
		{"step wins over resume", stepFlags{step: "backup", begin: "backup", end: "activate", resume: true}, "backup", "backup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, stop := updateRange(tt.flags)
			if start != tt.start || stop != tt.stop {
				t.Fatalf("got %s..%s, want %s..%s", start, stop, tt.start, tt.stop)
			}
		})
	}
}

func TestResetRange(t *testing.T) {
	defaults := stepFlags{begin: "backup", end: "activate"}
	tests := []struct {
		name                   string
		flags                  stepFlags
		kernel, firmware, test bool
		start, stop            string
	}{
		{"defaults", defaults, false, false, false, "backup", "activate"},
		{"kernel and firmware", defaults, true, true, false, "kernel", "firmware"},
		{"kernel", defaults, true, false, false, "kernel", "kernel"},
		{"firmware", defaults, false, true, false, "firmware", "firmware"},
		{"kernel wins over step", stepFlags{step: "sync", begin: "backup", end: "activate"}, true, false, false, "kernel", "kernel"},
		{"test stops after sync", defaults, false, false, true, "backup", "sync"},
		{"test keeps explicit end", stepFlags{begin: "backup", end: "unmount"}, false, false, true, "backup", "unmount"},
		{"test with step", stepFlags{step: "activate", begin: "backup", end: "activate"}, false, false, true, "activate", "activate"},
		{"resume", stepFlags{begin: "backup", end: "activate", resume: true}, false, false, false, "mount", "activate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, stop := resetRange(tt.flags, tt.kernel, tt.firmware, tt.test)
			if start != tt.start || stop != tt.stop {
				t.Fatalf("got %s..%s, want %s..%s", start, stop, tt.start, tt.stop)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	defer func() { current = nil }()

	current = nil
	if got := exitCode(errors.New(`unknown command "frob" for "nest"`)); got != apperr.ExitUsage {
		t.Fatalf("argument error: got %d, want %d", got, apperr.ExitUsage)
	}

	current = &session{log: logging.Nop()}
	tests := []struct {
		err  error
		want int
	}{
		{nil, apperr.ExitOK},
		{apperr.User("boot environment 'x' does not exist"), apperr.ExitUser},
		{fmt.Errorf("create: %w", apperr.User("bad name")), apperr.ExitUser},
		{errors.New("zfs: command not found"), apperr.ExitSystem},
		{exitStatus(42), 42},
		{fmt.Errorf("exec: %w", exitStatus(7)), 7},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
