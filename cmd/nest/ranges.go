package main

import (
	"github.com/puppetjoy/nest-cli/internal/installer"
	"github.com/puppetjoy/nest-cli/internal/updater"
)

// stepFlags are the step selection flags shared by install, update and reset.
type stepFlags struct {
	step   string
	begin  string
	end    string
	resume bool
}

func installRange(f stepFlags, clean bool) (string, string) {
	switch {
	case clean:
		return installer.StepCleanup, installer.StepCleanup
	case f.step != "":
		return f.step, f.step
	}
	return f.begin, f.end
}

// updateRange resolves the steps of a package update. Resuming skips the
// backup of a run that already made one.
func updateRange(f stepFlags) (string, string) {
	if f.step != "" {
		return f.step, f.step
	}
	start := f.begin
	if f.resume && start == updater.StepBackup {
		start = updater.StepMount
	}
	return start, f.end
}

// resetRange resolves the steps of a resync. Kernel and firmware resets
// override every other selection, and a test run stops after the sync unless
// an explicit end was given.
func resetRange(f stepFlags, kernel, firmware, test bool) (string, string) {
	switch {
	case kernel && firmware:
		return updater.StepKernel, updater.StepFirmware
	case kernel:
		return updater.StepKernel, updater.StepKernel
	case firmware:
		return updater.StepFirmware, updater.StepFirmware
	}
	start, stop := updateRange(f)
	if f.step == "" && test && stop == updater.StepActivate {
		stop = updater.StepSync
	}
	return start, stop
}
