package apperr

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != ExitOK {
		t.Fatalf("nil should exit 0")
	}
	if got := ExitCode(User("bad name %q", "x y")); got != ExitUser {
		t.Fatalf("user error exit code: %d", got)
	}
	if got := ExitCode(errors.New("boom")); got != ExitSystem {
		t.Fatalf("system error exit code: %d", got)
	}
}

func TestUserSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("install: %w", User("step %q is not valid", "nope"))
	if !IsUser(err) {
		t.Fatalf("wrapped user error lost its kind")
	}
	if err.Error() != `install: step "nope" is not valid` {
		t.Fatalf("message: %s", err)
	}
}

func TestUserKeepsCause(t *testing.T) {
	err := User("target missing: %w", os.ErrNotExist)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cause not reachable")
	}
	if !IsUser(err) {
		t.Fatalf("kind not reachable")
	}
}
