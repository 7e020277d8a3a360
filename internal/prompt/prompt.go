// Package prompt asks the operator for secrets on the controlling terminal.
package prompt

import (
	"errors"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"golang.org/x/term"
)

// ErrMismatch is returned when a confirmation does not match.
var ErrMismatch = errors.New("passphrases do not match")

type Prompter interface {
	// Interactive reports whether a human can answer prompts.
	Interactive() bool
	// Passphrase reads a masked secret, asking twice when confirm is set.
	Passphrase(message string, confirm bool) (string, error)
}

type Terminal struct{}

func (Terminal) Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

func (Terminal) Passphrase(message string, confirm bool) (string, error) {
	var first string
	if err := survey.AskOne(&survey.Password{Message: message}, &first, survey.WithValidator(survey.Required)); err != nil {
		return "", err
	}
	if !confirm {
		return first, nil
	}
	var second string
	if err := survey.AskOne(&survey.Password{Message: "Confirm passphrase"}, &second); err != nil {
		return "", err
	}
	if first != second {
		return "", ErrMismatch
	}
	return first, nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
