// Package feature validates feature names used for worktrees, branches and
// state directories.
package feature

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/Iron-Ham/specflow/internal/errors"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Examples are valid names shown to users alongside rejections.
var Examples = []string{"add-auth", "user-profile", "api-v2"}

// Result is the outcome of validating a feature name.
type Result struct {
	Valid bool
	Error string
}

// Validate reports whether name is a valid feature name: a lowercase letter
// followed by lowercase letters, digits or hyphens. Rejections carry a
// message that names the problem and includes valid examples.
func Validate(name string) Result {
	if namePattern.MatchString(name) {
		return Result{Valid: true}
	}
	return Result{Error: fmt.Sprintf("%s (examples: %s)", problem(name), strings.Join(Examples, ", "))}
}

// Check is Validate as an error: nil for valid names, a *errors.ValidationError otherwise.
func Check(name string) error {
	r := Validate(name)
	if r.Valid {
		return nil
	}
	return errors.NewValidationError(r.Error).WithField("feature").WithValue(name)
}

func problem(name string) string {
	if name == "" {
		return "feature name must not be empty"
	}
	first := rune(name[0])
	switch {
	case unicode.IsDigit(first):
		return "feature name must not start with a digit"
	case first == '-':
		return "feature name must not start with a hyphen"
	}
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			return "feature name must not contain whitespace"
		case unicode.IsUpper(r):
			return "feature name must be lowercase"
		}
	}
	return "feature name must start with a lowercase letter and contain only lowercase letters, digits and hyphens"
}

// Branch returns the git branch used for a feature.
func Branch(name string) string {
	return "feature/" + name
}
