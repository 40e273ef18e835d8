package task

import (
	"fmt"
	"regexp"
	"strings"
)

const maxPackages = 64

// A pip requirement specifier: a name, optional extras and version
// constraints. Leading dashes are rejected so that entries cannot be read
// as pip options.
var packagePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(\[[A-Za-z0-9._,-]+\])?([<>=!~]=?[A-Za-z0-9.*+!_-]+(,[<>=!~]=?[A-Za-z0-9.*+!_-]+)*)?$`)

// ValidatePackages checks an install request's package list
func ValidatePackages(packages []string) error {
	if len(packages) == 0 {
		return fmt.Errorf("%w: no packages given", ErrInvalidPackages)
	}
	if len(packages) > maxPackages {
		return fmt.Errorf("%w: at most %d packages per install", ErrInvalidPackages, maxPackages)
	}
	for _, p := range packages {
		if !packagePattern.MatchString(p) {
			return fmt.Errorf("%w: %q is not a requirement specifier", ErrInvalidPackages, p)
		}
	}
	return nil
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateEnv rejects environment variable names a sandbox could not accept
func ValidateEnv(env map[string]string) error {
	for k, v := range env {
		if !envKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidRequest, k)
		}
		if strings.ContainsRune(v, 0) {
			return fmt.Errorf("%w: environment variable %s contains a NUL byte", ErrInvalidRequest, k)
		}
	}
	return nil
}
