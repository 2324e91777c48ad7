// Package invariant separates fatal errors from everything else.
//
// A violation means the addressing configuration does not describe the
// machine being tested (two "adjacent" columns are not adjacent, a layout
// spans several banks, there is nothing to hammer with). No retry can fix
// that, so callers are expected to abort the run with a diagnostic.
//
// Every other failure in this module is advisory: noisy measurements and
// probabilistic cache behavior are reported and the run continues.
package invariant

import (
	"errors"
	"fmt"
)

// ErrViolation is wrapped by every error created with Violation.
var ErrViolation = errors.New("invariant violation")

// Violation returns a fatal error describing a broken invariant.
func Violation(format string, args ...interface{}) error {
	return fmt.Errorf("%s - %w", fmt.Sprintf(format, args...), ErrViolation)
}

// Is reports whether err (or any error it wraps) is a violation.
func Is(err error) bool {
	return errors.Is(err, ErrViolation)
}
