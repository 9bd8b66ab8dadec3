// Package doctor runs the system checks behind `murmur doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Check is one diagnostic. Run writes details to w and returns nil on
// success, an error from Skip when it does not apply, or the failure.
type Check struct {
	Name string
	Run  func(ctx context.Context, w io.Writer) error
}

type skipError struct{ reason string }

func (e skipError) Error() string { return e.reason }

// Skip marks a check as not applicable.
func Skip(reason string) error { return skipError{reason} }

// Run executes checks in order and reports whether none failed. Checks
// after a failure still run; skips do not count as failures.
func Run(ctx context.Context, w io.Writer, checks ...Check) bool {
	fmt.Fprintln(w, "murmur doctor - system diagnostics")
	fmt.Fprintln(w, "==================================")

	allPass := true
	for i, c := range checks {
		if ctx.Err() != nil {
			fmt.Fprintln(w, "\nInterrupted")
			return false
		}
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(checks), c.Name)
		err := c.Run(ctx, w)
		var skip skipError
		switch {
		case errors.As(err, &skip):
			fmt.Fprintf(w, "  SKIP: %s\n", skip.reason)
		case err != nil:
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			allPass = false
		default:
			fmt.Fprintln(w, "  PASS")
		}
	}

	fmt.Fprintln(w)
	if allPass {
		fmt.Fprintln(w, "All checks passed!")
	} else {
		fmt.Fprintln(w, "Some checks failed. See details above.")
	}
	return allPass
}
