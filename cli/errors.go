package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

// FormatErrorWithSuggestion writes error to stderr with suggestion if available.
// Returns the original error for chaining.
func FormatErrorWithSuggestion(err error) error {
	return FormatErrorWithSuggestionTo(os.Stderr, err)
}

// FormatErrorWithSuggestionTo writes to a specific writer (for testing).
// Returns the original error for chaining.
func FormatErrorWithSuggestionTo(w io.Writer, err error) error {
	if err == nil {
		return nil
	}

	re, ok := recoveryerrors.IsRecoveryError(err)
	if !ok {
		fmt.Fprintf(w, "Error: %v\n", err)
		return err
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", re.Code(), re.Error())
	if cause := re.Unwrap(); cause != nil {
		fmt.Fprintf(w, "Cause: %v\n", cause)
	}
	if suggestion := re.Suggestion(); suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
	if ctx := re.Context(); len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, ctx[k])
		}
	}
	return err
}
