package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

func TestFormatErrorWithSuggestionTo(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    []string
		notWant []string
	}{
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: []string{"Error: boom"},
			notWant: []string{
				"Suggestion:",
			},
		},
		{
			name: "recovery error with suggestion",
			err:  recoveryerrors.New(recoveryerrors.KindUnauthorized, "creating reset_mfa overrides requires role super_admin", nil),
			want: []string{
				"Error [" + recoveryerrors.ErrCodeUnauthorized + "]",
				"requires role super_admin",
				"Suggestion: " + recoveryerrors.Suggestions[recoveryerrors.ErrCodeUnauthorized],
			},
			notWant: []string{"Cause:", "Details:"},
		},
		{
			name: "cause and sorted context",
			err: recoveryerrors.WithContext(
				recoveryerrors.WithContext(
					recoveryerrors.New(recoveryerrors.KindNotFound, "access grant not found", errors.New("no item")),
					"grant_id", "abc"),
				"actor", "alice"),
			want: []string{"Cause: no item", "Details:\n  actor: alice\n  grant_id: abc\n"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			got := FormatErrorWithSuggestionTo(&buf, tc.err)
			if got != tc.err {
				t.Errorf("returned %v, want the original error", got)
			}
			out := buf.String()
			for _, want := range tc.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
			for _, nw := range tc.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("output should not contain %q:\n%s", nw, out)
				}
			}
		})
	}
}

func TestFormatErrorWithSuggestionTo_Nil(t *testing.T) {
	var buf bytes.Buffer
	if err := FormatErrorWithSuggestionTo(&buf, nil); err != nil {
		t.Errorf("FormatErrorWithSuggestionTo(nil) = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nil error wrote %q", buf.String())
	}
}
