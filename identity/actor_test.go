package identity

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeActor(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "alice", want: "alice"},
		{in: "  Alice ", want: "alice"},
		{in: "ops.lead+oncall@corp.com", want: "ops.lead+oncall@corp.com"},
		{in: "svc_recovery-1", want: "svc_recovery-1"},
		{in: "", wantErr: ErrEmptyActor},
		{in: "   ", wantErr: ErrEmptyActor},
		{in: strings.Repeat("a", MaxActorLength+1), wantErr: ErrActorTooLong},
		{in: "bob:admin", wantErr: ErrInvalidActorChars},
		{in: "bob/admin", wantErr: ErrInvalidActorChars},
		{in: "café", wantErr: ErrInvalidActorChars},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeActor(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("NormalizeActor(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeActor(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeActor(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if got, _ := NormalizeActor(strings.Repeat("a", MaxActorLength)); len(got) != MaxActorLength {
		t.Error("actor at the length ceiling should be accepted")
	}
}
