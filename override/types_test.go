package override

import (
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testOverride() *Override {
	return &Override{
		ID:           "0123456789abcdef",
		TargetUserID: "bob",
		Type:         TypeTemporaryDisable,
		RequestedBy:  "admin1",
		Reason:       "lost phone while travelling",
		Duration:     24 * time.Hour,
		IsActive:     true,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
		ExpiresAt:    baseTime.Add(24 * time.Hour),
	}
}

func TestType_IsValid(t *testing.T) {
	for _, typ := range []Type{TypeTemporaryDisable, TypeResetMFA, TypeEmergencyAccess, TypeTrustDevice} {
		if !typ.IsValid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if Type("disable_everything").IsValid() {
		t.Error("unknown type should be invalid")
	}
	if _, err := ParseType("reset_mfa"); err != nil {
		t.Errorf("ParseType(reset_mfa) error = %v", err)
	}
	if _, err := ParseType(""); err == nil {
		t.Error("ParseType(\"\") should fail")
	}
}

func TestOverride_State(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Override)
		at     time.Time
		want   State
	}{
		{"active", func(o *Override) {}, baseTime.Add(time.Hour), StateActive},
		{"pending", func(o *Override) {
			o.RequiresApproval = true
			o.IsActive = false
		}, baseTime.Add(time.Hour), StatePendingApproval},
		{"lazily expired", func(o *Override) {}, baseTime.Add(24 * time.Hour), StateExpired},
		{"pending expires too", func(o *Override) {
			o.RequiresApproval = true
			o.IsActive = false
		}, baseTime.Add(25 * time.Hour), StateExpired},
		{"revoked wins over expiry", func(o *Override) {
			o.IsActive = false
			o.RevokedAt = baseTime.Add(time.Minute)
		}, baseTime.Add(48 * time.Hour), StateRevoked},
		{"swept", func(o *Override) {
			o.IsActive = false
			o.SweptAt = baseTime.Add(25 * time.Hour)
		}, baseTime.Add(time.Hour), StateExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOverride()
			tt.modify(o)
			if got := o.State(tt.at); got != tt.want {
				t.Errorf("State() = %q, want %q", got, tt.want)
			}
			if got := o.EffectivelyActive(tt.at); got != (tt.want == StateActive) {
				t.Errorf("EffectivelyActive() = %v", got)
			}
		})
	}
}

func TestOverride_ViewAppliesLazyExpiry(t *testing.T) {
	o := testOverride()
	v := o.View(baseTime.Add(30 * time.Hour))
	if v.IsActive {
		t.Error("view of expired override should be inactive")
	}
	if !o.IsActive {
		t.Error("View must not modify the receiver")
	}
}

func TestOverride_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(o *Override)
		wantErr bool
	}{
		{"valid", func(o *Override) {}, false},
		{"bad id", func(o *Override) { o.ID = "XYZ" }, true},
		{"no target", func(o *Override) { o.TargetUserID = "" }, true},
		{"no requester", func(o *Override) { o.RequestedBy = "" }, true},
		{"unknown type", func(o *Override) { o.Type = "nope" }, true},
		{"zero duration", func(o *Override) { o.Duration = 0 }, true},
		{"active without approver", func(o *Override) { o.RequiresApproval = true }, true},
		{"active with approver", func(o *Override) {
			o.RequiresApproval = true
			o.ApprovedBy = "root2"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOverride()
			tt.modify(o)
			if err := o.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewOverrideID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewOverrideID()
		if !ValidateOverrideID(id) {
			t.Fatalf("NewOverrideID() = %q, not valid", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestStoredStatus(t *testing.T) {
	o := testOverride()
	if o.storedStatus() != StateActive {
		t.Errorf("storedStatus = %q", o.storedStatus())
	}
	// Stored status ignores the clock.
	o.ExpiresAt = baseTime.Add(-time.Hour)
	if o.storedStatus() != StateActive {
		t.Errorf("storedStatus = %q, want active until swept", o.storedStatus())
	}
	o.SweptAt = baseTime
	if o.storedStatus() != StateExpired {
		t.Errorf("storedStatus = %q, want expired", o.storedStatus())
	}
}
