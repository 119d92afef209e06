package infrastructure

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/byteness/mfa-recovery/access"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/override"
	"github.com/byteness/mfa-recovery/recovery"
)

func TestKeyAttributeValidate(t *testing.T) {
	tests := []struct {
		name    string
		attr    KeyAttribute
		wantErr string
	}{
		{"valid string", KeyAttribute{Name: "id", Type: KeyTypeString}, ""},
		{"valid number", KeyAttribute{Name: "n", Type: KeyTypeNumber}, ""},
		{"missing name", KeyAttribute{Type: KeyTypeString}, "name is required"},
		{"lowercase type", KeyAttribute{Name: "id", Type: "s"}, "invalid key type"},
		{"empty type", KeyAttribute{Name: "id"}, "invalid key type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.attr.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestTableSchemaValidate(t *testing.T) {
	valid := func() TableSchema { return RequestTableSchema("requests") }

	tests := []struct {
		name    string
		mutate  func(*TableSchema)
		wantErr string
	}{
		{"valid", func(*TableSchema) {}, ""},
		{"missing table name", func(s *TableSchema) { s.TableName = "" }, "table name is required"},
		{"bad partition key", func(s *TableSchema) { s.PartitionKey.Type = "X" }, "partition key"},
		{"bad sort key", func(s *TableSchema) { s.SortKey = &KeyAttribute{Name: "sk"} }, "sort key"},
		{"gsi without name", func(s *TableSchema) { s.GlobalSecondaryIndexes[0].IndexName = "" }, "GSI[0]"},
		{"gsi bad projection", func(s *TableSchema) { s.GlobalSecondaryIndexes[1].Projection = "SOME" }, "invalid projection"},
		{"duplicate gsi", func(s *TableSchema) {
			s.GlobalSecondaryIndexes = append(s.GlobalSecondaryIndexes, s.GlobalSecondaryIndexes[0])
		}, "duplicate index name"},
		{"bad billing mode", func(s *TableSchema) { s.BillingMode = "FREE" }, "invalid billing mode"},
		{"kms encryption", func(s *TableSchema) { s.Encryption = &Encryption{Type: EncryptionKMS} }, ""},
		{"customer key without arn", func(s *TableSchema) {
			s.Encryption = &Encryption{Type: EncryptionCustomerKey, KMSKeyARN: "alias/recovery"}
		}, "requires a KMS key ARN"},
		{"unknown encryption", func(s *TableSchema) { s.Encryption = &Encryption{Type: "ROT13"} }, "invalid encryption type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecoveryTableSchemas(t *testing.T) {
	type indexShape struct {
		Name, Partition, Sort string
	}
	shape := func(s TableSchema) []indexShape {
		var out []indexShape
		for _, g := range s.GlobalSecondaryIndexes {
			sort := ""
			if g.SortKey != nil {
				sort = g.SortKey.Name
			}
			out = append(out, indexShape{g.IndexName, g.PartitionKey.Name, sort})
		}
		return out
	}

	tests := []struct {
		name      string
		schema    TableSchema
		wantPK    string
		wantTTL   string
		wantIndex []indexShape
	}{
		{
			name:    "requests",
			schema:  RequestTableSchema("t"),
			wantPK:  "id",
			wantTTL: "ttl",
			wantIndex: []indexShape{
				{recovery.GSIUser, "user_id", "created_at"},
				{recovery.GSIStatus, "status", "created_at"},
			},
		},
		{
			name:    "overrides",
			schema:  OverrideTableSchema("t"),
			wantPK:  "id",
			wantTTL: "ttl",
			wantIndex: []indexShape{
				{override.GSITarget, "target_user_id", "created_at"},
				{override.GSIStatus, "status", "created_at"},
			},
		},
		{
			name:      "grants",
			schema:    GrantTableSchema("t"),
			wantPK:    "id",
			wantTTL:   "ttl",
			wantIndex: []indexShape{{access.GSIUser, "user_id", "issued_at"}},
		},
		{
			name:   "roles",
			schema: RoleTableSchema("t"),
			wantPK: "user_id",
		},
		{
			name:   "contacts",
			schema: ContactTableSchema("t"),
			wantPK: "user_id",
		},
		{
			name:    "rate limits",
			schema:  RateLimitTableSchema("t"),
			wantPK:  "PK",
			wantTTL: "TTL",
		},
		{
			name:      "audit",
			schema:    AuditTableSchema("t"),
			wantPK:    "id",
			wantTTL:   "ttl",
			wantIndex: []indexShape{{logging.GSISubject, "subject", "timestamp"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.schema.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.schema.PartitionKey.Name != tt.wantPK {
				t.Errorf("partition key = %q, want %q", tt.schema.PartitionKey.Name, tt.wantPK)
			}
			if tt.schema.TTLAttribute != tt.wantTTL {
				t.Errorf("TTL attribute = %q, want %q", tt.schema.TTLAttribute, tt.wantTTL)
			}
			if tt.schema.BillingMode != BillingModePayPerRequest {
				t.Errorf("billing mode = %q", tt.schema.BillingMode)
			}
			if diff := cmp.Diff(tt.wantIndex, shape(tt.schema)); diff != "" {
				t.Errorf("indexes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTableNamesSchemas(t *testing.T) {
	names := TableNames{
		Requests:  "recovery-requests",
		Overrides: "recovery-overrides",
		Grants:    "recovery-grants",
		Contacts:  "recovery-contacts",
		Audit:     "recovery-audit",
	}
	enc := &Encryption{Type: EncryptionKMS}

	schemas := names.Schemas(enc)
	var got []string
	for _, s := range schemas {
		got = append(got, s.TableName)
		if s.Encryption != enc {
			t.Errorf("%s: encryption not applied", s.TableName)
		}
	}
	want := []string{"recovery-requests", "recovery-overrides", "recovery-grants", "recovery-contacts", "recovery-audit"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Schemas() tables mismatch (-want +got):\n%s", diff)
	}

	if len(TableNames{}.Schemas(nil)) != 0 {
		t.Error("empty TableNames should produce no schemas")
	}
}
