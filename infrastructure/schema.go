// Package infrastructure provisions the DynamoDB tables the recovery
// service stores requests, overrides, grants, roles, contacts, rate limits
// and audit events in.
package infrastructure

import (
	"errors"
	"fmt"
	"strings"
)

// KeyType represents a DynamoDB attribute type for keys.
type KeyType string

const (
	// KeyTypeString represents the DynamoDB String type.
	KeyTypeString KeyType = "S"
	// KeyTypeNumber represents the DynamoDB Number type.
	KeyTypeNumber KeyType = "N"
	// KeyTypeBinary represents the DynamoDB Binary type.
	KeyTypeBinary KeyType = "B"
)

// IsValid returns true if the KeyType is a valid DynamoDB key type.
func (kt KeyType) IsValid() bool {
	return kt == KeyTypeString || kt == KeyTypeNumber || kt == KeyTypeBinary
}

// BillingMode represents DynamoDB table billing mode.
type BillingMode string

const (
	BillingModePayPerRequest BillingMode = "PAY_PER_REQUEST"
	BillingModeProvisioned   BillingMode = "PROVISIONED"
)

// IsValid returns true if the BillingMode is a valid DynamoDB billing mode.
func (bm BillingMode) IsValid() bool {
	return bm == BillingModePayPerRequest || bm == BillingModeProvisioned
}

// ProjectionType represents a GSI projection type.
type ProjectionType string

const (
	ProjectionAll      ProjectionType = "ALL"
	ProjectionKeysOnly ProjectionType = "KEYS_ONLY"
)

// IsValid returns true if the ProjectionType is supported.
func (pt ProjectionType) IsValid() bool {
	return pt == ProjectionAll || pt == ProjectionKeysOnly
}

// EncryptionType selects server-side encryption for a table.
type EncryptionType string

const (
	// EncryptionDefault uses the AWS owned key.
	EncryptionDefault EncryptionType = "DEFAULT"
	// EncryptionKMS uses the AWS managed KMS key.
	EncryptionKMS EncryptionType = "KMS"
	// EncryptionCustomerKey uses a customer managed KMS key.
	EncryptionCustomerKey EncryptionType = "CUSTOMER_KEY"
)

// Encryption configures server-side encryption.
type Encryption struct {
	Type      EncryptionType
	KMSKeyARN string
}

// Validate checks that a customer key carries a key ARN.
func (e Encryption) Validate() error {
	switch e.Type {
	case EncryptionDefault, EncryptionKMS:
		return nil
	case EncryptionCustomerKey:
		if !strings.HasPrefix(e.KMSKeyARN, "arn:") {
			return fmt.Errorf("customer key encryption requires a KMS key ARN, got %q", e.KMSKeyARN)
		}
		return nil
	default:
		return fmt.Errorf("invalid encryption type %q", e.Type)
	}
}

// KeyAttribute represents a key attribute definition for DynamoDB tables.
type KeyAttribute struct {
	Name string
	Type KeyType
}

// Validate checks if the KeyAttribute has valid values.
func (ka KeyAttribute) Validate() error {
	if ka.Name == "" {
		return errors.New("key attribute name is required")
	}
	if !ka.Type.IsValid() {
		return fmt.Errorf("invalid key type %q: must be S, N, or B", ka.Type)
	}
	return nil
}

// GSISchema represents a Global Secondary Index definition.
type GSISchema struct {
	IndexName    string
	PartitionKey KeyAttribute
	SortKey      *KeyAttribute
	// Projection defaults to ALL.
	Projection ProjectionType
}

// Validate checks if the GSISchema has valid values.
func (gsi GSISchema) Validate() error {
	if gsi.IndexName == "" {
		return errors.New("GSI index name is required")
	}
	if err := gsi.PartitionKey.Validate(); err != nil {
		return fmt.Errorf("GSI %q partition key: %w", gsi.IndexName, err)
	}
	if gsi.SortKey != nil {
		if err := gsi.SortKey.Validate(); err != nil {
			return fmt.Errorf("GSI %q sort key: %w", gsi.IndexName, err)
		}
	}
	if gsi.Projection != "" && !gsi.Projection.IsValid() {
		return fmt.Errorf("GSI %q: invalid projection type %q", gsi.IndexName, gsi.Projection)
	}
	return nil
}

// TableSchema represents a complete DynamoDB table schema definition.
type TableSchema struct {
	TableName              string
	PartitionKey           KeyAttribute
	SortKey                *KeyAttribute
	GlobalSecondaryIndexes []GSISchema
	// TTLAttribute is empty when the table has no TTL.
	TTLAttribute string
	BillingMode  BillingMode
	Encryption   *Encryption
}

// Validate checks if the TableSchema has valid values.
func (ts TableSchema) Validate() error {
	if ts.TableName == "" {
		return errors.New("table name is required")
	}
	if err := ts.PartitionKey.Validate(); err != nil {
		return fmt.Errorf("partition key: %w", err)
	}
	if ts.SortKey != nil {
		if err := ts.SortKey.Validate(); err != nil {
			return fmt.Errorf("sort key: %w", err)
		}
	}
	seen := make(map[string]bool, len(ts.GlobalSecondaryIndexes))
	for i, gsi := range ts.GlobalSecondaryIndexes {
		if err := gsi.Validate(); err != nil {
			return fmt.Errorf("GSI[%d]: %w", i, err)
		}
		if seen[gsi.IndexName] {
			return fmt.Errorf("GSI[%d]: duplicate index name %q", i, gsi.IndexName)
		}
		seen[gsi.IndexName] = true
	}
	if ts.BillingMode != "" && !ts.BillingMode.IsValid() {
		return fmt.Errorf("invalid billing mode %q", ts.BillingMode)
	}
	if ts.Encryption != nil {
		if err := ts.Encryption.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GSINames returns a list of all GSI names in this schema.
func (ts TableSchema) GSINames() []string {
	names := make([]string, len(ts.GlobalSecondaryIndexes))
	for i, gsi := range ts.GlobalSecondaryIndexes {
		names[i] = gsi.IndexName
	}
	return names
}

// Index names match the constants in the store packages.
const (
	indexUser    = "gsi-user"
	indexStatus  = "gsi-status"
	indexTarget  = "gsi-target"
	indexSubject = "gsi-subject"
)

func stringKey(name string) KeyAttribute {
	return KeyAttribute{Name: name, Type: KeyTypeString}
}

func sortedIndex(name, partition, sort string) GSISchema {
	sk := stringKey(sort)
	return GSISchema{
		IndexName:    name,
		PartitionKey: stringKey(partition),
		SortKey:      &sk,
		Projection:   ProjectionAll,
	}
}

// RequestTableSchema returns the schema for the recovery request table:
//   - Partition key: id (S)
//   - GSIs: gsi-user on user_id, gsi-status on status (created_at sort key)
//   - TTL attribute: ttl
func RequestTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("id"),
		GlobalSecondaryIndexes: []GSISchema{
			sortedIndex(indexUser, "user_id", "created_at"),
			sortedIndex(indexStatus, "status", "created_at"),
		},
		TTLAttribute: "ttl",
		BillingMode:  BillingModePayPerRequest,
	}
}

// OverrideTableSchema returns the schema for the override table:
//   - Partition key: id (S)
//   - GSIs: gsi-target on target_user_id, gsi-status on status (created_at sort key)
//   - TTL attribute: ttl
func OverrideTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("id"),
		GlobalSecondaryIndexes: []GSISchema{
			sortedIndex(indexTarget, "target_user_id", "created_at"),
			sortedIndex(indexStatus, "status", "created_at"),
		},
		TTLAttribute: "ttl",
		BillingMode:  BillingModePayPerRequest,
	}
}

// GrantTableSchema returns the schema for the temporary access grant table.
func GrantTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("id"),
		GlobalSecondaryIndexes: []GSISchema{
			sortedIndex(indexUser, "user_id", "issued_at"),
		},
		TTLAttribute: "ttl",
		BillingMode:  BillingModePayPerRequest,
	}
}

// RoleTableSchema returns the schema for operator role assignments.
func RoleTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("user_id"),
		BillingMode:  BillingModePayPerRequest,
	}
}

// ContactTableSchema returns the schema for registered recovery contacts,
// keyed by user_id with email and phone attributes.
func ContactTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("user_id"),
		BillingMode:  BillingModePayPerRequest,
	}
}

// RateLimitTableSchema returns the schema for the sliding window limiter.
// Attribute names are upper case to match the limiter's items.
func RateLimitTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("PK"),
		TTLAttribute: "TTL",
		BillingMode:  BillingModePayPerRequest,
	}
}

// AuditTableSchema returns the schema for the audit event table:
//   - Partition key: id (S)
//   - GSI: gsi-subject on subject (timestamp sort key)
//   - TTL attribute: ttl
func AuditTableSchema(tableName string) TableSchema {
	return TableSchema{
		TableName:    tableName,
		PartitionKey: stringKey("id"),
		GlobalSecondaryIndexes: []GSISchema{
			sortedIndex(indexSubject, "subject", "timestamp"),
		},
		TTLAttribute: "ttl",
		BillingMode:  BillingModePayPerRequest,
	}
}

// TableNames names the tables to provision. Empty names are skipped.
type TableNames struct {
	Requests   string
	Overrides  string
	Grants     string
	Roles      string
	Contacts   string
	RateLimits string
	Audit      string
}

// Schemas returns the schema of every named table, in a stable order,
// applying enc to each when non-nil.
func (n TableNames) Schemas(enc *Encryption) []TableSchema {
	var out []TableSchema
	add := func(name string, build func(string) TableSchema) {
		if name == "" {
			return
		}
		s := build(name)
		s.Encryption = enc
		out = append(out, s)
	}
	add(n.Requests, RequestTableSchema)
	add(n.Overrides, OverrideTableSchema)
	add(n.Grants, GrantTableSchema)
	add(n.Roles, RoleTableSchema)
	add(n.Contacts, ContactTableSchema)
	add(n.RateLimits, RateLimitTableSchema)
	add(n.Audit, AuditTableSchema)
	return out
}
