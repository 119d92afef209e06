package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
)

// ProvisionStatus represents the result status of a provision operation.
type ProvisionStatus string

const (
	StatusCreated ProvisionStatus = "CREATED"
	StatusExists  ProvisionStatus = "EXISTS"
	StatusFailed  ProvisionStatus = "FAILED"
)

const statusNotFound = "NOT_FOUND"

// Backoff configuration for waiting on table status.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	waitTimeout    = 5 * time.Minute
)

// DynamoDBProvisionerAPI is the subset of the DynamoDB client used by TableProvisioner.
type DynamoDBProvisionerAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

// TableProvisioner creates tables idempotently and enables TTL on them.
type TableProvisioner struct {
	client DynamoDBProvisionerAPI
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewTableProvisioner creates a TableProvisioner from AWS configuration.
func NewTableProvisioner(cfg aws.Config) *TableProvisioner {
	return NewTableProvisionerWithClient(dynamodb.NewFromConfig(cfg))
}

// NewTableProvisionerWithClient creates a TableProvisioner with a custom client.
func NewTableProvisionerWithClient(client DynamoDBProvisionerAPI) *TableProvisioner {
	return &TableProvisioner{
		client: client,
		sleep:  sleepContext,
	}
}

// ProvisionResult contains the result of a table provisioning operation.
type ProvisionResult struct {
	TableName string          `json:"table_name"`
	Status    ProvisionStatus `json:"status"`
	ARN       string          `json:"arn,omitempty"`
	Error     string          `json:"error,omitempty"`

	err error
}

// Err returns the failure, if any.
func (r *ProvisionResult) Err() error {
	return r.err
}

func failed(table, arn string, err error) *ProvisionResult {
	return &ProvisionResult{TableName: table, Status: StatusFailed, ARN: arn, Error: err.Error(), err: err}
}

// ProvisionPlan describes what would be created for a table.
type ProvisionPlan struct {
	TableName      string   `json:"table_name"`
	PartitionKey   string   `json:"partition_key"`
	GSIs           []string `json:"gsis,omitempty"`
	TTLAttribute   string   `json:"ttl_attribute,omitempty"`
	BillingMode    string   `json:"billing_mode"`
	EncryptionType string   `json:"encryption_type,omitempty"`
}

// Plan describes the table the schema would create. It makes no AWS calls,
// so it works before the caller has DynamoDB permissions.
func (p *TableProvisioner) Plan(schema TableSchema) (*ProvisionPlan, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	plan := &ProvisionPlan{
		TableName:    schema.TableName,
		PartitionKey: schema.PartitionKey.Name,
		GSIs:         schema.GSINames(),
		TTLAttribute: schema.TTLAttribute,
		BillingMode:  string(BillingModePayPerRequest),
	}
	if schema.BillingMode != "" {
		plan.BillingMode = string(schema.BillingMode)
	}
	if schema.Encryption != nil {
		plan.EncryptionType = string(schema.Encryption.Type)
	}
	return plan, nil
}

// Create provisions a table from the schema. An ACTIVE table is reported as
// StatusExists; a table still being created is waited on. TTL is configured
// once a new table is ACTIVE. Failures after validation are reported in the
// result rather than as an error, so a batch can continue.
func (p *TableProvisioner) Create(ctx context.Context, schema TableSchema) (*ProvisionResult, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	name := schema.TableName

	status, arn, err := p.tableStatus(ctx, name)
	if err != nil {
		return failed(name, "", err), nil
	}

	switch status {
	case string(types.TableStatusActive):
		return &ProvisionResult{TableName: name, Status: StatusExists, ARN: arn}, nil
	case string(types.TableStatusCreating), string(types.TableStatusUpdating):
		return p.awaitExisting(ctx, name), nil
	case statusNotFound:
	default:
		return failed(name, arn, fmt.Errorf("table exists with unexpected status: %s", status)), nil
	}

	output, err := p.client.CreateTable(ctx, schemaToCreateTableInput(schema))
	if err != nil {
		var riu *types.ResourceInUseException
		if errors.As(err, &riu) {
			// Created concurrently by another caller.
			return p.awaitExisting(ctx, name), nil
		}
		return failed(name, "", recoveryerrors.WrapDynamoDBError(err, name, "CreateTable")), nil
	}

	arn, err = p.waitForActive(ctx, name)
	if err != nil {
		return failed(name, "", err), nil
	}
	if arn == "" && output.TableDescription != nil {
		arn = aws.ToString(output.TableDescription.TableArn)
	}

	if schema.TTLAttribute != "" {
		if err := p.configureTTL(ctx, name, schema.TTLAttribute); err != nil {
			return failed(name, arn, fmt.Errorf("table created but TTL configuration failed: %w", err)), nil
		}
	}
	return &ProvisionResult{TableName: name, Status: StatusCreated, ARN: arn}, nil
}

// ProvisionAll creates every schema in order and returns one result per
// schema. The returned error joins the individual failures.
func (p *TableProvisioner) ProvisionAll(ctx context.Context, schemas []TableSchema) ([]*ProvisionResult, error) {
	results := make([]*ProvisionResult, 0, len(schemas))
	var errs []error
	for _, schema := range schemas {
		res, err := p.Create(ctx, schema)
		if err != nil {
			res = failed(schema.TableName, "", err)
		}
		if res.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.TableName, res.err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (p *TableProvisioner) awaitExisting(ctx context.Context, name string) *ProvisionResult {
	arn, err := p.waitForActive(ctx, name)
	if err != nil {
		return failed(name, "", err)
	}
	return &ProvisionResult{TableName: name, Status: StatusExists, ARN: arn}
}

// TableStatus returns the current status of a table, or "NOT_FOUND".
func (p *TableProvisioner) TableStatus(ctx context.Context, tableName string) (string, error) {
	status, _, err := p.tableStatus(ctx, tableName)
	return status, err
}

func (p *TableProvisioner) tableStatus(ctx context.Context, tableName string) (string, string, error) {
	output, err := p.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return statusNotFound, "", nil
		}
		return "", "", recoveryerrors.WrapDynamoDBError(err, tableName, "DescribeTable")
	}
	if output.Table == nil {
		return statusNotFound, "", nil
	}
	return string(output.Table.TableStatus), aws.ToString(output.Table.TableArn), nil
}

// waitForActive polls with exponential backoff until the table is ACTIVE.
func (p *TableProvisioner) waitForActive(ctx context.Context, tableName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	backoff := initialBackoff
	for {
		status, arn, err := p.tableStatus(ctx, tableName)
		if err != nil {
			return "", err
		}
		switch status {
		case string(types.TableStatusActive):
			return arn, nil
		case statusNotFound, string(types.TableStatusDeleting):
			return "", fmt.Errorf("table %s is %s", tableName, status)
		}

		if err := p.sleep(ctx, backoff); err != nil {
			return "", fmt.Errorf("waiting for table %s to become ACTIVE: %w", tableName, err)
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *TableProvisioner) configureTTL(ctx context.Context, tableName, ttlAttribute string) error {
	_, err := p.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			Enabled:       aws.Bool(true),
			AttributeName: aws.String(ttlAttribute),
		},
	})
	if err != nil {
		return recoveryerrors.WrapDynamoDBError(err, tableName, "UpdateTimeToLive")
	}
	return nil
}

// schemaToCreateTableInput converts a TableSchema to a DynamoDB CreateTableInput.
func schemaToCreateTableInput(schema TableSchema) *dynamodb.CreateTableInput {
	attrs := map[string]KeyType{schema.PartitionKey.Name: schema.PartitionKey.Type}
	keySchema := []types.KeySchemaElement{
		{AttributeName: aws.String(schema.PartitionKey.Name), KeyType: types.KeyTypeHash},
	}
	if schema.SortKey != nil {
		attrs[schema.SortKey.Name] = schema.SortKey.Type
		keySchema = append(keySchema, types.KeySchemaElement{
			AttributeName: aws.String(schema.SortKey.Name), KeyType: types.KeyTypeRange,
		})
	}

	var gsis []types.GlobalSecondaryIndex
	for _, gsi := range schema.GlobalSecondaryIndexes {
		attrs[gsi.PartitionKey.Name] = gsi.PartitionKey.Type
		gsiKeys := []types.KeySchemaElement{
			{AttributeName: aws.String(gsi.PartitionKey.Name), KeyType: types.KeyTypeHash},
		}
		if gsi.SortKey != nil {
			attrs[gsi.SortKey.Name] = gsi.SortKey.Type
			gsiKeys = append(gsiKeys, types.KeySchemaElement{
				AttributeName: aws.String(gsi.SortKey.Name), KeyType: types.KeyTypeRange,
			})
		}
		projection := types.ProjectionTypeAll
		if gsi.Projection != "" {
			projection = types.ProjectionType(gsi.Projection)
		}
		gsis = append(gsis, types.GlobalSecondaryIndex{
			IndexName:  aws.String(gsi.IndexName),
			KeySchema:  gsiKeys,
			Projection: &types.Projection{ProjectionType: projection},
		})
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	attrDefs := make([]types.AttributeDefinition, 0, len(names))
	for _, name := range names {
		attrDefs = append(attrDefs, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: types.ScalarAttributeType(attrs[name]),
		})
	}

	billing := types.BillingModePayPerRequest
	if schema.BillingMode != "" {
		billing = types.BillingMode(schema.BillingMode)
	}

	input := &dynamodb.CreateTableInput{
		TableName:              aws.String(schema.TableName),
		AttributeDefinitions:   attrDefs,
		KeySchema:              keySchema,
		BillingMode:            billing,
		GlobalSecondaryIndexes: gsis,
	}

	if schema.Encryption != nil {
		switch schema.Encryption.Type {
		case EncryptionKMS:
			input.SSESpecification = &types.SSESpecification{
				Enabled: aws.Bool(true),
				SSEType: types.SSETypeKms,
			}
		case EncryptionCustomerKey:
			input.SSESpecification = &types.SSESpecification{
				Enabled:        aws.Bool(true),
				SSEType:        types.SSETypeKms,
				KMSMasterKeyId: aws.String(schema.Encryption.KMSKeyARN),
			}
		}
	}
	return input
}
