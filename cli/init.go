package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/byteness/mfa-recovery/infrastructure"
	"github.com/byteness/mfa-recovery/lambda"
)

// TableProvisioner is the subset of infrastructure.TableProvisioner used by
// "init tables".
type TableProvisioner interface {
	Plan(schema infrastructure.TableSchema) (*infrastructure.ProvisionPlan, error)
	ProvisionAll(ctx context.Context, schemas []infrastructure.TableSchema) ([]*infrastructure.ProvisionResult, error)
}

// InitTablesCommandInput contains the input for "init tables".
type InitTablesCommandInput struct {
	RateLimitTable string
	KMSKeyARN      string
	AWSManagedKey  bool
	Plan           bool
	JSONOutput     bool

	// Provisioner is an optional provisioner for testing.
	Provisioner TableProvisioner

	// KMS is an optional client used to check --kms-key before provisioning.
	KMS infrastructure.KMSAPI

	Stdout *os.File
	Stderr *os.File
}

// ConfigureInitCommands sets up the init command group.
func ConfigureInitCommands(app *kingpin.Application, r *Recoveryctl) {
	group := app.Command("init", "Provision recovery infrastructure")

	input := InitTablesCommandInput{}
	cmd := group.Command("tables", "Create the DynamoDB tables named by the global table flags")
	cmd.Flag("rate-limit-table", "DynamoDB table for rate limit windows").
		Envar(lambda.EnvRateLimitTable).
		StringVar(&input.RateLimitTable)
	cmd.Flag("kms-key", "Encrypt tables with this customer managed KMS key ARN").
		StringVar(&input.KMSKeyARN)
	cmd.Flag("aws-managed-key", "Encrypt tables with the AWS managed KMS key").
		BoolVar(&input.AWSManagedKey)
	cmd.Flag("plan", "Show the tables that would be created without calling AWS").
		BoolVar(&input.Plan)
	cmd.Flag("json", "Output in JSON format").BoolVar(&input.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(InitTablesCommand(context.Background(), r, input), "init tables")
		return nil
	})

	mon := InitMonitoringCommandInput{}
	cmd = group.Command("monitoring", "Create metric filters and alarms on the audit log group")
	cmd.Flag("log-group", "CloudWatch log group receiving audit events").
		Envar(lambda.EnvCloudWatchGroup).
		Required().
		StringVar(&mon.LogGroup)
	cmd.Flag("namespace", "CloudWatch metric namespace").
		Default(infrastructure.DefaultMetricNamespace).
		StringVar(&mon.Namespace)
	cmd.Flag("topic", "SNS topic the alarms notify").
		Default(infrastructure.DefaultAlertTopicName).
		StringVar(&mon.TopicName)
	cmd.Flag("email", "Subscribe this address to the alert topic").
		StringVar(&mon.Email)
	cmd.Flag("json", "Output in JSON format").BoolVar(&mon.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(InitMonitoringCommand(context.Background(), r, mon), "init monitoring")
		return nil
	})
}

func (input InitTablesCommandInput) encryption() (*infrastructure.Encryption, error) {
	switch {
	case input.KMSKeyARN != "" && input.AWSManagedKey:
		return nil, errors.New("--kms-key and --aws-managed-key are mutually exclusive")
	case input.KMSKeyARN != "":
		return &infrastructure.Encryption{Type: infrastructure.EncryptionCustomerKey, KMSKeyARN: input.KMSKeyARN}, nil
	case input.AWSManagedKey:
		return &infrastructure.Encryption{Type: infrastructure.EncryptionKMS}, nil
	}
	return nil, nil
}

// InitTablesCommand plans or creates the recovery tables.
func InitTablesCommand(ctx context.Context, r *Recoveryctl, input InitTablesCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	enc, err := input.encryption()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	names := infrastructure.TableNames{
		Requests:   r.RequestTable,
		Overrides:  r.OverrideTable,
		Grants:     r.GrantTable,
		Roles:      r.RoleTable,
		Contacts:   r.ContactTable,
		RateLimits: input.RateLimitTable,
		Audit:      r.AuditTable,
	}
	schemas := names.Schemas(enc)
	if len(schemas) == 0 {
		return FormatErrorWithSuggestionTo(stderr, errors.New("no table names given; set --request-table and the other table flags"))
	}

	if input.Plan {
		provisioner := input.Provisioner
		if provisioner == nil {
			provisioner = infrastructure.NewTableProvisionerWithClient(nil)
		}
		plans := make([]*infrastructure.ProvisionPlan, 0, len(schemas))
		for _, schema := range schemas {
			plan, err := provisioner.Plan(schema)
			if err != nil {
				return FormatErrorWithSuggestionTo(stderr, err)
			}
			plans = append(plans, plan)
		}
		if input.JSONOutput {
			return writeJSON(stdout, plans)
		}
		writeHeading(stdout, "Tables to create")
		for _, p := range plans {
			writeField(stdout, p.TableName, fmt.Sprintf("pk %s, indexes [%s], ttl %s, %s",
				p.PartitionKey, strings.Join(p.GSIs, ", "), valueOr(p.TTLAttribute, "none"), p.BillingMode))
		}
		return nil
	}

	provisioner, kmsClient := input.Provisioner, input.KMS
	if provisioner == nil || (kmsClient == nil && input.KMSKeyARN != "") {
		awsCfg, err := r.AWSConfig(ctx)
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
		if provisioner == nil {
			provisioner = infrastructure.NewTableProvisioner(awsCfg)
		}
		if kmsClient == nil {
			kmsClient = infrastructure.NewKMSClient(awsCfg)
		}
	}
	if input.KMSKeyARN != "" {
		if err := infrastructure.CheckEncryptionKey(ctx, kmsClient, input.KMSKeyARN); err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
	}

	results, provisionErr := provisioner.ProvisionAll(ctx, schemas)
	if input.JSONOutput {
		if err := writeJSON(stdout, results); err != nil {
			return err
		}
	} else {
		writeHeading(stdout, "Table provisioning")
		for _, res := range results {
			line := string(res.Status)
			if res.ARN != "" {
				line += "  " + res.ARN
			}
			writeField(stdout, res.TableName, line)
		}
	}
	if provisionErr != nil {
		return FormatErrorWithSuggestionTo(stderr, provisionErr)
	}
	return nil
}

// MonitoringSetup is the subset of infrastructure.MonitoringSetup used by
// "init monitoring".
type MonitoringSetup interface {
	Setup(ctx context.Context, input infrastructure.MonitoringInput) (*infrastructure.MonitoringResult, error)
}

// InitMonitoringCommandInput contains the input for "init monitoring".
type InitMonitoringCommandInput struct {
	LogGroup   string
	Namespace  string
	TopicName  string
	Email      string
	JSONOutput bool

	// Monitoring is an optional setup for testing.
	Monitoring MonitoringSetup

	Stdout *os.File
	Stderr *os.File
}

// ErrMonitoringIncomplete is returned when some filters or alarms could not be created.
var ErrMonitoringIncomplete = errors.New("monitoring setup incomplete")

// InitMonitoringCommand creates the audit metric filters, alert topic and alarms.
func InitMonitoringCommand(ctx context.Context, r *Recoveryctl, input InitMonitoringCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	setup := input.Monitoring
	if setup == nil {
		awsCfg, err := r.AWSConfig(ctx)
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
		setup = infrastructure.NewMonitoringSetup(awsCfg)
	}

	res, err := setup.Setup(ctx, infrastructure.MonitoringInput{
		LogGroup:  input.LogGroup,
		Namespace: input.Namespace,
		TopicName: input.TopicName,
		Email:     input.Email,
	})
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	if input.JSONOutput {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else {
		writeHeading(stdout, "Audit monitoring")
		writeField(stdout, "Topic", res.TopicARN)
		writeField(stdout, "Metric filters", strings.Join(res.FiltersCreated, ", "))
		writeField(stdout, "Alarms", strings.Join(res.AlarmsCreated, ", "))
		if input.Email != "" && res.TopicARN != "" {
			fmt.Fprintf(stdout, "Confirm the subscription email sent to %s to receive alarms\n", input.Email)
		}
	}
	if len(res.Errors) > 0 {
		for _, msg := range res.Errors {
			fmt.Fprintf(stderr, "Error: %s\n", msg)
		}
		return ErrMonitoringIncomplete
	}
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
