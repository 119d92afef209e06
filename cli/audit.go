package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/byteness/mfa-recovery/audit"
	"github.com/byteness/mfa-recovery/lambda"
	"github.com/byteness/mfa-recovery/logging"
)

// ErrAuditIssues is returned when verification finds error-severity issues.
var ErrAuditIssues = errors.New("audit trail verification failed")

// AuditVerifyCommandInput contains the input for the audit verify command.
type AuditVerifyCommandInput struct {
	File       string
	LogGroup   string
	Since      time.Duration
	Subject    string
	Keys       map[string]string
	KeySecrets map[string]string
	JSONOutput bool

	// CloudWatch is an optional CloudWatch Logs client for testing.
	CloudWatch cloudwatchlogs.FilterLogEventsAPIClient

	// Secrets is an optional secrets loader for testing --key-secret.
	Secrets lambda.SecretsLoader

	// Now is an optional clock for the --since window.
	Now func() time.Time

	Stdout *os.File
	Stderr *os.File
}

// ConfigureAuditCommands sets up the audit command group.
func ConfigureAuditCommands(app *kingpin.Application, r *Recoveryctl) {
	group := app.Command("audit", "Verify the signed audit trail")

	input := AuditVerifyCommandInput{}
	cmd := group.Command("verify", "Verify signatures and cross-check recovery, override and grant events")
	cmd.Flag("file", "Signed audit log file (JSON lines)").ExistingFileVar(&input.File)
	cmd.Flag("log-group", "CloudWatch Logs group holding the audit trail").
		Envar(lambda.EnvCloudWatchGroup).
		StringVar(&input.LogGroup)
	cmd.Flag("since", "Only verify events from this far back (0 for the whole trail)").Default("24h").DurationVar(&input.Since)
	cmd.Flag("subject", "Only verify events about this user").StringVar(&input.Subject)
	cmd.Flag("key", "Signing key as KEY_ID=HEX (repeatable)").StringMapVar(&input.Keys)
	cmd.Flag("key-secret", "Signing key held in Secrets Manager as KEY_ID=SECRET_ID (repeatable)").StringMapVar(&input.KeySecrets)
	cmd.Flag("json", "Output in JSON format").BoolVar(&input.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(AuditVerifyCommand(context.Background(), r, input), "audit verify")
		return nil
	})
}

// AuditVerifyCommand verifies a signed audit trail from a file or CloudWatch
// Logs. It fails when tampering or a policy violation is found; warnings are
// reported without failing.
func AuditVerifyCommand(ctx context.Context, r *Recoveryctl, input AuditVerifyCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	if (input.File == "") == (input.LogGroup == "") {
		return FormatErrorWithSuggestionTo(stderr, fmt.Errorf("exactly one of --file or --log-group is required"))
	}

	keys, err := r.auditKeyRing(ctx, input)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	verifier, err := audit.NewVerifier(keys)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	verifyInput := audit.VerifyInput{Subject: input.Subject}
	if input.Since > 0 {
		now := clockOrNow(input.Now)()
		verifyInput.StartTime = now.Add(-input.Since)
		verifyInput.EndTime = now
	}

	var result *audit.VerificationResult
	if input.File != "" {
		f, err := os.Open(input.File)
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
		defer f.Close()
		result, err = verifier.VerifyReader(ctx, f, verifyInput)
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
	} else {
		client := input.CloudWatch
		if client == nil {
			awsCfg, err := r.AWSConfig(ctx)
			if err != nil {
				return FormatErrorWithSuggestionTo(stderr, err)
			}
			client = cloudwatchlogs.NewFromConfig(awsCfg)
		}
		result, err = verifier.VerifyCloudWatch(ctx, client, input.LogGroup, verifyInput)
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
	}

	if input.JSONOutput {
		if err := writeJSON(stdout, result); err != nil {
			return err
		}
	} else {
		printVerification(stdout, result)
	}
	if result.HasErrors() {
		return ErrAuditIssues
	}
	return nil
}

func (r *Recoveryctl) auditKeyRing(ctx context.Context, input AuditVerifyCommandInput) (logging.KeyRing, error) {
	keys := make(logging.KeyRing, len(input.Keys)+len(input.KeySecrets))
	for id, value := range input.Keys {
		key, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("key %q must be hex encoded: %w", id, err)
		}
		keys[id] = key
	}

	if len(input.KeySecrets) > 0 {
		secrets := input.Secrets
		if secrets == nil {
			awsCfg, err := r.AWSConfig(ctx)
			if err != nil {
				return nil, err
			}
			secrets = lambda.NewCachedSecretsLoader(awsCfg)
		}
		for id, secretID := range input.KeySecrets {
			value, err := secrets.GetSecret(ctx, secretID)
			if err != nil {
				return nil, fmt.Errorf("load key %q: %w", id, err)
			}
			key, err := hex.DecodeString(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("secret for key %q must be hex encoded: %w", id, err)
			}
			keys[id] = key
		}
	}
	return keys, nil
}

func printVerification(stdout *os.File, result *audit.VerificationResult) {
	writeHeading(stdout, "Audit trail verification")
	if !result.StartTime.IsZero() {
		writeField(stdout, "Window", formatTime(result.StartTime)+" .. "+formatTime(result.EndTime))
	}
	writeField(stdout, "Lines", fmt.Sprintf("%d", result.TotalLines))
	writeField(stdout, "Verified", fmt.Sprintf("%d", result.VerifiedEvents))
	writeField(stdout, "Outside window", fmt.Sprintf("%d", result.SkippedEvents))
	writeField(stdout, "Integrity", fmt.Sprintf("%.1f%%", result.IntegrityRate()))

	if len(result.EventCounts) > 0 {
		types := make([]string, 0, len(result.EventCounts))
		for t := range result.EventCounts {
			types = append(types, string(t))
		}
		sort.Strings(types)
		fmt.Fprintln(stdout)
		for _, t := range types {
			fmt.Fprintf(stdout, "  %-28s %d\n", t, result.EventCounts[logging.EventType(t)])
		}
	}

	if !result.HasIssues() {
		fmt.Fprintln(stdout, "\nNo issues found.")
		return
	}
	fmt.Fprintf(stdout, "\n%d issues:\n", len(result.Issues))
	for _, issue := range result.Issues {
		fmt.Fprintf(stdout, "  [%s] %s: %s\n", issue.Severity, issue.Type, issue.Message)
	}
}
