package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/byteness/mfa-recovery/identity"
)

// WhoamiCommandInput contains the input for the whoami command.
type WhoamiCommandInput struct {
	JSONOutput bool

	// STSClient is an optional STS client for testing.
	// If nil, a new client will be created from AWS config.
	STSClient identity.STSAPI

	// Stdout is an optional writer for output (for testing).
	// If nil, os.Stdout will be used.
	Stdout *os.File

	// Stderr is an optional writer for errors (for testing).
	// If nil, os.Stderr will be used.
	Stderr *os.File
}

// WhoamiResult represents the JSON output format for the whoami command.
type WhoamiResult struct {
	ARN          string `json:"arn"`
	AccountID    string `json:"account_id"`
	IdentityType string `json:"identity_type"`
	RawName      string `json:"raw_name"`
	Actor        string `json:"actor"`
}

// ConfigureWhoamiCommand sets up the whoami command as a top-level command.
func ConfigureWhoamiCommand(app *kingpin.Application, r *Recoveryctl) {
	input := WhoamiCommandInput{}

	cmd := app.Command("whoami", "Show the AWS identity and the operator name it acts as")

	cmd.Flag("json", "Output in JSON format").
		BoolVar(&input.JSONOutput)

	cmd.Action(func(c *kingpin.ParseContext) error {
		err := WhoamiCommand(context.Background(), r, input)
		app.FatalIfError(err, "whoami")
		return nil
	})
}

// WhoamiCommand queries STS for the caller identity and shows the operator
// name recorded as actor in audit events.
func WhoamiCommand(ctx context.Context, r *Recoveryctl, input WhoamiCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	stsClient := input.STSClient
	if stsClient == nil {
		awsCfg, err := r.AWSConfig(ctx)
		if err != nil {
			FormatErrorWithSuggestionTo(stderr, err)
			return err
		}
		stsClient = newSTSClient(awsCfg)
	}

	awsIdentity, err := identity.GetAWSIdentity(ctx, stsClient)
	if err != nil {
		FormatErrorWithSuggestionTo(stderr, err)
		return err
	}
	actor, err := awsIdentity.Actor()
	if err != nil {
		FormatErrorWithSuggestionTo(stderr, err)
		return err
	}

	result := WhoamiResult{
		ARN:          awsIdentity.ARN,
		AccountID:    awsIdentity.AccountID,
		IdentityType: string(awsIdentity.Type),
		RawName:      awsIdentity.RawName,
		Actor:        actor,
	}

	if input.JSONOutput {
		if err := writeJSON(stdout, result); err != nil {
			fmt.Fprintln(stderr, err)
			return err
		}
		return nil
	}

	writeHeading(stdout, "AWS Identity")
	writeField(stdout, "ARN", result.ARN)
	writeField(stdout, "Account", result.AccountID)
	writeField(stdout, "Identity Type", result.IdentityType)
	writeField(stdout, "Raw Name", result.RawName)
	writeField(stdout, "Actor", result.Actor)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "The actor is recorded in audit events and checked against role assignments.")
	return nil
}
