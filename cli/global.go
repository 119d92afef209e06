// Package cli implements recoveryctl, the operator command line for MFA
// recovery requests, administrative overrides and temporary access grants.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	isatty "github.com/mattn/go-isatty"

	recoveryconfig "github.com/byteness/mfa-recovery/config"
	"github.com/byteness/mfa-recovery/identity"
	"github.com/byteness/mfa-recovery/lambda"
)

// Recoveryctl holds global flags shared by every command.
type Recoveryctl struct {
	Region          string
	Profile         string
	Actor           string
	ConfigFile      string
	ConfigParameter string

	RequestTable  string
	OverrideTable string
	GrantTable    string
	RoleTable     string
	ContactTable  string
	AuditTable    string

	components *lambda.HandlerConfig
}

// ConfigureGlobals registers the global flags on app. Table names default
// to the same environment variables the Lambda functions read.
func ConfigureGlobals(app *kingpin.Application) *Recoveryctl {
	r := &Recoveryctl{}

	app.Flag("region", "AWS region").
		Envar("AWS_REGION").
		StringVar(&r.Region)

	app.Flag("profile", "AWS profile for credentials").
		Envar("AWS_PROFILE").
		StringVar(&r.Profile)

	app.Flag("actor", "Act as this operator instead of the caller's IAM identity").
		StringVar(&r.Actor)

	app.Flag("config-file", "Recovery configuration YAML file (overrides --config-parameter)").
		StringVar(&r.ConfigFile)

	app.Flag("config-parameter", "SSM parameter holding the recovery configuration").
		Envar(lambda.EnvConfigParameter).
		StringVar(&r.ConfigParameter)

	app.Flag("request-table", "DynamoDB table for recovery requests").
		Envar(lambda.EnvRequestTable).
		StringVar(&r.RequestTable)

	app.Flag("override-table", "DynamoDB table for overrides").
		Envar(lambda.EnvOverrideTable).
		StringVar(&r.OverrideTable)

	app.Flag("grant-table", "DynamoDB table for access grants").
		Envar(lambda.EnvGrantTable).
		StringVar(&r.GrantTable)

	app.Flag("role-table", "DynamoDB table for operator role assignments").
		Envar(lambda.EnvRoleTable).
		StringVar(&r.RoleTable)

	app.Flag("contact-table", "DynamoDB table of registered recovery contacts").
		Envar(lambda.EnvContactTable).
		StringVar(&r.ContactTable)

	app.Flag("audit-table", "DynamoDB table that receives audit events").
		Envar(lambda.EnvAuditTable).
		StringVar(&r.AuditTable)

	return r
}

// AWSConfig loads AWS configuration honoring --region and --profile.
func (r *Recoveryctl) AWSConfig(ctx context.Context) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if r.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(r.Profile))
	}
	if r.Region != "" {
		opts = append(opts, config.WithRegion(r.Region))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// Components wires the managers against DynamoDB, once per process.
func (r *Recoveryctl) Components(ctx context.Context) (*lambda.HandlerConfig, error) {
	if r.components != nil {
		return r.components, nil
	}
	awsCfg, err := r.AWSConfig(ctx)
	if err != nil {
		return nil, err
	}

	settings := lambda.Settings{
		Region:          r.Region,
		ConfigParameter: r.ConfigParameter,
		RequestTable:    r.RequestTable,
		OverrideTable:   r.OverrideTable,
		GrantTable:      r.GrantTable,
		RoleTable:       r.RoleTable,
		ContactTable:    r.ContactTable,
		AuditTable:      r.AuditTable,
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	secrets := lambda.NewCachedSecretsLoader(awsCfg)

	var components *lambda.HandlerConfig
	if r.ConfigFile != "" {
		cfg, err := recoveryconfig.Load(r.ConfigFile)
		if err != nil {
			return nil, err
		}
		components, err = lambda.BuildWithConfig(ctx, awsCfg, cfg, settings, secrets)
		if err != nil {
			return nil, err
		}
	} else {
		components, err = lambda.Build(ctx, awsCfg, settings, secrets)
		if err != nil {
			return nil, err
		}
	}
	r.components = components
	return components, nil
}

// ResolveActor returns the operator performing a command: --actor when
// given, otherwise derived from the caller's IAM identity. stsClient may be
// nil, in which case one is created from AWS configuration.
func (r *Recoveryctl) ResolveActor(ctx context.Context, stsClient identity.STSAPI) (string, error) {
	if r.Actor != "" {
		return identity.NormalizeActor(r.Actor)
	}
	if stsClient == nil {
		awsCfg, err := r.AWSConfig(ctx)
		if err != nil {
			return "", err
		}
		stsClient = newSTSClient(awsCfg)
	}
	return identity.ResolveActor(ctx, stsClient)
}

func newSTSClient(awsCfg aws.Config) identity.STSAPI {
	return sts.NewFromConfig(awsCfg)
}

func isATerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// confirm asks a yes/no question on the terminal. Without a terminal the
// answer is no, so destructive commands need --yes in scripts.
func confirm(message string) (bool, error) {
	if !isATerminal() {
		return false, nil
	}
	answer := false
	prompt := &survey.Confirm{Message: message, Default: false}
	if err := survey.AskOne(prompt, &answer); err != nil {
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	return answer, nil
}
