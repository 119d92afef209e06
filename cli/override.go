package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/byteness/mfa-recovery/identity"
	"github.com/byteness/mfa-recovery/lambda"
	"github.com/byteness/mfa-recovery/override"
)

// ErrNotConfirmed is returned when the operator declines a confirmation.
var ErrNotConfirmed = errors.New("operation not confirmed (use --yes in non-interactive shells)")

// OverrideService is the subset of override.Manager used by the CLI.
type OverrideService interface {
	Create(ctx context.Context, adminID string, req override.CreateRequest) (*override.CreateResult, error)
	Approve(ctx context.Context, approverID, overrideID, notes string) (*override.Override, error)
	Revoke(ctx context.Context, adminID, overrideID, reason string) (*override.Override, error)
	Get(ctx context.Context, id string) (*override.Override, error)
	ListByTarget(ctx context.Context, userID string, limit int) ([]*override.Override, error)
	Sweep(ctx context.Context) (int, error)
	Wait()
}

// OverrideCommandInput contains the input shared by the override commands.
type OverrideCommandInput struct {
	OverrideID   string
	TargetUserID string
	Type         string
	Reason       string
	Notes        string
	Duration     time.Duration
	Limit        int
	Yes          bool
	JSONOutput   bool

	// Overrides is an optional service for testing.
	// If nil, an override.Manager backed by DynamoDB is wired from globals.
	Overrides OverrideService

	// STSClient is an optional STS client used to resolve the actor.
	STSClient identity.STSAPI

	// Confirm is an optional confirmation prompt for testing.
	Confirm func(message string) (bool, error)

	// Now is an optional clock used to report override state.
	Now func() time.Time

	Stdout *os.File
	Stderr *os.File
}

// OverrideView is the JSON output for a single override.
type OverrideView struct {
	ID               string    `json:"id"`
	TargetUserID     string    `json:"target_user_id"`
	Type             string    `json:"type"`
	State            string    `json:"state"`
	RequestedBy      string    `json:"requested_by"`
	ApprovedBy       string    `json:"approved_by,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	RequiresApproval bool      `json:"requires_approval"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RevokedBy        string    `json:"revoked_by,omitempty"`
	RevokeReason     string    `json:"revoke_reason,omitempty"`
}

func newOverrideView(o *override.Override, now time.Time) OverrideView {
	return OverrideView{
		ID:               o.ID,
		TargetUserID:     o.TargetUserID,
		Type:             string(o.Type),
		State:            string(o.State(now)),
		RequestedBy:      o.RequestedBy,
		ApprovedBy:       o.ApprovedBy,
		Reason:           o.Reason,
		RequiresApproval: o.RequiresApproval,
		CreatedAt:        o.CreatedAt,
		ExpiresAt:        o.ExpiresAt,
		RevokedBy:        o.RevokedBy,
		RevokeReason:     o.RevokeReason,
	}
}

// ConfigureOverrideCommands sets up the override command group.
func ConfigureOverrideCommands(app *kingpin.Application, r *Recoveryctl) {
	group := app.Command("override", "Manage administrative MFA overrides")

	create := OverrideCommandInput{}
	cmd := group.Command("create", "Create an override for a user")
	cmd.Flag("target", "User the override applies to").Required().StringVar(&create.TargetUserID)
	cmd.Flag("type", "Override type (temporary_disable, reset_mfa, emergency_access, trust_device)").
		Required().EnumVar(&create.Type, override.TypeTemporaryDisable.String(), override.TypeResetMFA.String(),
		override.TypeEmergencyAccess.String(), override.TypeTrustDevice.String())
	cmd.Flag("reason", "Justification recorded in the audit log").StringVar(&create.Reason)
	cmd.Flag("duration", "Requested lifetime (default: the type's default)").DurationVar(&create.Duration)
	cmd.Flag("json", "Output in JSON format").BoolVar(&create.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(OverrideCreateCommand(context.Background(), r, create), "override create")
		return nil
	})

	approve := OverrideCommandInput{}
	cmd = group.Command("approve", "Approve an override awaiting a second administrator")
	cmd.Arg("override-id", "Override ID").Required().StringVar(&approve.OverrideID)
	cmd.Flag("notes", "Approval notes").StringVar(&approve.Notes)
	cmd.Flag("json", "Output in JSON format").BoolVar(&approve.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(OverrideApproveCommand(context.Background(), r, approve), "override approve")
		return nil
	})

	revoke := OverrideCommandInput{}
	cmd = group.Command("revoke", "Revoke an override before it expires")
	cmd.Arg("override-id", "Override ID").Required().StringVar(&revoke.OverrideID)
	cmd.Flag("reason", "Reason for revocation").Required().StringVar(&revoke.Reason)
	cmd.Flag("yes", "Skip the confirmation prompt").Short('y').BoolVar(&revoke.Yes)
	cmd.Flag("json", "Output in JSON format").BoolVar(&revoke.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(OverrideRevokeCommand(context.Background(), r, revoke), "override revoke")
		return nil
	})

	list := OverrideCommandInput{}
	cmd = group.Command("list", "List overrides for a user, newest first")
	cmd.Flag("target", "User to list overrides for").Required().StringVar(&list.TargetUserID)
	cmd.Flag("limit", "Maximum number of overrides").Default("50").IntVar(&list.Limit)
	cmd.Flag("json", "Output in JSON format").BoolVar(&list.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(OverrideListCommand(context.Background(), r, list), "override list")
		return nil
	})

	show := OverrideCommandInput{}
	cmd = group.Command("show", "Show one override")
	cmd.Arg("override-id", "Override ID").Required().StringVar(&show.OverrideID)
	cmd.Flag("json", "Output in JSON format").BoolVar(&show.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(OverrideShowCommand(context.Background(), r, show), "override show")
		return nil
	})

	sweep := OverrideCommandInput{}
	cmd = group.Command("sweep", "Mark expired overrides inactive")
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(OverrideSweepCommand(context.Background(), r, sweep), "override sweep")
		return nil
	})
}

func (r *Recoveryctl) overrideService(ctx context.Context, injected OverrideService) (OverrideService, error) {
	if injected != nil {
		return injected, nil
	}
	components, err := r.Components(ctx)
	if err != nil {
		return nil, err
	}
	return components.Overrides, nil
}

// OverrideCreateCommand creates an override on behalf of the resolved actor.
func OverrideCreateCommand(ctx context.Context, r *Recoveryctl, input OverrideCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	t, err := override.ParseType(input.Type)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	svc, err := r.overrideService(ctx, input.Overrides)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	actor, err := r.ResolveActor(ctx, input.STSClient)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	res, err := svc.Create(ctx, actor, override.CreateRequest{
		TargetUserID: input.TargetUserID,
		Type:         t,
		Reason:       input.Reason,
		Duration:     input.Duration,
		UserAgent:    "recoveryctl",
	})
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	if input.JSONOutput {
		return writeJSON(stdout, lambda.CreateOverrideResponse{
			OverrideID:       res.OverrideID,
			ExpiresAt:        res.ExpiresAt,
			RequiresApproval: res.RequiresApproval,
			IsActive:         res.IsActive,
		})
	}
	writeHeading(stdout, "Override created")
	writeField(stdout, "ID", res.OverrideID)
	writeField(stdout, "Target", input.TargetUserID)
	writeField(stdout, "Type", string(t))
	writeField(stdout, "Expires", formatTime(res.ExpiresAt))
	if res.RequiresApproval {
		fmt.Fprintf(stdout, "\nThis override is inactive until a second administrator runs:\n  recoveryctl override approve %s\n", res.OverrideID)
	}
	return nil
}

// OverrideApproveCommand approves a pending override.
func OverrideApproveCommand(ctx context.Context, r *Recoveryctl, input OverrideCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.overrideService(ctx, input.Overrides)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	actor, err := r.ResolveActor(ctx, input.STSClient)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	o, err := svc.Approve(ctx, actor, input.OverrideID, input.Notes)
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	return printOverride(stdout, o, clockOrNow(input.Now)(), input.JSONOutput, "Override approved")
}

// OverrideRevokeCommand revokes an override after confirmation.
func OverrideRevokeCommand(ctx context.Context, r *Recoveryctl, input OverrideCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.overrideService(ctx, input.Overrides)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	actor, err := r.ResolveActor(ctx, input.STSClient)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	if !input.Yes {
		ask := input.Confirm
		if ask == nil {
			ask = confirm
		}
		ok, err := ask(fmt.Sprintf("Revoke override %s?", input.OverrideID))
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
		if !ok {
			return FormatErrorWithSuggestionTo(stderr, ErrNotConfirmed)
		}
	}

	o, err := svc.Revoke(ctx, actor, input.OverrideID, input.Reason)
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	return printOverride(stdout, o, clockOrNow(input.Now)(), input.JSONOutput, "Override revoked")
}

// OverrideShowCommand prints one override.
func OverrideShowCommand(ctx context.Context, r *Recoveryctl, input OverrideCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.overrideService(ctx, input.Overrides)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	o, err := svc.Get(ctx, input.OverrideID)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	return printOverride(stdout, o, clockOrNow(input.Now)(), input.JSONOutput, "Override")
}

// OverrideListCommand lists the overrides targeting a user.
func OverrideListCommand(ctx context.Context, r *Recoveryctl, input OverrideCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.overrideService(ctx, input.Overrides)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	list, err := svc.ListByTarget(ctx, input.TargetUserID, input.Limit)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	now := clockOrNow(input.Now)()
	views := make([]OverrideView, 0, len(list))
	for _, o := range list {
		views = append(views, newOverrideView(o, now))
	}
	if input.JSONOutput {
		return writeJSON(stdout, views)
	}
	if len(views) == 0 {
		fmt.Fprintf(stdout, "No overrides for %s\n", input.TargetUserID)
		return nil
	}
	writeHeading(stdout, fmt.Sprintf("Overrides for %s", input.TargetUserID))
	for _, v := range views {
		fmt.Fprintf(stdout, "%-36s  %-18s  %-16s  expires %s  by %s\n",
			v.ID, v.Type, v.State, formatTime(v.ExpiresAt), v.RequestedBy)
	}
	return nil
}

// OverrideSweepCommand marks expired overrides inactive.
func OverrideSweepCommand(ctx context.Context, r *Recoveryctl, input OverrideCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.overrideService(ctx, input.Overrides)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	n, err := svc.Sweep(ctx)
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	fmt.Fprintf(stdout, "Expired %d overrides\n", n)
	return nil
}

func printOverride(stdout *os.File, o *override.Override, now time.Time, jsonOutput bool, title string) error {
	v := newOverrideView(o, now)
	if jsonOutput {
		return writeJSON(stdout, v)
	}
	writeHeading(stdout, title)
	writeField(stdout, "ID", v.ID)
	writeField(stdout, "Target", v.TargetUserID)
	writeField(stdout, "Type", v.Type)
	writeField(stdout, "State", v.State)
	writeField(stdout, "Requested by", v.RequestedBy)
	writeField(stdout, "Approved by", v.ApprovedBy)
	writeField(stdout, "Revoked by", v.RevokedBy)
	writeField(stdout, "Expires", formatTime(v.ExpiresAt))
	return nil
}
