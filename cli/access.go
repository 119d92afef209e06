package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/byteness/mfa-recovery/access"
	"github.com/byteness/mfa-recovery/identity"
)

// GrantService is the subset of access.Issuer used by the CLI.
type GrantService interface {
	Revoke(ctx context.Context, grantID, by, reason string) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*access.Grant, error)
}

// AccessCommandInput contains the input shared by the access commands.
type AccessCommandInput struct {
	GrantID    string
	UserID     string
	Reason     string
	Limit      int
	Yes        bool
	JSONOutput bool

	// Grants is an optional service for testing.
	// If nil, an access.Issuer backed by DynamoDB is wired from globals.
	Grants GrantService

	// STSClient is an optional STS client used to resolve the actor.
	STSClient identity.STSAPI

	// Confirm is an optional confirmation prompt for testing.
	Confirm func(message string) (bool, error)

	// Now is an optional clock used to report grant state.
	Now func() time.Time

	Stdout *os.File
	Stderr *os.File
}

// GrantView is the JSON output for a grant. The bearer token is never shown.
type GrantView struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Source    string    `json:"source"`
	SourceID  string    `json:"source_id"`
	Active    bool      `json:"active"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedBy string    `json:"revoked_by,omitempty"`
}

// ConfigureAccessCommands sets up the access command group.
func ConfigureAccessCommands(app *kingpin.Application, r *Recoveryctl) {
	group := app.Command("access", "Inspect and revoke temporary access grants")

	list := AccessCommandInput{}
	cmd := group.Command("list", "List access grants for a user")
	cmd.Flag("user", "User to list grants for").Required().StringVar(&list.UserID)
	cmd.Flag("limit", "Maximum number of grants").Default("50").IntVar(&list.Limit)
	cmd.Flag("json", "Output in JSON format").BoolVar(&list.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(AccessListCommand(context.Background(), r, list), "access list")
		return nil
	})

	revoke := AccessCommandInput{}
	cmd = group.Command("revoke", "Revoke an access grant immediately")
	cmd.Arg("grant-id", "Grant ID").Required().StringVar(&revoke.GrantID)
	cmd.Flag("reason", "Reason for revocation").Required().StringVar(&revoke.Reason)
	cmd.Flag("yes", "Skip the confirmation prompt").Short('y').BoolVar(&revoke.Yes)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(AccessRevokeCommand(context.Background(), r, revoke), "access revoke")
		return nil
	})
}

func (r *Recoveryctl) grantService(ctx context.Context, injected GrantService) (GrantService, error) {
	if injected != nil {
		return injected, nil
	}
	components, err := r.Components(ctx)
	if err != nil {
		return nil, err
	}
	return components.Issuer, nil
}

// AccessListCommand lists the grants issued to a user.
func AccessListCommand(ctx context.Context, r *Recoveryctl, input AccessCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.grantService(ctx, input.Grants)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	grants, err := svc.ListByUser(ctx, input.UserID, input.Limit)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	now := clockOrNow(input.Now)()
	views := make([]GrantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, GrantView{
			ID:        g.ID,
			UserID:    g.UserID,
			Source:    g.Source.String(),
			SourceID:  g.SourceID,
			Active:    g.IsActive(now),
			IssuedAt:  g.IssuedAt,
			ExpiresAt: g.ExpiresAt,
			RevokedBy: g.RevokedBy,
		})
	}

	if input.JSONOutput {
		return writeJSON(stdout, views)
	}
	if len(views) == 0 {
		fmt.Fprintf(stdout, "No access grants for %s\n", input.UserID)
		return nil
	}
	writeHeading(stdout, fmt.Sprintf("Access grants for %s", input.UserID))
	for _, v := range views {
		state := "inactive"
		if v.Active {
			state = "active"
		}
		fmt.Fprintf(stdout, "%s  %-8s  %-8s  expires %s\n", v.ID, v.Source, state, formatTime(v.ExpiresAt))
	}
	return nil
}

// AccessRevokeCommand revokes a grant after confirmation.
func AccessRevokeCommand(ctx context.Context, r *Recoveryctl, input AccessCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	if !access.ValidateGrantID(input.GrantID) {
		return FormatErrorWithSuggestionTo(stderr, fmt.Errorf("invalid grant ID %q", input.GrantID))
	}
	svc, err := r.grantService(ctx, input.Grants)
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
		ok, err := ask(fmt.Sprintf("Revoke access grant %s?", input.GrantID))
		if err != nil {
			return FormatErrorWithSuggestionTo(stderr, err)
		}
		if !ok {
			return FormatErrorWithSuggestionTo(stderr, ErrNotConfirmed)
		}
	}

	if err := svc.Revoke(ctx, input.GrantID, actor, input.Reason); err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	fmt.Fprintf(stdout, "Revoked access grant %s\n", input.GrantID)
	return nil
}
