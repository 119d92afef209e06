package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kingpin/v2"

	"github.com/byteness/mfa-recovery/identity"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/recovery"
)

// RecoveryService is the subset of recovery.Manager used by the CLI.
type RecoveryService interface {
	CompleteReview(ctx context.Context, requestID, reviewerID string, verified bool, notes string) (*recovery.Request, error)
	Cancel(ctx context.Context, requestID, actor, reason string) (*recovery.Request, error)
	ExpireStale(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (*recovery.Request, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*recovery.Request, error)
	ListByStatus(ctx context.Context, status recovery.Status, limit int) ([]*recovery.Request, error)
	Wait()
}

// Review decisions accepted by "recovery review".
const (
	DecisionVerified = "verified"
	DecisionRejected = "rejected"
)

// RecoveryCommandInput contains the input shared by the recovery commands.
type RecoveryCommandInput struct {
	RequestID  string
	UserID     string
	Status     string
	Decision   string
	Notes      string
	Reason     string
	Limit      int
	JSONOutput bool

	// Recovery is an optional service for testing.
	// If nil, a recovery.Manager backed by DynamoDB is wired from globals.
	Recovery RecoveryService

	// STSClient is an optional STS client used to resolve the actor.
	STSClient identity.STSAPI

	Stdout *os.File
	Stderr *os.File
}

// ConfigureRecoveryCommands sets up the recovery command group.
func ConfigureRecoveryCommands(app *kingpin.Application, r *Recoveryctl) {
	group := app.Command("recovery", "Inspect and review MFA recovery requests")

	show := RecoveryCommandInput{}
	cmd := group.Command("show", "Show one recovery request")
	cmd.Arg("request-id", "Recovery request ID").Required().StringVar(&show.RequestID)
	cmd.Flag("json", "Output in JSON format").BoolVar(&show.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(RecoveryShowCommand(context.Background(), r, show), "recovery show")
		return nil
	})

	list := RecoveryCommandInput{}
	cmd = group.Command("list", "List recovery requests by user or by status")
	cmd.Flag("user", "List requests for this user").StringVar(&list.UserID)
	cmd.Flag("status", "List requests in this status (e.g. in_progress for the review queue)").StringVar(&list.Status)
	cmd.Flag("limit", "Maximum number of requests").Default("50").IntVar(&list.Limit)
	cmd.Flag("json", "Output in JSON format").BoolVar(&list.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(RecoveryListCommand(context.Background(), r, list), "recovery list")
		return nil
	})

	review := RecoveryCommandInput{}
	cmd = group.Command("review", "Record the outcome of an identity document review")
	cmd.Arg("request-id", "Recovery request ID").Required().StringVar(&review.RequestID)
	cmd.Flag("decision", "Review outcome").Required().EnumVar(&review.Decision, DecisionVerified, DecisionRejected)
	cmd.Flag("notes", "Reviewer notes recorded in the audit log").StringVar(&review.Notes)
	cmd.Flag("json", "Output in JSON format").BoolVar(&review.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(RecoveryReviewCommand(context.Background(), r, review), "recovery review")
		return nil
	})

	cancel := RecoveryCommandInput{}
	cmd = group.Command("cancel", "Cancel an open recovery request")
	cmd.Arg("request-id", "Recovery request ID").Required().StringVar(&cancel.RequestID)
	cmd.Flag("reason", "Reason for cancelling").Required().StringVar(&cancel.Reason)
	cmd.Flag("json", "Output in JSON format").BoolVar(&cancel.JSONOutput)
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(RecoveryCancelCommand(context.Background(), r, cancel), "recovery cancel")
		return nil
	})

	sweep := RecoveryCommandInput{}
	cmd = group.Command("sweep", "Mark recovery requests past their validity window expired")
	cmd.Action(func(c *kingpin.ParseContext) error {
		app.FatalIfError(RecoverySweepCommand(context.Background(), r, sweep), "recovery sweep")
		return nil
	})
}

func (r *Recoveryctl) recoveryService(ctx context.Context, injected RecoveryService) (RecoveryService, error) {
	if injected != nil {
		return injected, nil
	}
	components, err := r.Components(ctx)
	if err != nil {
		return nil, err
	}
	return components.Recovery, nil
}

// RecoveryShowCommand prints one request.
func RecoveryShowCommand(ctx context.Context, r *Recoveryctl, input RecoveryCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.recoveryService(ctx, input.Recovery)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	req, err := svc.Get(ctx, input.RequestID)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	return printRequest(stdout, req, input.JSONOutput, "Recovery request")
}

// RecoveryListCommand lists requests by user, or by status when no user is given.
func RecoveryListCommand(ctx context.Context, r *Recoveryctl, input RecoveryCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	if (input.UserID == "") == (input.Status == "") {
		return FormatErrorWithSuggestionTo(stderr, fmt.Errorf("exactly one of --user or --status is required"))
	}
	status := recovery.Status(input.Status)
	if input.Status != "" && !status.IsValid() {
		return FormatErrorWithSuggestionTo(stderr, fmt.Errorf("unknown status %q", input.Status))
	}

	svc, err := r.recoveryService(ctx, input.Recovery)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	var list []*recovery.Request
	if input.UserID != "" {
		list, err = svc.ListByUser(ctx, input.UserID, input.Limit)
	} else {
		list, err = svc.ListByStatus(ctx, status, input.Limit)
	}
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	if input.JSONOutput {
		if list == nil {
			list = []*recovery.Request{}
		}
		return writeJSON(stdout, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No recovery requests found")
		return nil
	}
	writeHeading(stdout, "Recovery requests")
	for _, req := range list {
		fmt.Fprintf(stdout, "%-16s  %-12s  %-22s  %-11s  attempts %d/%d  expires %s\n",
			req.ID, req.UserID, req.Method, req.Status, req.Attempts, req.MaxAttempts, formatTime(req.ExpiresAt))
	}
	return nil
}

// RecoveryReviewCommand records an identity review on behalf of the actor.
func RecoveryReviewCommand(ctx context.Context, r *Recoveryctl, input RecoveryCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	var verified bool
	switch input.Decision {
	case DecisionVerified:
		verified = true
	case DecisionRejected:
	default:
		return FormatErrorWithSuggestionTo(stderr, fmt.Errorf("decision must be %q or %q", DecisionVerified, DecisionRejected))
	}

	svc, err := r.recoveryService(ctx, input.Recovery)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	actor, err := r.ResolveActor(ctx, input.STSClient)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	req, err := svc.CompleteReview(ctx, input.RequestID, actor, verified, input.Notes)
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	return printRequest(stdout, req, input.JSONOutput, "Review recorded")
}

// RecoveryCancelCommand cancels an open request on behalf of the actor.
func RecoveryCancelCommand(ctx context.Context, r *Recoveryctl, input RecoveryCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.recoveryService(ctx, input.Recovery)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	actor, err := r.ResolveActor(ctx, input.STSClient)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}

	req, err := svc.Cancel(ctx, input.RequestID, actor, input.Reason)
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	return printRequest(stdout, req, input.JSONOutput, "Recovery request cancelled")
}

// RecoverySweepCommand expires stale requests.
func RecoverySweepCommand(ctx context.Context, r *Recoveryctl, input RecoveryCommandInput) error {
	stdout, stderr := stdio(input.Stdout, input.Stderr)

	svc, err := r.recoveryService(ctx, input.Recovery)
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	n, err := svc.ExpireStale(ctx)
	svc.Wait()
	if err != nil {
		return FormatErrorWithSuggestionTo(stderr, err)
	}
	fmt.Fprintf(stdout, "Expired %d recovery requests\n", n)
	return nil
}

func printRequest(stdout *os.File, req *recovery.Request, jsonOutput bool, title string) error {
	if jsonOutput {
		return writeJSON(stdout, req)
	}
	contact := notification.MaskEmail(req.Contact)
	if req.Method.Channel() == recovery.ChannelSMS {
		contact = notification.MaskPhone(req.Contact)
	}
	writeHeading(stdout, title)
	writeField(stdout, "ID", req.ID)
	writeField(stdout, "User", req.UserID)
	writeField(stdout, "Method", string(req.Method))
	writeField(stdout, "Status", string(req.Status))
	writeField(stdout, "Contact", contact)
	writeField(stdout, "Attempts", strconv.Itoa(req.Attempts)+"/"+strconv.Itoa(req.MaxAttempts))
	writeField(stdout, "Review", string(req.ReviewStatus))
	writeField(stdout, "Reviewed by", req.ReviewedBy)
	writeField(stdout, "Created", formatTime(req.CreatedAt))
	writeField(stdout, "Expires", formatTime(req.ExpiresAt))
	writeField(stdout, "Completed", formatTime(req.CompletedAt))
	for _, ref := range req.DocumentRefs {
		writeField(stdout, "Document", ref)
	}
	return nil
}
