package audit

import (
	"fmt"

	"github.com/byteness/mfa-recovery/access"
	"github.com/byteness/mfa-recovery/logging"
)

// checkConsistency cross-checks verified events. A grant must be confirmed
// by the completion of the request or by the override that produced it, and
// an override must not be approved by its requester. Only events inside the
// window are considered, so a finding near the window edge may be resolved
// by widening it.
func checkConsistency(result *VerificationResult) {
	completedGrants := make(map[string]string) // request ID -> grant ID
	overrideRequester := make(map[string]string)
	for _, e := range result.events {
		switch e.Type {
		case logging.EventRecoveryCompleted:
			completedGrants[e.ResourceID] = e.Metadata["grant_id"]
		case logging.EventOverrideCreated:
			if e.Success {
				overrideRequester[e.ResourceID] = e.Actor
			}
		}
	}

	for _, e := range result.events {
		switch e.Type {
		case logging.EventAccessIssued:
			if issue, ok := unconfirmedGrant(e, completedGrants, overrideRequester); ok {
				result.Issues = append(result.Issues, issue)
			}
		case logging.EventOverrideApproved:
			if requester, ok := overrideRequester[e.ResourceID]; ok && requester == e.Actor && e.Success {
				result.Issues = append(result.Issues, Issue{
					Severity:   SeverityError,
					Type:       IssueTypeSelfApproval,
					EventID:    e.ID,
					ResourceID: e.ResourceID,
					Message:    fmt.Sprintf("override %s was approved by its requester %s", e.ResourceID, e.Actor),
				})
			}
		}
	}
}

func unconfirmedGrant(e logging.Event, completedGrants, overrideRequester map[string]string) (Issue, bool) {
	sourceID := e.Metadata["source_id"]
	switch access.Source(e.Metadata["source"]) {
	case access.SourceRecovery:
		if completedGrants[sourceID] == e.ResourceID {
			return Issue{}, false
		}
		return Issue{
			Severity:   SeverityWarning,
			Type:       IssueTypeUnconfirmedGrant,
			EventID:    e.ID,
			ResourceID: e.ResourceID,
			Message: fmt.Sprintf("grant for %s has no completion event for recovery request %s; it may have been withdrawn",
				e.Subject, sourceID),
		}, true
	case access.SourceOverride:
		if _, ok := overrideRequester[sourceID]; ok {
			return Issue{}, false
		}
		return Issue{
			Severity:   SeverityWarning,
			Type:       IssueTypeUnconfirmedGrant,
			EventID:    e.ID,
			ResourceID: e.ResourceID,
			Message:    fmt.Sprintf("grant for %s references override %s, which has no creation event", e.Subject, sourceID),
		}, true
	default:
		return Issue{
			Severity:   SeverityError,
			Type:       IssueTypeUnconfirmedGrant,
			EventID:    e.ID,
			ResourceID: e.ResourceID,
			Message:    fmt.Sprintf("grant for %s has unknown source %q", e.Subject, e.Metadata["source"]),
		}, true
	}
}
