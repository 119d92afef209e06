package audit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/byteness/mfa-recovery/logging"
)

// maxLineBytes bounds a single audit line. Events are small; anything
// larger is reported as malformed rather than aborting the scan.
const maxLineBytes = 1 << 20

// ErrEmptyKeyRing is returned when a Verifier is created without keys.
var ErrEmptyKeyRing = errors.New("at least one signing key is required")

// Verifier checks signed audit trails written by SignedLogger or
// CloudWatchLogger.
type Verifier struct {
	keys logging.KeyRing
}

// NewVerifier creates a Verifier for the given key ring.
func NewVerifier(keys logging.KeyRing) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKeyRing
	}
	for id, key := range keys {
		if len(key) < logging.MinKeyLength {
			return nil, fmt.Errorf("key %q: %w", id, logging.ErrKeyTooShort)
		}
	}
	return &Verifier{keys: keys}, nil
}

// VerifyReader verifies newline-delimited signed events, for example a file
// captured from SignedLogger output.
func (v *Verifier) VerifyReader(ctx context.Context, r io.Reader, input VerifyInput) (*VerificationResult, error) {
	result := newResult(input)
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		v.verifyLine(result, seen, lineNo, scanner.Bytes(), input)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}

	checkConsistency(result)
	return result, nil
}

// VerifyCloudWatch verifies the signed events in a CloudWatch Logs group.
// The time window is pushed down to FilterLogEvents.
func (v *Verifier) VerifyCloudWatch(ctx context.Context, client cloudwatchlogs.FilterLogEventsAPIClient, logGroup string, input VerifyInput) (*VerificationResult, error) {
	result := newResult(input)
	seen := make(map[string]int)

	params := &cloudwatchlogs.FilterLogEventsInput{LogGroupName: aws.String(logGroup)}
	if !input.StartTime.IsZero() {
		params.StartTime = aws.Int64(input.StartTime.UnixMilli())
	}
	if !input.EndTime.IsZero() {
		params.EndTime = aws.Int64(input.EndTime.UnixMilli())
	}

	lineNo := 0
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(client, params)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("filter log events in %s: %w", logGroup, err)
		}
		for _, e := range page.Events {
			lineNo++
			v.verifyLine(result, seen, lineNo, []byte(aws.ToString(e.Message)), input)
		}
	}

	checkConsistency(result)
	return result, nil
}

func newResult(input VerifyInput) *VerificationResult {
	return &VerificationResult{
		StartTime:   input.StartTime,
		EndTime:     input.EndTime,
		EventCounts: make(map[logging.EventType]int),
	}
}

func (v *Verifier) verifyLine(result *VerificationResult, seen map[string]int, lineNo int, line []byte, input VerifyInput) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	result.TotalLines++

	signed, valid, err := logging.VerifySignedLine(line, v.keys)
	switch {
	case signed == nil:
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityError,
			Type:     IssueTypeMalformed,
			Line:     lineNo,
			Message:  fmt.Sprintf("line %d is not a signed audit event: %v", lineNo, err),
		})
		return
	case signed.Signature == "":
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityError,
			Type:     IssueTypeMalformed,
			Line:     lineNo,
			EventID:  signed.Event.ID,
			Message:  fmt.Sprintf("line %d carries no signature", lineNo),
		})
		return
	case errors.Is(err, logging.ErrUnknownKeyID):
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityWarning,
			Type:     IssueTypeUnknownKey,
			Line:     lineNo,
			EventID:  signed.Event.ID,
			Message:  fmt.Sprintf("line %d is signed with key %q, which is not in the key ring", lineNo, signed.KeyID),
		})
		return
	case err != nil || !valid:
		result.Issues = append(result.Issues, Issue{
			Severity:   SeverityError,
			Type:       IssueTypeInvalidSignature,
			Line:       lineNo,
			EventID:    signed.Event.ID,
			ResourceID: signed.Event.ResourceID,
			Message:    fmt.Sprintf("line %d signature does not match its content (%s)", lineNo, signed.Event.Type),
		})
		return
	}

	event := signed.Event
	if first, dup := seen[event.ID]; dup {
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityError,
			Type:     IssueTypeDuplicateEvent,
			Line:     lineNo,
			EventID:  event.ID,
			Message:  fmt.Sprintf("event %s on line %d repeats line %d", event.ID, lineNo, first),
		})
		return
	}
	seen[event.ID] = lineNo

	if !input.contains(event) {
		result.SkippedEvents++
		return
	}
	result.VerifiedEvents++
	result.EventCounts[event.Type]++
	result.events = append(result.events, event)
}
