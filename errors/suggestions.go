package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Suggestions contains default fix suggestions for each error code.
var Suggestions = map[string]string{
	ErrCodeRateLimited:       "Too many recovery attempts. Wait until the cooldown passes and try again.",
	ErrCodeTooManyConcurrent: "Complete or cancel an existing recovery request before starting another.",
	ErrCodeInvalidOrExpired:  "The recovery request is no longer valid. Start a new recovery request.",
	ErrCodeExpired:           "The recovery request expired. Start a new recovery request.",
	ErrCodeLocked: "Too many incorrect attempts for this request. " +
		"Start a new recovery request or contact support.",
	ErrCodeInvalidCredential: "The code or token is incorrect. Check the latest message you received and try again.",
	ErrCodeUnsupportedMethod: "This recovery method is not available. Choose another recovery method.",
	ErrCodeUnauthorized:      "Your account does not hold the role required for this action.",
	ErrCodeDispatchFailed:    "The recovery message could not be delivered. Check the contact address and try again.",
	ErrCodeReviewPending:     "Identity documents are still under review. You will be notified when the review completes.",
	ErrCodeInvalidInput:      "One of the supplied values is invalid. Check the request and try again.",
	ErrCodeNotFound:          "The referenced record does not exist.",
	ErrCodeConflict:          "The record was modified by another process. Reload it and retry.",
	ErrCodeAuditUnavailable:  "The audit trail is unavailable, so the action was not performed. Retry shortly.",
	ErrCodeInternal:          "An internal error occurred. Retry shortly.",

	ErrCodeSSMAccessDenied:      "Ensure your IAM policy includes: ssm:GetParameter on the configuration parameter.",
	ErrCodeSSMParameterNotFound: "The SSM parameter does not exist. Create it with the recovery configuration YAML.",
	ErrCodeSSMThrottled:         "SSM API rate limit exceeded. Wait a moment and retry.",
	ErrCodeDynamoDBAccessDenied: "Ensure your IAM policy includes DynamoDB permissions for the recovery tables.",
	ErrCodeDynamoDBTableNotFound: "The DynamoDB table does not exist. " +
		"Create it with CloudFormation or Terraform before starting the service.",
	ErrCodeDynamoDBThrottled:       "DynamoDB throughput exceeded. Wait a moment and retry, or increase table capacity.",
	ErrCodeDynamoDBConditionFailed: "The DynamoDB conditional check failed. The item may have been modified by another process.",
	ErrCodeSTSError:                "Could not resolve the caller identity. Check your AWS credentials or pass --actor.",
	ErrCodeSTSAccessDenied:         "Ensure your credentials allow sts:GetCallerIdentity.",
	ErrCodeSTSExpiredToken:         "Your AWS session has expired. Refresh your credentials and retry.",
}

// GetSuggestion returns the default suggestion for an error code.
// Returns empty string if no suggestion is defined.
func GetSuggestion(code string) string {
	return Suggestions[code]
}

// WrapSSMError examines an SSM error and returns a RecoveryError with context.
func WrapSSMError(err error, parameter string) RecoveryError {
	if err == nil {
		return nil
	}

	var code, message string
	errStr := errorText(err)

	switch {
	case isParameterNotFound(errStr):
		code = ErrCodeSSMParameterNotFound
		message = fmt.Sprintf("SSM parameter not found: %s", parameter)
	case isAccessDenied(errStr):
		code = ErrCodeSSMAccessDenied
		message = fmt.Sprintf("Access denied to SSM parameter: %s", parameter)
	case isThrottled(errStr):
		code = ErrCodeSSMThrottled
		message = fmt.Sprintf("SSM throttled while reading: %s", parameter)
	default:
		code = ErrCodeSSMAccessDenied
		message = fmt.Sprintf("SSM error for parameter %s: %v", parameter, err)
	}

	se := NewWithCode(KindInternal, code, message, Suggestions[code], err)
	return WithContext(se, "parameter", parameter)
}

// WrapDynamoDBError examines a DynamoDB error and returns a RecoveryError.
// Conditional check failures map to KindConflict; everything else is internal.
func WrapDynamoDBError(err error, table, operation string) RecoveryError {
	if err == nil {
		return nil
	}

	kind := KindInternal
	var code, message, suggestion string
	errStr := errorText(err)

	switch {
	case isResourceNotFound(errStr):
		code = ErrCodeDynamoDBTableNotFound
		message = fmt.Sprintf("DynamoDB table not found: %s", table)
		suggestion = Suggestions[code]
	case isAccessDenied(errStr):
		code = ErrCodeDynamoDBAccessDenied
		message = fmt.Sprintf("Access denied to DynamoDB table: %s", table)
		suggestion = Suggestions[code]
	case isThrottled(errStr) || isProvisionedThroughputExceeded(errStr):
		code = ErrCodeDynamoDBThrottled
		message = fmt.Sprintf("DynamoDB throughput exceeded for table: %s", table)
		suggestion = Suggestions[code]
	case isConditionalCheckFailed(errStr):
		kind = KindConflict
		code = ErrCodeDynamoDBConditionFailed
		message = fmt.Sprintf("DynamoDB conditional check failed for table: %s", table)
		suggestion = Suggestions[code]
	default:
		code = ErrCodeInternal
		message = fmt.Sprintf("DynamoDB error for table %s during %s: %v", table, operation, err)
		suggestion = "Check your AWS credentials and DynamoDB permissions"
	}

	se := NewWithCode(kind, code, message, suggestion, err)
	se = WithContext(se, "table", table)
	return WithContext(se, "operation", operation)
}

// WrapSTSError examines an STS error and returns a RecoveryError.
func WrapSTSError(err error, operation string) RecoveryError {
	if err == nil {
		return nil
	}

	var code, message string
	errStr := errorText(err)

	switch {
	case strings.Contains(errStr, "expiredtoken"):
		code = ErrCodeSTSExpiredToken
		message = fmt.Sprintf("STS %s failed: credentials expired", operation)
	case isAccessDenied(errStr):
		code = ErrCodeSTSAccessDenied
		message = fmt.Sprintf("Access denied calling STS %s", operation)
	default:
		code = ErrCodeSTSError
		message = fmt.Sprintf("STS %s failed: %v", operation, err)
	}

	se := NewWithCode(KindInternal, code, message, Suggestions[code], err)
	return WithContext(se, "operation", operation)
}

// errorText returns the lower-cased text matched by the classifiers below.
// AWS API errors contribute their error code, which is stable across SDK
// message changes.
func errorText(err error) string {
	text := strings.ToLower(err.Error())
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		text = strings.ToLower(apiErr.ErrorCode()) + " " + text
	}
	return text
}

// isAccessDenied checks if error contains access denied indicators.
func isAccessDenied(errStr string) bool {
	return strings.Contains(errStr, "accessdenied") ||
		strings.Contains(errStr, "access denied") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "not authorized") ||
		strings.Contains(errStr, "403")
}

// isParameterNotFound checks if error indicates parameter not found.
func isParameterNotFound(errStr string) bool {
	return strings.Contains(errStr, "parameternotfound") ||
		strings.Contains(errStr, "parameter not found") ||
		strings.Contains(errStr, "parameterversionnotfound")
}

// isResourceNotFound checks if error indicates resource not found.
func isResourceNotFound(errStr string) bool {
	return strings.Contains(errStr, "resourcenotfound") ||
		strings.Contains(errStr, "resource not found") ||
		strings.Contains(errStr, "table not found") ||
		strings.Contains(errStr, "cannot do operations on a non-existent table")
}

// isThrottled checks if error indicates throttling.
func isThrottled(errStr string) bool {
	return strings.Contains(errStr, "throttl") ||
		strings.Contains(errStr, "rate exceeded") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "slowdown")
}

// isProvisionedThroughputExceeded checks if error indicates throughput exceeded.
func isProvisionedThroughputExceeded(errStr string) bool {
	return strings.Contains(errStr, "provisionedthroughputexceeded") ||
		strings.Contains(errStr, "throughput exceeded") ||
		strings.Contains(errStr, "capacity")
}

// isConditionalCheckFailed checks if error indicates conditional check failure.
func isConditionalCheckFailed(errStr string) bool {
	return strings.Contains(errStr, "conditionalcheckfailed") ||
		strings.Contains(errStr, "conditional check failed") ||
		strings.Contains(errStr, "condition expression")
}
