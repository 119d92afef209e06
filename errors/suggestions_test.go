package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func TestWrapDynamoDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantKind Kind
	}{
		{"table missing", errors.New("ResourceNotFoundException: Requested resource not found"), ErrCodeDynamoDBTableNotFound, KindInternal},
		{"access denied", errors.New("AccessDeniedException: not authorized"), ErrCodeDynamoDBAccessDenied, KindInternal},
		{"throttled", errors.New("ProvisionedThroughputExceededException"), ErrCodeDynamoDBThrottled, KindInternal},
		{"condition failed", errors.New("ConditionalCheckFailedException: The conditional request failed"), ErrCodeDynamoDBConditionFailed, KindConflict},
		{"other", errors.New("connection reset"), ErrCodeInternal, KindInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := WrapDynamoDBError(tc.err, "recovery-requests", "PutItem")
			if got.Code() != tc.wantCode {
				t.Errorf("Code() = %q, want %q", got.Code(), tc.wantCode)
			}
			if got.Kind() != tc.wantKind {
				t.Errorf("Kind() = %q, want %q", got.Kind(), tc.wantKind)
			}
			if got.Context()["table"] != "recovery-requests" {
				t.Errorf("Context()[table] = %q", got.Context()["table"])
			}
			if !errors.Is(got, tc.err) {
				t.Error("wrapped error should unwrap to cause")
			}
		})
	}
}

func TestWrapDynamoDBError_APIErrorCode(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Message: "slow down please"}
	err := fmt.Errorf("operation error DynamoDB: Query: %w", apiErr)
	got := WrapDynamoDBError(err, "recovery-requests", "Query")
	if got.Code() != ErrCodeDynamoDBThrottled {
		t.Errorf("Code() = %q, want %q", got.Code(), ErrCodeDynamoDBThrottled)
	}
	if got.Context()["operation"] != "Query" {
		t.Errorf("Context()[operation] = %q", got.Context()["operation"])
	}
}

func TestWrapDynamoDBError_Nil(t *testing.T) {
	if got := WrapDynamoDBError(nil, "t", "op"); got != nil {
		t.Errorf("WrapDynamoDBError(nil) = %v, want nil", got)
	}
}

func TestWrapSSMError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", errors.New("ParameterNotFound: missing"), ErrCodeSSMParameterNotFound},
		{"access denied", errors.New("AccessDeniedException"), ErrCodeSSMAccessDenied},
		{"throttled", errors.New("ThrottlingException: Rate exceeded"), ErrCodeSSMThrottled},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := WrapSSMError(tc.err, "/recovery/config")
			if got.Code() != tc.wantCode {
				t.Errorf("Code() = %q, want %q", got.Code(), tc.wantCode)
			}
			if got.Context()["parameter"] != "/recovery/config" {
				t.Errorf("Context()[parameter] = %q", got.Context()["parameter"])
			}
		})
	}

	if WrapSSMError(nil, "/x") != nil {
		t.Error("WrapSSMError(nil) should be nil")
	}
}

func TestWrapSTSError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"expired", &smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"}, ErrCodeSTSExpiredToken},
		{"access denied", errors.New("AccessDenied: not allowed"), ErrCodeSTSAccessDenied},
		{"other", errors.New("dial tcp: timeout"), ErrCodeSTSError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := WrapSTSError(tc.err, "GetCallerIdentity")
			if got.Code() != tc.wantCode {
				t.Errorf("Code() = %q, want %q", got.Code(), tc.wantCode)
			}
			if got.Suggestion() == "" {
				t.Error("Suggestion() is empty")
			}
			if got.Context()["operation"] != "GetCallerIdentity" {
				t.Errorf("Context()[operation] = %q", got.Context()["operation"])
			}
		})
	}
	if WrapSTSError(nil, "GetCallerIdentity") != nil {
		t.Error("WrapSTSError(nil) should be nil")
	}
}
