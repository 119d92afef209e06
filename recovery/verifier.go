package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// TokenBytes is the number of random bytes in an opaque recovery token.
const TokenBytes = 32

// Code length bounds for numeric codes.
const (
	MinCodeLength = 6
	MaxCodeLength = 10
)

// GenerateSecret creates a secret appropriate for the method: a hex-encoded
// 32-byte token, or a numeric code of codeLength digits for sms.
func GenerateSecret(method Method, codeLength int) (string, error) {
	switch method.SecretKind() {
	case SecretCode:
		return generateCode(codeLength)
	case SecretToken:
		b := make([]byte, TokenBytes)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		return hex.EncodeToString(b), nil
	}
	return "", fmt.Errorf("unknown secret kind for method %q", method)
}

func generateCode(length int) (string, error) {
	if length < MinCodeLength || length > MaxCodeLength {
		return "", fmt.Errorf("code length %d outside [%d, %d]", length, MinCodeLength, MaxCodeLength)
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// HashSecret returns the hex SHA-256 digest stored in place of a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// Facts are conditions outside the request that a method may depend on.
type Facts struct {
	// EmergencyOverrideActive is true when an unexpired emergency_access
	// override targets the request's user.
	EmergencyOverrideActive bool
}

// Result is the outcome of a credential check.
type Result int

const (
	// ResultMatch means the credential is correct and all preconditions hold.
	ResultMatch Result = iota
	// ResultMismatch means the credential is wrong. Counts as an attempt.
	ResultMismatch
	// ResultReviewPending means an identity review has not been verified.
	ResultReviewPending
	// ResultOverrideRequired means admin_assisted recovery lacks an active
	// emergency_access override.
	ResultOverrideRequired
)

// String returns a short name for the result.
func (r Result) String() string {
	switch r {
	case ResultMatch:
		return "match"
	case ResultMismatch:
		return "mismatch"
	case ResultReviewPending:
		return "review_pending"
	case ResultOverrideRequired:
		return "override_required"
	}
	return "unknown"
}

// ConsumesAttempt reports whether the result counts against MaxAttempts.
// Preconditions no credential could satisfy do not.
func (r Result) ConsumesAttempt() bool {
	return r == ResultMatch || r == ResultMismatch
}

// Verifier checks a presented credential against a request.
type Verifier interface {
	Verify(req *Request, presented string, facts Facts) Result
}

// CredentialVerifier implements the per-method verification rules. Secret
// comparison is constant-time over the SHA-256 digests.
type CredentialVerifier struct{}

// Verify checks method preconditions first and then compares the secret.
func (CredentialVerifier) Verify(req *Request, presented string, facts Facts) Result {
	switch req.Method {
	case MethodEmail, MethodSMS:
	case MethodIdentityVerification:
		if req.ReviewStatus != ReviewVerified {
			return ResultReviewPending
		}
	case MethodAdminAssisted:
		if !facts.EmergencyOverrideActive {
			return ResultOverrideRequired
		}
	default:
		return ResultMismatch
	}
	if secretMatches(req.SecretHash, presented) {
		return ResultMatch
	}
	return ResultMismatch
}

func secretMatches(storedHash, presented string) bool {
	got := HashSecret(presented)
	if len(got) != len(storedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

var _ Verifier = CredentialVerifier{}
