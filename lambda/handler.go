package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/identity"
	"github.com/byteness/mfa-recovery/iso8601"
	"github.com/byteness/mfa-recovery/override"
	"github.com/byteness/mfa-recovery/recovery"
)

// MaxBodyBytes bounds request bodies. Identity narratives are the largest
// legitimate payload.
const MaxBodyBytes = 64 << 10

// Error codes produced by the HTTP layer itself.
const (
	ErrCodeConfig           = "CONFIG_ERROR"
	ErrCodeIAMRequired      = "IAM_AUTH_REQUIRED"
	ErrCodeInvalidBody      = "INVALID_BODY"
	ErrCodeRouteNotFound    = "ROUTE_NOT_FOUND"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// Handler handles API Gateway v2 HTTP requests for recovery and overrides.
type Handler struct {
	// Config holds the wired managers. If nil, it is loaded from the
	// environment on the first request.
	Config *HandlerConfig

	now func() time.Time
}

// NewHandler creates a new handler.
// If cfg is nil, configuration will be loaded from environment on first request.
func NewHandler(cfg ...*HandlerConfig) *Handler {
	h := &Handler{now: time.Now}
	if len(cfg) > 0 && cfg[0] != nil {
		h.Config = cfg[0]
	}
	return h
}

// HandleRequest processes an API Gateway v2 HTTP request.
func (h *Handler) HandleRequest(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if h.Config == nil {
		cfg, err := LoadConfigFromEnv(ctx)
		if err != nil {
			log.Printf("ERROR: Failed to load configuration: %v", err)
			return errorResponse(http.StatusInternalServerError, ErrCodeConfig, "Service is not configured")
		}
		h.Config = cfg
	}
	defer h.Config.Finish(ctx)

	r, id, status := matchRoute(req.RequestContext.HTTP.Method, req.RawPath)
	switch status {
	case http.StatusNotFound:
		return errorResponse(status, ErrCodeRouteNotFound, "Unknown path: "+req.RawPath)
	case http.StatusMethodNotAllowed:
		return errorResponse(status, ErrCodeMethodNotAllowed, "Only POST is supported")
	}

	var actor string
	if r.requiresIAM() {
		var err error
		actor, err = callerActor(req)
		if err != nil {
			return errorResponse(http.StatusForbidden, ErrCodeIAMRequired,
				fmt.Sprintf("IAM authorization required: %v", err))
		}
	}

	switch r {
	case routeInitiate:
		return h.initiate(ctx, req)
	case routeVerify:
		return h.verify(ctx, req, id)
	case routeReview:
		return h.review(ctx, req, id, actor)
	case routeCreateOverride:
		return h.createOverride(ctx, req, actor)
	case routeApproveOverride:
		return h.approveOverride(ctx, req, id, actor)
	case routeRevokeOverride:
		return h.revokeOverride(ctx, req, id, actor)
	}
	return errorResponse(http.StatusNotFound, ErrCodeRouteNotFound, "Unknown path: "+req.RawPath)
}

func (h *Handler) initiate(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var body InitiateBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, err.Error())
	}

	res, err := h.Config.Recovery.Initiate(ctx, body.UserID, recovery.Method(body.Method), recovery.InitiateContext{
		DocumentRefs: body.DocumentRefs,
		Narrative:    body.Narrative,
		IPAddress:    req.RequestContext.HTTP.SourceIP,
		UserAgent:    req.RequestContext.HTTP.UserAgent,
	})
	if err != nil {
		return h.recoveryErrorResponse(err)
	}
	return jsonResponse(http.StatusCreated, InitiateResponse{
		RequestID: res.RequestID,
		Method:    string(res.Method),
		ExpiresAt: res.ExpiresAt,
		NextSteps: res.NextSteps,
	})
}

func (h *Handler) verify(ctx context.Context, req events.APIGatewayV2HTTPRequest, id string) (events.APIGatewayV2HTTPResponse, error) {
	var body VerifyBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, err.Error())
	}

	res, err := h.Config.Recovery.Verify(ctx, id, body.Credential, recovery.VerifyContext{
		IPAddress: req.RequestContext.HTTP.SourceIP,
		UserAgent: req.RequestContext.HTTP.UserAgent,
	})
	if err != nil {
		return h.recoveryErrorResponse(err)
	}
	return jsonResponse(http.StatusOK, VerifyResponse{
		AccessGranted: res.AccessGranted,
		Token:         res.Token,
		GrantID:       res.GrantID,
		ExpiresAt:     res.ExpiresAt,
	})
}

func (h *Handler) review(ctx context.Context, req events.APIGatewayV2HTTPRequest, id, actor string) (events.APIGatewayV2HTTPResponse, error) {
	var body ReviewBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, err.Error())
	}
	updated, err := h.Config.Recovery.CompleteReview(ctx, id, actor, body.Verified, body.Notes)
	if err != nil {
		return h.recoveryErrorResponse(err)
	}
	return jsonResponse(http.StatusOK, updated)
}

func (h *Handler) createOverride(ctx context.Context, req events.APIGatewayV2HTTPRequest, actor string) (events.APIGatewayV2HTTPResponse, error) {
	var body CreateOverrideBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, err.Error())
	}
	if body.DurationSeconds < 0 || body.DurationSeconds > math.MaxInt64/int64(time.Second) {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, "duration_seconds is out of range")
	}

	res, err := h.Config.Overrides.Create(ctx, actor, override.CreateRequest{
		TargetUserID: body.TargetUserID,
		Type:         override.Type(body.Type),
		Reason:       body.Reason,
		Duration:     time.Duration(body.DurationSeconds) * time.Second,
		IPAddress:    req.RequestContext.HTTP.SourceIP,
		UserAgent:    req.RequestContext.HTTP.UserAgent,
	})
	if err != nil {
		return h.recoveryErrorResponse(err)
	}
	return jsonResponse(http.StatusCreated, CreateOverrideResponse{
		OverrideID:       res.OverrideID,
		ExpiresAt:        res.ExpiresAt,
		RequiresApproval: res.RequiresApproval,
		IsActive:         res.IsActive,
	})
}

func (h *Handler) approveOverride(ctx context.Context, req events.APIGatewayV2HTTPRequest, id, actor string) (events.APIGatewayV2HTTPResponse, error) {
	var body ApproveBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, err.Error())
	}
	o, err := h.Config.Overrides.Approve(ctx, actor, id, body.Notes)
	if err != nil {
		return h.recoveryErrorResponse(err)
	}
	return jsonResponse(http.StatusOK, o)
}

func (h *Handler) revokeOverride(ctx context.Context, req events.APIGatewayV2HTTPRequest, id, actor string) (events.APIGatewayV2HTTPResponse, error) {
	var body RevokeBody
	if err := decodeBody(req, &body); err != nil {
		return errorResponse(http.StatusBadRequest, ErrCodeInvalidBody, err.Error())
	}
	o, err := h.Config.Overrides.Revoke(ctx, actor, id, body.Reason)
	if err != nil {
		return h.recoveryErrorResponse(err)
	}
	return jsonResponse(http.StatusOK, o)
}

// callerActor resolves the operator behind an IAM-authorized request.
func callerActor(req events.APIGatewayV2HTTPRequest) (string, error) {
	caller, err := ExtractCallerIdentity(req)
	if err != nil {
		return "", err
	}
	id, err := identity.ParseARN(caller.UserARN)
	if err != nil {
		return "", err
	}
	return id.Actor()
}

// decodeBody decodes a JSON request body into v. Unknown fields are rejected.
func decodeBody(req events.APIGatewayV2HTTPRequest, v any) error {
	raw := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return fmt.Errorf("body is not valid base64")
		}
		raw = decoded
	}
	if len(raw) == 0 {
		return errors.New("request body is required")
	}
	if len(raw) > MaxBodyBytes {
		return fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

// StatusForKind maps an error kind to its HTTP status code.
func StatusForKind(kind recoveryerrors.Kind) int {
	switch kind {
	case recoveryerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case recoveryerrors.KindTooManyConcurrent, recoveryerrors.KindConflict, recoveryerrors.KindReviewPending:
		return http.StatusConflict
	case recoveryerrors.KindInvalidOrExpired, recoveryerrors.KindExpired:
		return http.StatusGone
	case recoveryerrors.KindLocked:
		return http.StatusLocked
	case recoveryerrors.KindInvalidCredential:
		return http.StatusUnauthorized
	case recoveryerrors.KindUnsupportedMethod, recoveryerrors.KindInvalidInput:
		return http.StatusBadRequest
	case recoveryerrors.KindUnauthorized:
		return http.StatusForbidden
	case recoveryerrors.KindNotFound:
		return http.StatusNotFound
	case recoveryerrors.KindDispatchFailed:
		return http.StatusBadGateway
	case recoveryerrors.KindAuditUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// recoveryErrorResponse renders a manager error. Internal causes are logged,
// never returned to the caller.
func (h *Handler) recoveryErrorResponse(err error) (events.APIGatewayV2HTTPResponse, error) {
	re, ok := recoveryerrors.IsRecoveryError(err)
	if !ok {
		log.Printf("ERROR: unclassified error: %v", err)
		return errorResponse(http.StatusInternalServerError, recoveryerrors.ErrCodeInternal, "Internal error")
	}

	body := ErrorBody{
		Code:       re.Code(),
		Message:    re.Error(),
		Suggestion: re.Suggestion(),
	}
	if re.Kind() == recoveryerrors.KindInternal || re.Kind() == recoveryerrors.KindAuditUnavailable {
		log.Printf("ERROR: %s: %s: %v", re.Code(), re.Error(), re.Unwrap())
	}
	if re.Kind() == recoveryerrors.KindInternal {
		body.Message = "Internal error"
	}

	headers := map[string]string{}
	if until, ok := recoveryerrors.CooldownUntil(err); ok {
		body.CooldownUntil = iso8601.Format(until)
		wait := int(math.Ceil(until.Sub(h.now()).Seconds()))
		if wait < 1 {
			wait = 1
		}
		headers["Retry-After"] = strconv.Itoa(wait)
	}
	if n, ok := recoveryerrors.AttemptsRemaining(err); ok {
		body.AttemptsRemaining = &n
	}

	resp, _ := jsonResponse(StatusForKind(re.Kind()), body)
	for k, v := range headers {
		resp.Headers[k] = v
	}
	return resp, nil
}

// jsonResponse marshals v as the response body.
func jsonResponse(statusCode int, v any) (events.APIGatewayV2HTTPResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, recoveryerrors.ErrCodeInternal,
			fmt.Sprintf("Failed to marshal response: %v", err))
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type":  "application/json; charset=utf-8",
			"Cache-Control": "no-store",
		},
		Body: string(body),
	}, nil
}

// errorResponse creates an error response.
func errorResponse(statusCode int, code, message string) (events.APIGatewayV2HTTPResponse, error) {
	body, _ := json.Marshal(&ErrorBody{Code: code, Message: message})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: statusCode,
		Headers: map[string]string{
			"Content-Type":  "application/json; charset=utf-8",
			"Cache-Control": "no-store",
		},
		Body: string(body),
	}, nil
}
