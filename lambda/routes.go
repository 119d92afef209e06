package lambda

import (
	"net/http"
	"strings"
)

// route identifies an API operation.
type route int

const (
	routeNone route = iota
	routeInitiate
	routeVerify
	routeReview
	routeCreateOverride
	routeApproveOverride
	routeRevokeOverride
)

// Routes served by Handler:
//
//	POST /recovery                  -> initiate a recovery request
//	POST /recovery/{id}/verify      -> present the code or token
//	POST /recovery/{id}/review      -> conclude an identity review (IAM)
//	POST /overrides                 -> create an override (IAM)
//	POST /overrides/{id}/approve    -> approve a pending override (IAM)
//	POST /overrides/{id}/revoke     -> revoke an override (IAM)
var routeActions = map[string]map[string]route{
	"recovery": {
		"":       routeInitiate,
		"verify": routeVerify,
		"review": routeReview,
	},
	"overrides": {
		"":        routeCreateOverride,
		"approve": routeApproveOverride,
		"revoke":  routeRevokeOverride,
	},
}

// requiresIAM reports whether the route acts on behalf of an operator.
func (r route) requiresIAM() bool {
	switch r {
	case routeReview, routeCreateOverride, routeApproveOverride, routeRevokeOverride:
		return true
	}
	return false
}

// matchRoute resolves an HTTP method and path to a route and the resource
// ID embedded in the path. The returned status is 0 on a match, otherwise
// 404 for unknown paths and 405 for known paths with the wrong method.
func matchRoute(method, rawPath string) (route, string, int) {
	path := strings.Trim(rawPath, "/")
	if path == "" {
		return routeNone, "", http.StatusNotFound
	}
	parts := strings.Split(path, "/")

	actions, ok := routeActions[parts[0]]
	if !ok {
		return routeNone, "", http.StatusNotFound
	}

	var id, action string
	switch len(parts) {
	case 1:
	case 3:
		id, action = parts[1], parts[2]
		if id == "" || action == "" {
			return routeNone, "", http.StatusNotFound
		}
	default:
		return routeNone, "", http.StatusNotFound
	}

	r, ok := actions[action]
	if !ok {
		return routeNone, "", http.StatusNotFound
	}
	if method != http.MethodPost {
		return routeNone, "", http.StatusMethodNotAllowed
	}
	return r, id, 0
}
