package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type pushedRequest struct {
	method string
	path   string
	body   string
}

func newGateway(t *testing.T, status int) (*httptest.Server, func() []pushedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []pushedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, pushedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []pushedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]pushedRequest(nil), got...)
	}
}

func TestPusher_Push(t *testing.T) {
	srv, requests := newGateway(t, http.StatusAccepted)

	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg, "mfa")
	r.RecoveryInitiated("email", OutcomeSuccess)

	p, err := NewPusher(srv.URL, "recovery", reg, map[string]string{"instance": "i-1", "empty": ""})
	if err != nil {
		t.Fatalf("NewPusher() error = %v", err)
	}
	if err := p.Push(context.Background()); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got := requests()
	if len(got) != 1 {
		t.Fatalf("gateway received %d requests, want 1", len(got))
	}
	if got[0].method != http.MethodPost {
		t.Errorf("method = %s, want POST", got[0].method)
	}
	if got[0].path != "/metrics/job/recovery/instance/i-1" {
		t.Errorf("path = %s", got[0].path)
	}
	if !strings.Contains(got[0].body, "mfa_recovery_initiated_total") {
		t.Error("pushed body is missing the initiated counter")
	}
}

func TestPusher_GatewayError(t *testing.T) {
	srv, _ := newGateway(t, http.StatusInternalServerError)

	p, err := NewPusher(srv.URL, "recovery", prometheus.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("NewPusher() error = %v", err)
	}
	err = p.Push(context.Background())
	if err == nil || !strings.Contains(err.Error(), srv.URL) {
		t.Errorf("Push() error = %v, want one naming the gateway", err)
	}
}

func TestNewPusher_Validation(t *testing.T) {
	reg := prometheus.NewRegistry()
	tests := []struct {
		name string
		url  string
		job  string
		g    prometheus.Gatherer
	}{
		{"missing url", "", "recovery", reg},
		{"missing job", "http://gateway:9091", "", reg},
		{"missing gatherer", "http://gateway:9091", "recovery", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPusher(tt.url, tt.job, tt.g, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
