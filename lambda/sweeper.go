package lambda

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
)

// SweepResult summarizes one scheduled sweep.
type SweepResult struct {
	ExpiredRequests  int `json:"expired_requests"`
	ExpiredOverrides int `json:"expired_overrides"`
}

// Sweeper expires stale recovery requests and overrides. It is invoked by
// an EventBridge schedule; reads already treat stale records as expired, so
// the sweep only brings stored status and audit trail in line.
type Sweeper struct {
	// Config holds the wired managers. If nil, it is loaded from the
	// environment on the first invocation.
	Config *HandlerConfig
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg *HandlerConfig) *Sweeper {
	return &Sweeper{Config: cfg}
}

// HandleRequest runs both sweeps. A failure in one does not skip the other.
func (s *Sweeper) HandleRequest(ctx context.Context, _ events.CloudWatchEvent) (SweepResult, error) {
	if s.Config == nil {
		cfg, err := LoadConfigFromEnv(ctx)
		if err != nil {
			return SweepResult{}, fmt.Errorf("load configuration: %w", err)
		}
		s.Config = cfg
	}

	var result SweepResult
	var errs []error

	n, err := s.Config.Recovery.ExpireStale(ctx)
	result.ExpiredRequests = n
	if err != nil {
		errs = append(errs, fmt.Errorf("expire recovery requests: %w", err))
	}

	n, err = s.Config.Overrides.Sweep(ctx)
	result.ExpiredOverrides = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep overrides: %w", err))
	}

	s.Config.Finish(ctx)

	log.Printf("INFO: Sweep expired %d requests and %d overrides", result.ExpiredRequests, result.ExpiredOverrides)
	return result, errors.Join(errs...)
}
