package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Pusher exports a registry to a Prometheus Pushgateway. Short-lived
// processes such as Lambda invocations are never scraped, so they push
// once per invocation instead.
type Pusher struct {
	url      string
	job      string
	gatherer prometheus.Gatherer
	grouping map[string]string
}

// NewPusher creates a Pusher for the gateway at url. Metrics are grouped
// under job and the optional grouping labels, so separate instances do
// not overwrite each other.
func NewPusher(url, job string, g prometheus.Gatherer, grouping map[string]string) (*Pusher, error) {
	if url == "" {
		return nil, errors.New("pushgateway url is required")
	}
	if job == "" {
		return nil, errors.New("pushgateway job is required")
	}
	if g == nil {
		return nil, errors.New("gatherer is required")
	}
	labels := make(map[string]string, len(grouping))
	for k, v := range grouping {
		if v != "" {
			labels[k] = v
		}
	}
	return &Pusher{url: url, job: job, gatherer: g, grouping: labels}, nil
}

// Push sends the current values. Metrics of the same name already in the
// group are replaced; others are kept.
func (p *Pusher) Push(ctx context.Context) error {
	pu := push.New(p.url, p.job).Gatherer(p.gatherer)
	for k, v := range p.grouping {
		pu = pu.Grouping(k, v)
	}
	if err := pu.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", p.url, err)
	}
	return nil
}
