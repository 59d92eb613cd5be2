package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"

	triggerManual = "manual"
	triggerQueued = "queued"
)

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	refreshes metric.Int64Counter
	syncs     metric.Int64Counter
	probes    metric.Int64Counter
}

// NewMetrics registers the service counters on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	refreshes, err := meter.Int64Counter("oauth_token_refreshes_total",
		metric.WithDescription("OAuth token refresh attempts by provider and result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh counter: %w", err)
	}

	syncs, err := meter.Int64Counter("credential_sync_total",
		metric.WithDescription("Credential pushes to the stage updater by trigger and result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync counter: %w", err)
	}

	probes, err := meter.Int64Counter("connection_probes_total",
		metric.WithDescription("Live connection tests by provider and result"))
	if err != nil {
		return nil, fmt.Errorf("failed to create probe counter: %w", err)
	}

	return &Metrics{refreshes: refreshes, syncs: syncs, probes: probes}, nil
}

func (m *Metrics) recordRefresh(ctx context.Context, provider, result string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

func (m *Metrics) recordSync(ctx context.Context, trigger, result string) {
	if m == nil {
		return
	}
	m.syncs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	))
}

func (m *Metrics) recordProbe(ctx context.Context, provider, result string) {
	if m == nil {
		return
	}
	m.probes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

func resultOf(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}
