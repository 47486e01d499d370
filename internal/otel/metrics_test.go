package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.Submitted == nil {
		t.Error("Submitted is nil")
	}
	if m.Dispatched == nil {
		t.Error("Dispatched is nil")
	}
	if m.Completed == nil {
		t.Error("Completed is nil")
	}
	if m.Cancelled == nil {
		t.Error("Cancelled is nil")
	}
	if m.Failed == nil {
		t.Error("Failed is nil")
	}
	if m.DeadLetter == nil {
		t.Error("DeadLetter is nil")
	}
	if m.Queued == nil {
		t.Error("Queued is nil")
	}
	if m.Running == nil {
		t.Error("Running is nil")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
