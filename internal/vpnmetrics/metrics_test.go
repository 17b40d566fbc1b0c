package vpnmetrics

import (
	"context"
	"sync"
	"testing"
)

// resetGlobalState clears the package singleton between tests, the same
// pattern utils/metrics-go/metrics_test.go uses for its own sync.Once-gated
// global.
func resetGlobalState() {
	instance = nil
	once = sync.Once{}
	initErr = nil
}

// TestDisabledConfig mirrors utils/metrics-go's disabled-config test: when
// Enabled is false, Init must not attempt an OTLP connection and Get must
// return nil.
func TestDisabledConfig(t *testing.T) {
	resetGlobalState()

	config := Config{
		OTLPEndpoint:     "invalid-host:9999", // would fail if a connection were attempted
		ExportIntervalMS: 1000,
		ServiceName:      "test-service",
		ServiceVersion:   "1.0.0",
		Enabled:          false,
	}

	if err := Init(config); err != nil {
		t.Fatalf("Init with Enabled=false should not error, got: %v", err)
	}
	if mc := Get(); mc != nil {
		t.Error("Get() should return nil when metrics are disabled")
	}
}

// TestNilMetricCreatorIsNoop verifies every recording method tolerates a
// nil receiver, the documented behaviour that lets callers skip a
// disabled-pipeline check at every call site.
func TestNilMetricCreatorIsNoop(t *testing.T) {
	var mc *MetricCreator
	ctx := context.Background()

	mc.RecordCounter(ctx, "x", 1, "1", "", nil)
	mc.RecordHistogram(ctx, "x", 1, "ms", "", nil)
	mc.SessionCreated(ctx)
	mc.SessionDisposed(ctx, "reaped")
	mc.AdmissionLatency(ctx, 0)
	if err := mc.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown on nil receiver should not error, got: %v", err)
	}
}

func TestBuildAttributes(t *testing.T) {
	attrs := buildAttributes(map[string]string{"cause": "reaped"})
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Key != "cause" || attrs[0].Value.AsString() != "reaped" {
		t.Errorf("unexpected attribute: %+v", attrs[0])
	}
}
