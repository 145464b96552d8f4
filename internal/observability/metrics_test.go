package observability

import (
	"testing"
	"time"

	"github.com/danmuck/codepod/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("kernelctl", "GET", "/health", 200, 12*time.Millisecond)
	RecordKernelSpawn("python", "ready", 2*time.Second)
	RecordDecodeFailure("signature")
	RecordRoutedEvent("execute_result")
	RecordDroppedEvent("subscriber_full")
	RecordContainerOp("inspect", true)
}

func TestRecordDecodeFailureIncrements(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(decodeFailures.WithLabelValues("malformed"))
	RecordDecodeFailure("malformed")
	RecordDecodeFailure("malformed")
	after := testutil.ToFloat64(decodeFailures.WithLabelValues("malformed"))
	if after-before != 2 {
		t.Fatalf("expected 2 increments, got %v", after-before)
	}
}
