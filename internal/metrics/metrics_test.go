package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObservePass(3, 250*time.Millisecond)
		IncBridgeCall("printDocument", "OK")
		IncNotification("error")
	})

	before := testutil.ToFloat64(passOutcomes.WithLabelValues("completed"))
	IncOutcome("completed")
	IncOutcome("completed")
	assert.Equal(t, before+2, testutil.ToFloat64(passOutcomes.WithLabelValues("completed")))

	ObservePass(7, time.Second)
	assert.Equal(t, float64(7), testutil.ToFloat64(pendingRequests))
}
