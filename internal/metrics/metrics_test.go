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
		ObservePhase("set", time.Now().Add(-time.Second))
	})
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(outcomes.WithLabelValues("success"))
	IncOutcome("success")
	assert.Equal(t, before+1, testutil.ToFloat64(outcomes.WithLabelValues("success")))

	beforeClaims := testutil.ToFloat64(claims)
	AddClaims(3)
	assert.Equal(t, beforeClaims+3, testutil.ToFloat64(claims))

	IncTransition("fail", "terminated")
	assert.Equal(t, 1.0, testutil.ToFloat64(transitions.WithLabelValues("fail", "terminated")))

	IncSweep("fail")
	IncNotification("sent")
	assert.GreaterOrEqual(t, testutil.ToFloat64(sweeps.WithLabelValues("fail")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(notifications.WithLabelValues("sent")), 1.0)
}
