package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGauges(t *testing.T) {
	QueueSize.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(QueueSize))

	GlobalRunningCount.Set(2)
	MaxGlobalConcurrency.Set(10)
	GlobalUtilization.Set(0.2)
	assert.Equal(t, 2.0, testutil.ToFloat64(GlobalRunningCount))
	assert.Equal(t, 10.0, testutil.ToFloat64(MaxGlobalConcurrency))
	assert.Equal(t, 0.2, testutil.ToFloat64(GlobalUtilization))
}

func TestCounter(t *testing.T) {
	before := testutil.ToFloat64(TotalAssignments)
	TotalAssignments.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TotalAssignments))
}

func TestPoolVectors(t *testing.T) {
	PoolUtilization.WithLabelValues("main").Set(0.5)
	PoolRunningCount.WithLabelValues("main").Set(4)

	assert.Equal(t, 0.5, testutil.ToFloat64(PoolUtilization.WithLabelValues("main")))
	assert.Equal(t, 4.0, testutil.ToFloat64(PoolRunningCount.WithLabelValues("main")))
}
