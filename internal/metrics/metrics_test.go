package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Fault("greeter")
	m.Fault("greeter")
	m.TaskRun("sync", true)
	m.TaskRun("async", false)
	m.LoadResult("success")
	m.SetRunning(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Faults().WithLabelValues("greeter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns().WithLabelValues("sync", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRuns().WithLabelValues("async", "fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadResults().WithLabelValues("success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.running))
}

func TestTrackResources(t *testing.T) {
	m := New()
	n := 4
	m.TrackResources("command", func() int { return n })

	count, err := testutil.GatherAndCount(m.Registry, "scripthost_resources")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Fault("x")
	m.TaskRun("sync", true)
	m.LoadResult("fault")
	m.Event("script_load")
	m.SetRunning(1)
	m.TrackResources("task", func() int { return 0 })
}
