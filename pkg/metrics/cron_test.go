package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCronJobMetricsRecordRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	m.RecordRun("hold-expiry", 250*time.Millisecond, nil)
	m.RecordRun("hold-expiry", time.Second, errors.New("boom"))
	m.RecordOutcome("hold-expiry", CronSkipped)

	for outcome, want := range map[CronOutcome]float64{CronSuccess: 1, CronFailure: 1, CronSkipped: 1} {
		require.Equal(t, want, testutil.ToFloat64(m.runs.WithLabelValues("hold-expiry", string(outcome))), outcome)
	}
	require.Equal(t, float64(1_700_000_000), testutil.ToFloat64(m.lastSuccess.WithLabelValues("hold-expiry")))

	count, err := testutil.GatherAndCount(reg, "keymart_cron_job_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCronJobMetricsFailureLeavesLastSuccessUnset(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	m.RecordRun("", time.Millisecond, errors.New("boom"))

	require.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues("unknown", string(CronFailure))))
	count, err := testutil.GatherAndCount(reg, "keymart_cron_job_last_success_timestamp_seconds")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCronJobMetricsNilSafe(t *testing.T) {
	var m *CronJobMetrics
	m.RecordRun("x", time.Second, nil)
	m.RecordOutcome("x", CronSkipped)
	require.Nil(t, NewCronJobMetrics(nil))
}
