package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector.submitted, "submitted counter should be initialized")
	assert.NotNil(t, collector.dispatched, "dispatched counter should be initialized")
	assert.NotNil(t, collector.transitions, "transitions counter should be initialized")
	assert.NotNil(t, collector.latency, "latency histogram should be initialized")

	// registering twice on the same registry must fail
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordSubmittedAndRetry(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 5; i++ {
		collector.RecordSubmitted()
	}
	collector.RecordRetry()
	collector.RecordRetry()

	assert.Equal(t, 5.0, testutil.ToFloat64(collector.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.retries))
}

func TestRecordByStage(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordDispatched(types.StageReport)
	collector.RecordDispatched(types.StageReport)
	collector.RecordDispatched(types.StageStats)
	collector.RecordTransition(types.StageReport, types.StateRetry)
	collector.RecordTransition(types.StageReport, types.StateError)
	collector.RecordTransition(types.StageStats, types.StateSkipped)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.dispatched.WithLabelValues("report")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.dispatched.WithLabelValues("stats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transitions.WithLabelValues("report", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transitions.WithLabelValues("stats", "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.transitions.WithLabelValues("parse", "done")))
}

func TestRecordStageLatency(t *testing.T) {
	collector, reg := newTestCollector(t)

	latencies := []time.Duration{time.Millisecond, 100 * time.Millisecond, 3 * time.Second, 4 * time.Minute}
	for _, d := range latencies {
		collector.RecordStageLatency(types.StageReport, d)
	}

	assert.Equal(t, 1, testutil.CollectAndCount(collector.latency))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "evtc_stage_latency_seconds" {
			continue
		}
		require.Len(t, mf.GetMetric(), 1)
		assert.Equal(t, uint64(len(latencies)), mf.GetMetric()[0].GetHistogram().GetSampleCount())
	}
}

func TestSetLedgerStats(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.SetLedgerStats(map[string]int{"total": 3, "report_error": 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.ledgerJobs.WithLabelValues("total")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.ledgerJobs))

	// keys missing from the next update disappear
	collector.SetLedgerStats(map[string]int{"total": 4})
	assert.Equal(t, 1, testutil.CollectAndCount(collector.ledgerJobs))
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordSubmitted()
	collector.RecordDispatched(types.StageParse)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "evtc_logs_submitted_total 1"))
	assert.Contains(t, string(body), `evtc_stage_dispatched_total{stage="parse"} 1`)
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordSubmitted()
			collector.RecordDispatched(types.StageStats)
			collector.RecordStageLatency(types.StageStats, 10*time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.submitted))
}
