package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveJobCountsOutcome(t *testing.T) {
	before := testutil.ToFloat64(JobsFailed.WithLabelValues("video_creation"))
	ObserveJob("video_creation", false, 2*time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(JobsFailed.WithLabelValues("video_creation")))

	before = testutil.ToFloat64(JobsCompleted.WithLabelValues("video_creation"))
	ObserveJob("video_creation", true, time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(JobsCompleted.WithLabelValues("video_creation")))
}

func TestObserveStaleSkipsOutcomeCounters(t *testing.T) {
	completed := testutil.ToFloat64(JobsCompleted.WithLabelValues("music_composition"))
	failed := testutil.ToFloat64(JobsFailed.WithLabelValues("music_composition"))
	stale := testutil.ToFloat64(StaleResults)

	ObserveStale("music_composition", time.Second)
	require.Equal(t, completed, testutil.ToFloat64(JobsCompleted.WithLabelValues("music_composition")))
	require.Equal(t, failed, testutil.ToFloat64(JobsFailed.WithLabelValues("music_composition")))
	require.Equal(t, stale+1, testutil.ToFloat64(StaleResults))
}

func TestObserveHandoffLabels(t *testing.T) {
	ObserveHandoff("local", nil)
	ObserveHandoff("local", errors.New("timeout"))
	require.GreaterOrEqual(t, testutil.ToFloat64(HandoffSubmits.WithLabelValues("local", "ok")), 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(HandoffSubmits.WithLabelValues("local", "error")), 1.0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	Register()
	Register()
	JobsCancelled.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "jobs_cancelled_total"))
}
