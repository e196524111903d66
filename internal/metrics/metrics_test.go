package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	m := New()
	m.RecordProcess("start", "ok")
	m.RecordProcess("start", "ok")
	m.RecordDelivery("batch", "buffered")
	m.SetRunning(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProcessEvents.WithLabelValues("start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("batch", "buffered")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProcessesRunning))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordProcess("crash", "restarted")
		m.RecordDeadLetter("batch")
		m.RecordSubscriberDropped()
		m.SetRunning(1)
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New()
	m.RecordMerge("merged")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mindd_variant_merges_total")
}
