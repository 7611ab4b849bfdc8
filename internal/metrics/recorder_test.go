package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.VersionWritten("created", "widget")
	r.VersionWritten("created", "widget")
	r.VersionWritten("deleted", "widget")
	r.WriteFailed("widget")
	r.ObserveQuery("list_versions_of", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(r.VersionsWritten.WithLabelValues("created", "widget")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.VersionsWritten.WithLabelValues("deleted", "widget")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.WriteFailures.WithLabelValues("widget")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.QueryDuration))
}

func TestRecorderRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)

	_, err = NewRecorder(reg)
	assert.Error(t, err)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.VersionWritten("created", "widget")
		r.WriteFailed("widget")
		r.ObserveQuery("latest_version", time.Now())
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)
	r.VersionWritten("updated", "gadget")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `versions_written_total{event="updated",item_type="gadget"} 1`))
}
