package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	m := NewMetrics("")
	m.RecordRun("crypto_data_pipeline", "success", 1.5, 10, 8, 2, 2, 1700000000)
	m.RecordRun("crypto_data_pipeline", "failure", 0.2, 0, 0, 0, 3, 1700000100)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("crypto_data_pipeline", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("crypto_data_pipeline", "failure")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.RecordsProcessed.WithLabelValues("written")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.APICalls))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(m.LastSuccess))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun("d", "success", 1, 1, 1, 0, 1, 1)
	m.RecordAlert("log", nil)
}

func TestRouter(t *testing.T) {
	m := NewMetrics("test")
	m.RecordAlert("webhook", errors.New("boom"))

	srv := httptest.NewServer(NewRouter(m, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzReportsFailure(t *testing.T) {
	srv := httptest.NewServer(NewRouter(NewMetrics("test"), func(context.Context) error {
		return errors.New("sink down")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
