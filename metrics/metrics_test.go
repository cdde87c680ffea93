package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/getyourguide/extproc-enricher/api"
	"github.com/getyourguide/extproc-enricher/enrich"
	"github.com/getyourguide/extproc-enricher/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg)

	r.Dispatched(api.RequestPath, nil)
	r.Dispatched(api.RequestPath, nil)
	r.Dispatched(api.ResponsePath, errors.New("unknown endpoint"))
	r.Resolved(api.RequestPath, enrich.OutcomeCompleted, 20*time.Millisecond)
	r.Resolved(api.RequestPath, enrich.OutcomeProtocolMismatch, 5*time.Millisecond)
	r.Ignored(enrich.OutcomeUnknownHandle)

	require.Equal(t, float64(2), testutil.ToFloat64(r.DispatchTotal.WithLabelValues("REQUEST_PATH", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.DispatchTotal.WithLabelValues("RESPONSE_PATH", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.CompletionTotal.WithLabelValues("REQUEST_PATH", "completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.CompletionTotal.WithLabelValues("REQUEST_PATH", "protocol_mismatch")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.IgnoredTotal.WithLabelValues("unknown_handle")))
	require.Equal(t, 1, testutil.CollectAndCount(r.CallDuration))
}

func TestExposure(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg)
	r.Dispatched(api.RequestPath, nil)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := new(strings.Builder)
	_, err = io.Copy(body, res.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), `enricher_dispatch_total{direction="REQUEST_PATH",result="ok"} 1`)
}
