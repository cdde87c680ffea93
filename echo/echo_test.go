package echo_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getyourguide/extproc-enricher/echo"
	"github.com/stretchr/testify/require"
)

func TestRequestHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("X-Request-Header", "REQ1")
	req.Header.Add("X-Multi", "a")
	req.Header.Add("X-Multi", "b")
	rr := httptest.NewRecorder()

	echo.RequestHeaders(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("content-type"))

	var resp echo.RequestHeaderResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, "example.com", resp.Host)
	require.Equal(t, http.MethodGet, resp.Method)
	require.Equal(t, "REQ1", resp.Header("x-request-header"))
	require.Equal(t, []string{"a", "b"}, resp.Headers["X-Multi"])
	require.Empty(t, resp.Header("x-missing"))
}

func TestResponseHeaders(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantHeader map[string]string
	}{
		{
			name:       "status and headers",
			url:        "http://example.com/response-headers?status=201&X-Test-Response=test-value",
			wantStatus: http.StatusCreated,
			wantHeader: map[string]string{"X-Test-Response": "test-value"},
		},
		{
			name:       "default status",
			url:        "http://example.com/response-headers?X-Response-Header=spoofed",
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{"X-Response-Header": "spoofed"},
		},
		{
			name:       "invalid status",
			url:        "http://example.com/response-headers?status=invalid",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "out of range status",
			url:        "http://example.com/response-headers?status=42",
			wantStatus: http.StatusBadRequest,
		},
	}
	mux := http.NewServeMux()
	echo.Register(mux)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.url, nil))

			require.Equal(t, tc.wantStatus, rr.Code)
			for k, v := range tc.wantHeader {
				require.Equal(t, v, rr.Header().Get(k))
			}
			if tc.wantStatus == http.StatusBadRequest {
				var resp echo.ErrorResponse
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
				require.NotEmpty(t, resp.Error)
			}
		})
	}
}
