package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/download/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/download/{id}", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/download/abc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/download/def", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/download/{id}", "404"))

	assert.Equal(t, 2.0, after-before)
}

func TestRecordPermissionCheck(t *testing.T) {
	before := testutil.ToFloat64(permissionChecksTotal.WithLabelValues("read", "denied"))
	RecordPermissionCheck("read", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(permissionChecksTotal.WithLabelValues("read", "denied"))-before)
}

func TestRecordContentDownloadCountsBytesOnSuccess(t *testing.T) {
	before := testutil.ToFloat64(contentBytesDownloaded)
	RecordContentDownload("owner", 100, true)
	RecordContentDownload("owner", 50, false)
	assert.Equal(t, 100.0, testutil.ToFloat64(contentBytesDownloaded)-before)
}
