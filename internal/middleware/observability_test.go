package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bizmsg/internal/metrics"
	"bizmsg/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func newRouter(logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(Observability(logger))
	router.HandleFunc("/v1/messages/{clientId}", func(w http.ResponseWriter, r *http.Request) {
		if tracing.GetRequestID(r.Context()) == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
	router.HandleFunc("/v1/sync", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusConflict)
	}).Methods(http.MethodPost)
	return router
}

func TestObservability_RouteTemplateAndRequestID(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logBuffer)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)

	counter := metrics.HTTPRequests.WithLabelValues(http.MethodDelete, "/v1/messages/{clientId}", "2xx")
	before := counterValue(t, counter)

	req := httptest.NewRequest(http.MethodDelete, "/v1/messages/local_abc", nil)
	w := httptest.NewRecorder()
	newRouter(logger).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get(RequestIDHeader), "req_"))
	assert.Equal(t, before+1, counterValue(t, counter))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(logBuffer.Bytes(), &entry))
	assert.Equal(t, "/v1/messages/{clientId}", entry["route"])
	assert.Equal(t, float64(http.StatusNoContent), entry["status_code"])
	assert.Equal(t, w.Header().Get(RequestIDHeader), entry["request_id"])
	assert.NotContains(t, logBuffer.String(), "local_abc")
}

func TestObservability_PropagatesIncomingRequestID(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
	req.Header.Set(RequestIDHeader, "req_from_cli")
	w := httptest.NewRecorder()

	counter := metrics.HTTPRequests.WithLabelValues(http.MethodPost, "/v1/sync", "4xx")
	before := counterValue(t, counter)

	newRouter(logger).ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "req_from_cli", w.Header().Get(RequestIDHeader))
	assert.Equal(t, before+1, counterValue(t, counter))
}

func TestResponseWrapper(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapper := &responseWrapper{ResponseWriter: rec, statusCode: http.StatusOK}

	wrapper.WriteHeader(http.StatusAccepted)
	wrapper.WriteHeader(http.StatusInternalServerError)
	n, err := wrapper.Write([]byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusAccepted, wrapper.statusCode)
	assert.Equal(t, int64(5), wrapper.responseSize)
}

func TestRouteTemplate_Unmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "unmatched", routeTemplate(req))
}
