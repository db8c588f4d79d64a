package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, name)
	})
}

func TestNewRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "router_test_total"}))
	h := newRouter(named("broker"), named("resource"), "/mcp", reg)

	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/authorize", "broker"},
		{http.MethodGet, "/consent", "broker"},
		{http.MethodPost, "/consent/approve", "broker"},
		{http.MethodPost, "/consent/deny", "broker"},
		{http.MethodGet, "/callback", "broker"},
		{http.MethodPost, "/token", "broker"},
		{http.MethodGet, "/.well-known/oauth-authorization-server", "broker"},
		{http.MethodPost, "/mcp", "resource"},
		{http.MethodGet, "/.well-known/oauth-protected-resource", "resource"},
		{http.MethodGet, "/.well-known/oauth-protected-resource/mcp", "resource"},
		{http.MethodGet, "/healthz", "ok"},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		require.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.Equal(t, tc.want, rec.Body.String(), tc.path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_test_total")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
