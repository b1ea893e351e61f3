package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaymesh/relay/internal/api"
	"github.com/stretchr/testify/assert"
)

func TestHealthIsUnauthenticated(t *testing.T) {
	router := api.NewRouter(&api.Server{ClientCertHeader: "x-client-cert"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestQueryEndpointsRequireClientCert(t *testing.T) {
	router := api.NewRouter(&api.Server{ClientCertHeader: "x-client-cert"})

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/query"},
		{http.MethodGet, "/query/3e0c0a76-0d6a-4f8a-9a86-0f6a5a3c2b4d"},
		{http.MethodPost, "/admin/apply"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}
