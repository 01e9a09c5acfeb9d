package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	serve := func(h http.Handler, path string, header string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set(DefaultTokenHeader, header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("disabled without token", func(t *testing.T) {
		h := TokenAuth("", "")(ok)
		assert.Equal(t, http.StatusTeapot, serve(h, "/api/sources/", ""))
	})

	h := TokenAuth("secret", "")(ok)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is open", "/api/health", "", http.StatusTeapot},
		{"non api is open", "/", "", http.StatusTeapot},
		{"missing token", "/api/sources/", "", http.StatusUnauthorized},
		{"wrong token", "/api/sources/", "nope", http.StatusUnauthorized},
		{"header token", "/api/sources/", "secret", http.StatusTeapot},
		{"query token", "/api/ws?token=secret", "", http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(h, tt.path, tt.header))
		})
	}
}
