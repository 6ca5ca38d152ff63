// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header parsing, query token fallback, and identity propagation

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate(Identity{TenantID: "tenant-1", UserID: "user-1"}, time.Hour)
	require.NoError(t, err)

	var got Identity
	var seen bool
	handler := HTTPAuthMiddleware(verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, seen = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		target     string
		header     string
		wantStatus int
	}{
		{"valid header", http.MethodPost, "/api/queue/drain", "Bearer " + token, http.StatusOK},
		{"missing header", http.MethodPost, "/api/queue/drain", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodPost, "/api/queue/drain", "Basic abc", http.StatusUnauthorized},
		{"empty token", http.MethodPost, "/api/queue/drain", "Bearer ", http.StatusUnauthorized},
		{"bad token", http.MethodPost, "/api/queue/drain", "Bearer nope", http.StatusUnauthorized},
		{"query token on GET", http.MethodGet, "/api/events?access_token=" + token, "", http.StatusOK},
		{"query token on POST", http.MethodPost, "/api/queue/drain?access_token=" + token, "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, seen = Identity{}, false
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.True(t, seen)
				assert.Equal(t, Identity{TenantID: "tenant-1", UserID: "user-1"}, got)
			} else {
				assert.False(t, seen)
			}
		})
	}
}
