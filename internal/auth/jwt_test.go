package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/spotkeeper/internal/auth"
)

func protected(secret string) http.Handler {
	return auth.Middleware(secret, auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if ok {
			w.Header().Set("X-Subject", claims.Subject)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func call(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/sweeps", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAcceptsOperator(t *testing.T) {
	token, err := auth.Issue("s3cret", "ops-1", auth.RoleOperator, time.Minute)
	require.NoError(t, err)

	rec := call(protected("s3cret"), token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "ops-1", rec.Header().Get("X-Subject"))
}

func TestMiddlewareRejects(t *testing.T) {
	h := protected("s3cret")
	require.Equal(t, http.StatusUnauthorized, call(h, "").Code)
	require.Equal(t, http.StatusUnauthorized, call(h, "garbage").Code)

	wrongKey, err := auth.Issue("other", "ops-1", auth.RoleOperator, time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, call(h, wrongKey).Code)

	driver, err := auth.Issue("s3cret", "u-1", "driver", time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, call(h, driver).Code)

	expired, err := auth.Issue("s3cret", "ops-1", auth.RoleOperator, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, call(h, expired).Code)
}

func TestMiddlewareDisabledWithoutSecret(t *testing.T) {
	require.Equal(t, http.StatusNoContent, call(protected(""), "").Code)
}
