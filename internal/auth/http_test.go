// ABOUTME: Tests for token extraction and the HTTP auth middleware.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToken(t *testing.T) {
	newReq := func(header, query string) *http.Request {
		url := "/ws"
		if query != "" {
			url += "?token=" + query
		}
		r := httptest.NewRequest(http.MethodGet, url, nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	token, errMsg := ExtractToken(newReq("Bearer abc", ""))
	assert.Empty(t, errMsg)
	assert.Equal(t, "abc", token)

	token, errMsg = ExtractToken(newReq("", "xyz"))
	assert.Empty(t, errMsg)
	assert.Equal(t, "xyz", token)

	// Header takes precedence over query
	token, errMsg = ExtractToken(newReq("Bearer abc", "xyz"))
	assert.Empty(t, errMsg)
	assert.Equal(t, "abc", token)

	_, errMsg = ExtractToken(newReq("", ""))
	assert.Equal(t, "missing credentials", errMsg)

	_, errMsg = ExtractToken(newReq("Basic abc", ""))
	assert.Equal(t, "invalid authorization header format", errMsg)
}

func TestMiddleware_AttachesIdentity(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	token, err := v.Generate("user-1", "Ada", time.Hour)
	require.NoError(t, err)

	var seen *Identity
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.UserID)
	assert.Equal(t, "Ada", seen.DisplayName)
}

func TestMiddleware_RejectsBadToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
