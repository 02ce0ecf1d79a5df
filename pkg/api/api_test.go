package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ctfd/pkg/config"
	"github.com/cuemby/ctfd/pkg/orchestrator"
)

func TestSourceIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")
	assert.Equal(t, "203.0.113.9", sourceIP(r))
}

func TestSourceIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", sourceIP(r))
}

func TestIsLoopbackTrueForLocalhost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:9999"
	assert.True(t, isLoopback(r))
}

func TestIsLoopbackFalseForPublicIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:9999"
	assert.False(t, isLoopback(r))
}

func TestIsAdminAcceptsQueryKeyMatch(t *testing.T) {
	s := &Server{cfg: &config.Config{AdminKey: "topsecret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/status?admin_key=topsecret", nil)
	r.RemoteAddr = "203.0.113.9:9999"
	assert.True(t, s.isAdmin(r))
}

func TestIsAdminRejectsWrongKey(t *testing.T) {
	s := &Server{cfg: &config.Config{AdminKey: "topsecret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/status?admin_key=wrong", nil)
	r.RemoteAddr = "203.0.113.9:9999"
	assert.False(t, s.isAdmin(r))
}

func TestIsAdminAllowsLoopbackWithoutKey(t *testing.T) {
	s := &Server{cfg: &config.Config{AdminKey: "topsecret"}}
	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	r.RemoteAddr = "127.0.0.1:9999"
	assert.True(t, s.isAdmin(r))
}

func TestEnsureUserCookieIssuesNewOnFirstVisit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	id := ensureUserCookie(w, r)
	assert.NotEmpty(t, id)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)
	assert.Equal(t, id, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, "/", cookies[0].Path)
}

func TestEnsureUserCookieReusesExisting(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: cookieName, Value: "existing-id"})
	w := httptest.NewRecorder()

	id := ensureUserCookie(w, r)
	assert.Equal(t, "existing-id", id)
	assert.Empty(t, w.Result().Cookies())
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := &Server{}
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.handleHealth(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.True(t, body["ok"])
}

func TestWriteOrchErrMapsKindsToStatus(t *testing.T) {
	s := &Server{}
	tests := []struct {
		kind orchestrator.Kind
		want int
	}{
		{orchestrator.KindCaptchaInvalid, http.StatusBadRequest},
		{orchestrator.KindRateLimited, http.StatusTooManyRequests},
		{orchestrator.KindQuotaExceeded, http.StatusServiceUnavailable},
		{orchestrator.KindAlreadyOwns, http.StatusBadRequest},
		{orchestrator.KindPortPoolFull, http.StatusServiceUnavailable},
		{orchestrator.KindEngineTransient, http.StatusServiceUnavailable},
		{orchestrator.KindStoreTransient, http.StatusServiceUnavailable},
		{orchestrator.KindEngineFatal, http.StatusInternalServerError},
		{orchestrator.KindNotFound, http.StatusNotFound},
		{orchestrator.KindAdminForbidden, http.StatusForbidden},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.writeOrchErr(w, &orchestrator.Error{Kind: tt.kind, Message: "x"})
		assert.Equal(t, tt.want, w.Code, "kind %v", tt.kind)
	}
}

func TestWriteOrchErrUnknownErrorIsInternal(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.writeOrchErr(w, assertError{"boom"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
