package authsession

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabledManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New("hunter2", http.SameSiteLaxMode, []string{"https://studio.example"})
	require.NoError(t, err)
	require.True(t, m.Enabled())
	return m
}

func TestNewWithEmptyPasswordDisablesAuth(t *testing.T) {
	m, err := New("  ", http.SameSiteLaxMode, nil)
	require.NoError(t, err)
	assert.False(t, m.Enabled())

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	rr := httptest.NewRecorder()
	m.StatusResponse(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCreateSessionWithWrongPasswordFails(t *testing.T) {
	m := newEnabledManager(t)

	body := strings.NewReader(`{"password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/session", body)
	rr := httptest.NewRecorder()
	m.CreateSession(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateSessionWithCorrectPasswordIssuesToken(t *testing.T) {
	m := newEnabledManager(t)

	body := strings.NewReader(`{"password":"hunter2"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/session", body)
	rr := httptest.NewRecorder()
	m.CreateSession(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Authenticated bool   `json:"authenticated"`
		Token         string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Authenticated)
	assert.NotEmpty(t, resp.Token)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
}

func TestCreateSessionLocksOutAfterRepeatedFailures(t *testing.T) {
	m := newEnabledManager(t)

	var lastCode int
	for i := 0; i < loginFailureLimit; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(`{"password":"wrong"}`))
		rr := httptest.NewRecorder()
		m.CreateSession(rr, req)
		lastCode = rr.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)

	// Even the correct password is rejected while locked out.
	req := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(`{"password":"hunter2"}`))
	rr := httptest.NewRecorder()
	m.CreateSession(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestMiddlewareRejectsWithoutSession(t *testing.T) {
	m := newEnabledManager(t)
	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/whatever", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestMiddlewareAllowsBearerTokenWithoutCSRFCheck(t *testing.T) {
	m := newEnabledManager(t)

	createReq := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(`{"password":"hunter2"}`))
	createRR := httptest.NewRecorder()
	m.CreateSession(createRR, createReq)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(createRR.Body.Bytes(), &resp))

	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/whatever", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	req.Header.Set("Origin", "https://untrusted.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareRejectsCookieSessionFromDisallowedOrigin(t *testing.T) {
	m := newEnabledManager(t)

	createReq := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(`{"password":"hunter2"}`))
	createRR := httptest.NewRecorder()
	m.CreateSession(createRR, createReq)
	cookies := createRR.Result().Cookies()
	require.Len(t, cookies, 1)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/whatever", nil)
	req.AddCookie(cookies[0])
	req.Header.Set("Origin", "https://untrusted.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestLoginAttemptKeyPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/session", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "xff:203.0.113.7", loginAttemptKey(req))
}
