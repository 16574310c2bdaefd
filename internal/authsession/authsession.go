// Package authsession implements the studio's own UI session authentication:
// an optional password gate in front of the control-plane HTTP surface,
// issued as both an HTTP-only cookie and a bearer token, with login
// rate-limiting and CSRF origin enforcement for cookie-authenticated
// unsafe-method requests.
package authsession

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/canxin121/opencode-studio-sub001/internal/logging"
)

const (
	cookieName = "oc_ui_session"

	sessionTTL      = 12 * time.Hour
	cleanupInterval = 10 * time.Minute

	loginFailureWindow = 10 * time.Minute
	loginFailureLimit  = 8
	loginLockoutPeriod = 15 * time.Minute
)

// Manager gates the HTTP surface behind a single shared password. A
// Manager with no password configured is permanently disabled: every
// request passes through unauthenticated.
type Manager struct {
	enabled      bool
	passwordHash []byte

	// CookieSameSite is the SameSite mode used for the session cookie.
	// SameSite=None forces Secure regardless of request scheme.
	CookieSameSite http.SameSite

	// AllowedOrigins is the CORS allowlist consulted for CSRF enforcement
	// on cookie-authenticated unsafe-method requests. Same-host origins
	// are always accepted regardless of this list.
	AllowedOrigins []string

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	attempts map[string]*loginAttempt
}

type sessionRecord struct {
	lastSeen time.Time
}

type loginAttempt struct {
	windowStarted time.Time
	failures      int
	lockedUntil   time.Time // zero means not locked
}

// New builds a Manager. An empty password disables authentication
// entirely, matching the upstream behavior of treating auth as opt-in.
func New(password string, cookieSameSite http.SameSite, allowedOrigins []string) (*Manager, error) {
	password = strings.TrimSpace(password)
	m := &Manager{
		CookieSameSite: cookieSameSite,
		AllowedOrigins: allowedOrigins,
		sessions:       make(map[string]*sessionRecord),
		attempts:       make(map[string]*loginAttempt),
	}
	if password == "" {
		return m, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	m.enabled = true
	m.passwordHash = hash
	return m, nil
}

// Enabled reports whether a password has been configured.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// StartCleanup runs a background sweep of expired sessions and stale login
// attempt records until stop is closed. Mirrors the 10-minute cleanup
// ticker the Rust original runs for the same bookkeeping.
func (m *Manager) StartCleanup(stop <-chan struct{}) {
	if !m.enabled {
		return
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *Manager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, rec := range m.sessions {
		if now.Sub(rec.lastSeen) > sessionTTL {
			delete(m.sessions, token)
		}
	}
	for key, att := range m.attempts {
		if !att.lockedUntil.IsZero() && att.lockedUntil.After(now) {
			continue
		}
		if att.failures == 0 || now.Sub(att.windowStarted) > loginFailureWindow {
			delete(m.attempts, key)
		}
	}
}

func issueToken() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		logging.Error().Err(err).Msg("authsession: failed to read random bytes for session token")
	}
	return hex.EncodeToString(buf[:])
}

func (m *Manager) isSessionValid(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[token]
	if !ok {
		return false
	}
	if now.Sub(rec.lastSeen) > sessionTTL {
		delete(m.sessions, token)
		return false
	}
	rec.lastSeen = now
	return true
}

// lockoutRemaining returns the remaining lockout duration for key, or 0 if
// not currently locked. It also rolls the failure window forward when it
// has expired.
func (m *Manager) lockoutRemaining(key string, now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	att, ok := m.attempts[key]
	if !ok {
		return 0
	}
	if !att.lockedUntil.IsZero() {
		if att.lockedUntil.After(now) {
			return att.lockedUntil.Sub(now)
		}
		att.windowStarted = now
		att.failures = 0
		att.lockedUntil = time.Time{}
		return 0
	}
	if now.Sub(att.windowStarted) > loginFailureWindow {
		att.windowStarted = now
		att.failures = 0
	}
	return 0
}

// recordFailure registers a failed login attempt for key and returns the
// lockout duration just imposed, or 0 if the account is not yet locked.
func (m *Manager) recordFailure(key string, now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	att, ok := m.attempts[key]
	if !ok {
		att = &loginAttempt{windowStarted: now}
		m.attempts[key] = att
	}
	if now.Sub(att.windowStarted) > loginFailureWindow {
		att.windowStarted = now
		att.failures = 0
		att.lockedUntil = time.Time{}
	}

	att.failures++
	if att.failures < loginFailureLimit {
		return 0
	}
	att.lockedUntil = now.Add(loginLockoutPeriod)
	return loginLockoutPeriod
}

func (m *Manager) clearFailures(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
}

// errorBody mirrors the original's auth error payload shape.
type errorBody struct {
	Error            string `json:"error"`
	Locked           *bool  `json:"locked,omitempty"`
	Code             string `json:"code,omitempty"`
	RetryAfterSecond int64  `json:"retryAfterSeconds,omitempty"`
}

func writeAuthError(w http.ResponseWriter, status int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func boolPtr(b bool) *bool { return &b }

func (m *Manager) setSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure || m.CookieSameSite == http.SameSiteNoneMode,
		SameSite: m.CookieSameSite,
		Expires:  time.Now().Add(sessionTTL),
		MaxAge:   int(sessionTTL.Seconds()),
	})
}

func (m *Manager) clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure || m.CookieSameSite == http.SameSiteNoneMode,
		SameSite: m.CookieSameSite,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		return false
	}
	first := strings.TrimSpace(strings.Split(proto, ",")[0])
	return strings.EqualFold(first, "https")
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	fields := strings.Fields(raw)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "bearer") {
		return ""
	}
	return fields[1]
}

func cookieToken(r *http.Request) string {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// StatusResponse serves GET /auth/session: reports whether the caller is
// already authenticated via header or cookie, without requiring a
// password.
func (m *Manager) StatusResponse(w http.ResponseWriter, r *http.Request) {
	if !m.enabled {
		writeJSONStatus(w, true, boolPtr(true), "")
		return
	}

	if token := bearerToken(r); m.isSessionValid(token) {
		writeJSONStatus(w, true, nil, "")
		return
	}
	if token := cookieToken(r); m.isSessionValid(token) {
		writeJSONStatus(w, true, nil, "")
		return
	}

	m.clearSessionCookie(w, isSecureRequest(r))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(struct {
		Authenticated bool `json:"authenticated"`
		Locked        bool `json:"locked"`
	}{false, true})
}

func writeJSONStatus(w http.ResponseWriter, authenticated bool, disabled *bool, token string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Authenticated bool   `json:"authenticated"`
		Disabled      *bool  `json:"disabled,omitempty"`
		Token         string `json:"token,omitempty"`
	}{authenticated, disabled, token})
}

// createSessionBody is the expected POST /auth/session payload.
type createSessionBody struct {
	Password string `json:"password"`
}

// CreateSession serves POST /auth/session: validates the submitted
// password, applies rate-limiting, and on success issues a fresh session
// (rotating out any session token the caller's cookie already carried).
func (m *Manager) CreateSession(w http.ResponseWriter, r *http.Request) {
	if !m.enabled {
		writeAuthError(w, http.StatusBadRequest, errorBody{
			Error: "UI password not configured",
			Code:  "auth_disabled",
		})
		return
	}

	var body createSessionBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	candidate := strings.TrimSpace(body.Password)

	secure := isSecureRequest(r)
	key := loginAttemptKey(r)
	now := time.Now()

	if remaining := m.lockoutRemaining(key, now); remaining > 0 {
		m.clearSessionCookie(w, secure)
		writeAuthError(w, http.StatusTooManyRequests, rateLimitError(remaining))
		return
	}

	if err := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(candidate)); err != nil {
		m.clearSessionCookie(w, secure)
		if remaining := m.recordFailure(key, now); remaining > 0 {
			writeAuthError(w, http.StatusTooManyRequests, rateLimitError(remaining))
			return
		}
		writeAuthError(w, http.StatusUnauthorized, errorBody{
			Error:  "Invalid password",
			Locked: boolPtr(true),
			Code:   "auth_invalid_password",
		})
		return
	}

	m.clearFailures(key)

	if previous := cookieToken(r); previous != "" {
		m.mu.Lock()
		delete(m.sessions, previous)
		m.mu.Unlock()
	}

	token := issueToken()
	m.mu.Lock()
	m.sessions[token] = &sessionRecord{lastSeen: now}
	m.mu.Unlock()

	m.setSessionCookie(w, token, secure)
	writeJSONStatus(w, true, nil, token)
}

func rateLimitError(remaining time.Duration) errorBody {
	seconds := int64(remaining.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return errorBody{
		Error:            "Too many failed login attempts, try again later",
		Locked:           boolPtr(true),
		Code:             "auth_rate_limited",
		RetryAfterSecond: seconds,
	}
}

// loginAttemptKey derives a best-effort client identity for rate-limiting,
// preferring forwarding headers in the order a reverse proxy is most
// likely to set them, then falling back to User-Agent and finally a
// shared anonymous bucket.
func loginAttemptKey(r *http.Request) string {
	if v := normalizeClientKey(firstCSVField(r.Header.Get("X-Forwarded-For"))); v != "" {
		return "xff:" + v
	}
	if v := normalizeClientKey(r.Header.Get("X-Real-Ip")); v != "" {
		return "xri:" + v
	}
	if v := normalizeClientKey(parseForwardedFor(r.Header.Get("Forwarded"))); v != "" {
		return "fwd:" + v
	}
	if v := normalizeClientKey(r.Header.Get("User-Agent")); v != "" {
		return "ua:" + v
	}
	return "anonymous"
}

func firstCSVField(raw string) string {
	return strings.Split(raw, ",")[0]
}

func normalizeClientKey(raw string) string {
	v := strings.Trim(strings.TrimSpace(raw), `"`)
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") && strings.HasSuffix(v, "]") && len(v) > 2 {
		v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	}
	if v == "" {
		return ""
	}
	if len(v) > 128 {
		v = v[:128]
	}
	return v
}

// parseForwardedFor extracts the first "for=" parameter out of an RFC 7239
// Forwarded header.
func parseForwardedFor(raw string) string {
	for _, entry := range strings.Split(raw, ",") {
		for _, kv := range strings.Split(entry, ";") {
			part := strings.TrimSpace(kv)
			rest, ok := strings.CutPrefix(part, "for=")
			if !ok {
				continue
			}
			value := strings.Trim(strings.TrimSpace(rest), `"`)
			if strings.HasPrefix(value, "[") {
				if end := strings.Index(value, "]"); end >= 0 {
					value = value[1:end]
				}
			}
			if value != "" {
				return value
			}
		}
	}
	return ""
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// normalizeOrigin validates and canonicalizes an Origin header value down
// to scheme://host[:port].
func normalizeOrigin(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return "", false
	}
	u, err := url.Parse(trimmed)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

func originMatchesHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := strings.ToLower(strings.TrimSpace(u.Host))
	hostTrimmed := strings.ToLower(strings.TrimSpace(host))
	if originHost == "" || hostTrimmed == "" {
		return false
	}
	return originHost == hostTrimmed
}

func (m *Manager) isAllowedOrigin(r *http.Request) bool {
	origin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}
	for _, allowed := range m.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	if host := r.Header.Get("Host"); host != "" {
		return originMatchesHost(origin, host)
	}
	if r.Host != "" {
		return originMatchesHost(origin, r.Host)
	}
	return false
}

// Middleware gates every wrapped request behind a valid session. A header
// token is checked first and, being never sent automatically by a
// browser, is exempt from CSRF enforcement; a cookie token falls back to
// Origin-allowlist enforcement on unsafe methods.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if token := bearerToken(r); m.isSessionValid(token) {
			next.ServeHTTP(w, r)
			return
		}

		if token := cookieToken(r); m.isSessionValid(token) {
			if !isSafeMethod(r.Method) &&
				(m.CookieSameSite == http.SameSiteNoneMode || len(m.AllowedOrigins) > 0) &&
				!m.isAllowedOrigin(r) {
				writeAuthError(w, http.StatusForbidden, errorBody{
					Error: "Request origin not allowed",
					Code:  "csrf_origin_forbidden",
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		m.clearSessionCookie(w, isSecureRequest(r))
		writeAuthError(w, http.StatusUnauthorized, errorBody{
			Error:  "UI authentication required",
			Locked: boolPtr(true),
			Code:   "auth_required",
		})
	})
}
