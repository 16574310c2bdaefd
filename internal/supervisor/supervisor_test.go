package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeConnectHostnameRewritesBindAddresses(t *testing.T) {
	assert.Equal(t, "127.0.0.1", normalizeConnectHostname("0.0.0.0"))
	assert.Equal(t, "::1", normalizeConnectHostname("::"))
	assert.Equal(t, "::1", normalizeConnectHostname("[::]"))
	assert.Equal(t, "localhost", normalizeConnectHostname("localhost"))
}

func TestFormatHTTPBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:4097", formatHTTPBaseURL("0.0.0.0", 4097))
	assert.Equal(t, "http://[::1]:4097", formatHTTPBaseURL("::", 4097))
	assert.Equal(t, "http://example.internal:4097", formatHTTPBaseURL("example.internal", 4097))
}

func TestBridgeBuildURLForwardsQuery(t *testing.T) {
	b := Bridge{BaseURL: "http://127.0.0.1:4097/"}
	assert.Equal(t, "http://127.0.0.1:4097/session", b.BuildURL("/session", ""))
	assert.Equal(t, "http://127.0.0.1:4097/session?directory=%2Ftmp", b.BuildURL("/session", "directory=%2Ftmp"))
}

func TestStatusReflectsConfiguredPort(t *testing.T) {
	s := New("127.0.0.1", 4097, true, "INFO", false)
	status := s.Status()
	assert.Equal(t, 4097, status.Port)
	assert.False(t, status.Restarting)
}

func TestStartIfNeededNoOpsWhenSkipStart(t *testing.T) {
	s := New("127.0.0.1", 0, true, "INFO", false)
	assert.NoError(t, s.StartIfNeeded(nil))
}
