package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/canxin121/opencode-studio-sub001/internal/server"
)

var _ = Describe("Server Integration", func() {
	var srv *server.Server

	BeforeEach(func() {
		srv = server.NewTestServer(GinkgoT())
	})

	Describe("GET /health", func() {
		It("reports ok with the agent marked unreachable", func() {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rr := httptest.NewRecorder()
			srv.Router().ServeHTTP(rr, req)

			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(ContainSubstring(`"openCodeRunning":false`))
		})
	})

	Describe("document hub round trip", func() {
		It("accepts a PUT with a fresh If-Match and serves it back on GET", func() {
			putReq := httptest.NewRequest(http.MethodPut, "/api/ui/terminal/state/", strings.NewReader("{}"))
			putReq.Header.Set("If-Match", "0")
			putRR := httptest.NewRecorder()
			srv.Router().ServeHTTP(putRR, putReq)
			Expect(putRR.Code).To(Equal(http.StatusOK))

			getReq := httptest.NewRequest(http.MethodGet, "/api/ui/terminal/state/", nil)
			getRR := httptest.NewRecorder()
			srv.Router().ServeHTTP(getRR, getReq)
			Expect(getRR.Code).To(Equal(http.StatusOK))
			Expect(getRR.Body.String()).To(ContainSubstring(`"version":1`))
		})

		It("rejects a stale If-Match with a version conflict", func() {
			first := httptest.NewRequest(http.MethodPut, "/api/config/settings/", strings.NewReader("{}"))
			first.Header.Set("If-Match", "0")
			firstRR := httptest.NewRecorder()
			srv.Router().ServeHTTP(firstRR, first)
			Expect(firstRR.Code).To(Equal(http.StatusOK))

			stale := httptest.NewRequest(http.MethodPut, "/api/config/settings/", strings.NewReader("{}"))
			stale.Header.Set("If-Match", "0")
			staleRR := httptest.NewRecorder()
			srv.Router().ServeHTTP(staleRR, stale)
			Expect(staleRR.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("GET /api/session-activity without auth required", func() {
		It("serves requests without a session when auth is disabled", func() {
			// auth is disabled in the default test fixture, so a request
			// carrying no session cookie reaches the activity route.
			req := httptest.NewRequest(http.MethodGet, "/api/session-activity", nil)
			rr := httptest.NewRecorder()
			srv.Router().ServeHTTP(rr, req)
			Expect(rr.Code).To(Equal(http.StatusOK))
		})
	})
})
