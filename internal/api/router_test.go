package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func named(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(name))
	}
}

// header marks requests that passed through a middleware.
func header(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Passed", key)
			next.ServeHTTP(w, r)
		})
	}
}

func testHandlers() HandlerSet {
	return HandlerSet{
		Live:              named("live"),
		Ready:             named("ready"),
		Logout:            named("logout"),
		AuthMiddleware:    header("auth"),
		GetMe:             named("me"),
		PatchPreferences:  named("prefs"),
		ListMemories:      named("list"),
		CreateMemory:      named("create"),
		GetMemory:         named("get"),
		UpdateMemory:      named("update"),
		DeleteMemory:      named("delete"),
		SearchMemories:    named("search"),
		MemoryContext:     named("context"),
		CountMemories:     named("count"),
		DeleteMemoriesTag: named("delete-by-tag"),
		ReindexMemories:   named("reindex"),
		ConversationTurns: named("turns"),
		TrimTurns:         named("trim"),
		ListAuditLogs:     named("audit"),
		Session:           named("session"),

		RequireScan:         header("scan-cap"),
		RequireMasterConfig: header("master-cap"),
		EcosystemScan:       named("scan"),
		GetMasterConfig:     named("master-get"),
		PatchMasterConfig:   named("master-patch"),
	}
}

func TestRouter_Routes(t *testing.T) {
	r := NewRouter(RouterConfig{}, testHandlers())

	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/health/live", "live"},
		{http.MethodGet, "/health/ready", "ready"},
		{http.MethodGet, "/ws/session", "session"},
		{http.MethodPost, "/api/v1/auth/logout", "logout"},
		{http.MethodGet, "/api/v1/me", "me"},
		{http.MethodPatch, "/api/v1/me/preferences", "prefs"},
		{http.MethodGet, "/api/v1/me/audit", "audit"},
		{http.MethodGet, "/api/v1/memories", "list"},
		{http.MethodPost, "/api/v1/memories", "create"},
		{http.MethodPost, "/api/v1/memories/search", "search"},
		{http.MethodGet, "/api/v1/memories/context?q=hi", "context"},
		{http.MethodGet, "/api/v1/memories/count", "count"},
		{http.MethodPost, "/api/v1/memories/reindex", "reindex"},
		{http.MethodDelete, "/api/v1/memories?tag=x", "delete-by-tag"},
		{http.MethodGet, "/api/v1/memories/0b8e2a4c-6c1f-4a53-9f43-0d5a3b8f1c11", "get"},
		{http.MethodPatch, "/api/v1/memories/0b8e2a4c-6c1f-4a53-9f43-0d5a3b8f1c11", "update"},
		{http.MethodDelete, "/api/v1/memories/0b8e2a4c-6c1f-4a53-9f43-0d5a3b8f1c11", "delete"},
		{http.MethodGet, "/api/v1/conversations/0b8e2a4c-6c1f-4a53-9f43-0d5a3b8f1c11/turns", "turns"},
		{http.MethodPost, "/api/v1/conversations/trim?keep=10", "trim"},
		{http.MethodPost, "/api/v1/admin/ecosystem/scan", "scan"},
		{http.MethodGet, "/api/v1/admin/master-config", "master-get"},
		{http.MethodPatch, "/api/v1/admin/master-config", "master-patch"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Body.String())
		})
	}
}

func TestRouter_AuthGuardsAPIButNotHealth(t *testing.T) {
	r := NewRouter(RouterConfig{}, testHandlers())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/me", nil))
	assert.Contains(t, rec.Header().Values("X-Passed"), "auth")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Empty(t, rec.Header().Values("X-Passed"))
}

func TestRouter_AdminCapabilities(t *testing.T) {
	h := testHandlers()
	h.RequireScan = forbidden
	h.RequireMasterConfig = header("master")
	r := NewRouter(RouterConfig{}, h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/ecosystem/scan", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/master-config", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Values("X-Passed"), "master")
}

func TestRouter_AdminRoutesDenyWithoutGuard(t *testing.T) {
	h := testHandlers()
	h.RequireScan = nil
	h.RequireMasterConfig = nil
	r := NewRouter(RouterConfig{}, h)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/v1/admin/ecosystem/scan", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/admin/master-config", nil),
		httptest.NewRequest(http.MethodPatch, "/api/v1/admin/master-config", nil),
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, req.Method+" "+req.URL.Path)
	}
}

func TestRouter_RateLimiters(t *testing.T) {
	r := NewRouter(RouterConfig{
		APIRateLimiter:     header("api-limit"),
		SessionRateLimiter: header("session-limit"),
	}, testHandlers())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/session", nil))
	assert.Equal(t, []string{"auth", "session-limit"}, rec.Header().Values("X-Passed"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil))
	assert.Equal(t, []string{"auth", "api-limit"}, rec.Header().Values("X-Passed"))
}
