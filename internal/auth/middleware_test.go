package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) Audit(_ context.Context, _ uuid.UUID, action string, _ *uuid.UUID, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func setupService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(NewJWTManager(testSecret, "companion", time.Hour), client), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_BearerAndQueryToken(t *testing.T) {
	svc, _ := setupService(t)
	owner := uuid.New()
	token, err := svc.Issue(context.Background(), owner, nil)
	require.NoError(t, err)

	var seen uuid.UUID
	h := Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, owner, seen)

	req = httptest.NewRequest("GET", "/ws/session?access_token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_RejectsMissingAndRevoked(t *testing.T) {
	svc, _ := setupService(t)
	owner := uuid.New()
	token, err := svc.Issue(context.Background(), owner, nil)
	require.NoError(t, err)

	h := Middleware(svc)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, svc.RevokeAll(context.Background(), owner.String()))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_RedisDownFailsClosed(t *testing.T) {
	svc, mr := setupService(t)
	token, err := svc.Issue(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	mr.Close()

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	Middleware(svc)(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireCapability(t *testing.T) {
	svc, _ := setupService(t)
	auditor := &recordingAuditor{}
	h := Middleware(svc)(RequireCapability(CapabilityEcosystemScan, auditor)(okHandler()))

	plain, err := svc.Issue(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	privileged, err := svc.Issue(context.Background(), uuid.New(), []string{CapabilityEcosystemScan})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/v1/admin/ecosystem/scan", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, auditor.actions)

	req = httptest.NewRequest("POST", "/api/v1/admin/ecosystem/scan", nil)
	req.Header.Set("Authorization", "Bearer "+privileged)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"capability.used"}, auditor.actions)
}

func TestOwnerRateKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, OwnerRateKey(req))

	owner := uuid.New()
	req = req.WithContext(WithClaims(req.Context(), &AccessClaims{UserID: owner.String()}))
	assert.Equal(t, owner.String(), OwnerRateKey(req))
}
