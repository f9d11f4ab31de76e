package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/aiox-platform/companion/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Health probes
	Live  http.HandlerFunc
	Ready http.HandlerFunc

	// Auth
	Logout         http.HandlerFunc
	AuthMiddleware func(http.Handler) http.Handler

	// Identity
	GetMe            http.HandlerFunc
	PatchPreferences http.HandlerFunc

	// Memory
	ListMemories      http.HandlerFunc
	CreateMemory      http.HandlerFunc
	GetMemory         http.HandlerFunc
	UpdateMemory      http.HandlerFunc
	DeleteMemory      http.HandlerFunc
	SearchMemories    http.HandlerFunc
	MemoryContext     http.HandlerFunc
	CountMemories     http.HandlerFunc
	DeleteMemoriesTag http.HandlerFunc
	ReindexMemories   http.HandlerFunc

	// Conversation history
	ConversationTurns http.HandlerFunc
	TrimTurns         http.HandlerFunc

	// Audit trail of the caller
	ListAuditLogs http.HandlerFunc

	// Voice session websocket
	Session http.HandlerFunc

	// Admin routes. Each middleware enforces one capability.
	RequireScan         func(http.Handler) http.Handler
	RequireMasterConfig func(http.Handler) http.Handler
	EcosystemScan       http.HandlerFunc
	GetMasterConfig     http.HandlerFunc
	PatchMasterConfig   http.HandlerFunc
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// APIRateLimiter bounds authenticated API calls per owner.
	APIRateLimiter func(http.Handler) http.Handler
	// SessionRateLimiter bounds websocket session starts per owner.
	SessionRateLimiter func(http.Handler) http.Handler
}

func passthrough(next http.Handler) http.Handler { return next }

func orPassthrough(m func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m == nil {
		return passthrough
	}
	return m
}

func forbidden(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HandleError(w, ErrForbidden)
	})
}

// orForbidden guards privileged routes: a missing guard denies.
func orForbidden(m func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m == nil {
		return forbidden
	}
	return m
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)
	r.Get("/health", h.Ready)

	r.Handle("/metrics", promhttp.Handler())

	// Websocket session. Auth runs before the upgrade.
	r.Group(func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(orPassthrough(cfg.SessionRateLimiter))
		r.Get("/ws/session", h.Session)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Use(orPassthrough(cfg.APIRateLimiter))

		r.Post("/auth/logout", h.Logout)

		r.Route("/me", func(r chi.Router) {
			r.Get("/", h.GetMe)
			r.Patch("/preferences", h.PatchPreferences)
			r.Get("/audit", h.ListAuditLogs)
		})

		r.Route("/memories", func(r chi.Router) {
			r.Get("/", h.ListMemories)
			r.Post("/", h.CreateMemory)
			r.Post("/search", h.SearchMemories)
			r.Get("/context", h.MemoryContext)
			r.Get("/count", h.CountMemories)
			r.Post("/reindex", h.ReindexMemories)
			r.Delete("/", h.DeleteMemoriesTag)

			r.Route("/{memoryID}", func(r chi.Router) {
				r.Get("/", h.GetMemory)
				r.Patch("/", h.UpdateMemory)
				r.Delete("/", h.DeleteMemory)
			})
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/{conversationID}/turns", h.ConversationTurns)
			r.Post("/trim", h.TrimTurns)
		})

		r.Route("/admin", func(r chi.Router) {
			r.With(orForbidden(h.RequireScan)).Post("/ecosystem/scan", h.EcosystemScan)
			r.Route("/master-config", func(r chi.Router) {
				r.Use(orForbidden(h.RequireMasterConfig))
				r.Get("/", h.GetMasterConfig)
				r.Patch("/", h.PatchMasterConfig)
			})
		})
	})

	return r
}
