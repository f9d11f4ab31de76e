package auth

import (
	"log/slog"
	"net/http"

	"github.com/aiox-platform/companion/internal/api"
)

type Handler struct {
	authSvc *Service
}

func NewHandler(authSvc *Service) *Handler {
	return &Handler{authSvc: authSvc}
}

// Logout revokes every token of the caller.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	if err := h.authSvc.RevokeAll(r.Context(), claims.UserID); err != nil {
		slog.Error("revoking tokens", "error", err, "user_id", claims.UserID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "logged out successfully")
}
