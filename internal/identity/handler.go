package identity

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/aiox-platform/companion/internal/api"
	"github.com/aiox-platform/companion/internal/auth"
)

type Handler struct {
	store    Store
	auditor  auth.Auditor
	validate *validator.Validate
}

func NewHandler(store Store, auditor auth.Auditor) *Handler {
	return &Handler{store: store, auditor: auditor, validate: validator.New()}
}

// GetMe returns the caller's profile and preferences.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	user, err := h.store.GetUser(r.Context(), owner)
	if err != nil {
		slog.Error("getting user", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if user == nil {
		user = &User{ID: owner}
	}
	api.JSON(w, http.StatusOK, user)
}

// PatchPreferences applies a typed partial update to the caller's preferences.
func (h *Handler) PatchPreferences(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var patch PreferencesPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(patch); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	user, err := h.store.UpdatePreferences(r.Context(), owner, patch)
	if err != nil {
		slog.Error("updating preferences", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, user)
}

func (h *Handler) GetMasterConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetMasterConfig(r.Context())
	if err != nil {
		slog.Error("getting master config", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, cfg)
}

// PatchMasterConfig must sit behind auth.RequireCapability(auth.CapabilityMasterConfig).
func (h *Handler) PatchMasterConfig(w http.ResponseWriter, r *http.Request) {
	var patch MasterConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(patch); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	cfg, err := h.store.UpdateMasterConfig(r.Context(), patch)
	if err != nil {
		slog.Error("updating master config", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if owner, ok := auth.OwnerFromContext(r.Context()); ok && h.auditor != nil {
		h.auditor.Audit(r.Context(), owner, "master_config.updated", nil, map[string]any{
			"base_prompt":        patch.BasePrompt != nil,
			"immutable_rules":    patch.ImmutableRules != nil,
			"scope_restrictions": patch.ScopeRestrictions != nil,
		})
	}
	api.JSON(w, http.StatusOK, cfg)
}
