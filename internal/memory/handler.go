package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/api"
	"github.com/aiox-platform/companion/internal/auth"
)

// FindingsReporter receives the results of an ecosystem scan.
type FindingsReporter interface {
	ReportFindings(ctx context.Context, requestedBy uuid.UUID, findings []Finding) error
}

// Handler handles memory HTTP endpoints.
type Handler struct {
	coord    *Coordinator
	scanner  *EcosystemScanner
	reporter FindingsReporter
	validate *validator.Validate
}

// NewHandler creates a new memory handler.
func NewHandler(coord *Coordinator, scanner *EcosystemScanner) *Handler {
	return &Handler{
		coord:    coord,
		scanner:  scanner,
		validate: validator.New(),
	}
}

// WithReporter forwards scan findings to r after each ecosystem scan.
func (h *Handler) WithReporter(r FindingsReporter) *Handler {
	h.reporter = r
	return h
}

func ownerOrFail(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
	}
	return owner, ok
}

func memoryIDOrFail(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "memoryID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid memory ID"))
		return uuid.Nil, false
	}
	return id, true
}

// List returns the caller's durable memories, newest first, paginated.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}

	page := 1
	pageSize := 20
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	records, err := h.coord.turns.Records(r.Context(), owner)
	if err != nil {
		slog.Error("listing memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	entries := make([]Entry, 0, pageSize)
	start := (page - 1) * pageSize
	for i := len(records) - 1 - start; i >= 0 && len(entries) < pageSize; i-- {
		entries = append(entries, entryFromRecord(records[i]))
	}

	api.JSONPaginated(w, http.StatusOK, entries, int64(len(records)), page, pageSize)
}

// Create stores a typed memory for the caller.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}

	var req StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	entry, err := h.coord.StoreTyped(r.Context(), owner, Type(req.Type), req.Content, WriteOptions{
		Importance: req.Importance,
		Scope:      Scope(req.Scope),
		Tags:       req.Tags,
		Topic:      req.Topic,
		Source:     "api",
	})
	if err != nil {
		slog.Error("creating memory", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	id, ok := memoryIDOrFail(w, r)
	if !ok {
		return
	}

	entry, err := h.coord.RetrieveMemory(r.Context(), owner, id)
	if err != nil {
		h.handleLookupError(w, "getting memory", err)
		return
	}
	api.JSON(w, http.StatusOK, entry)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	id, ok := memoryIDOrFail(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	entry, err := h.coord.UpdateMemory(r.Context(), owner, id, Patch{
		Content:    req.Content,
		Importance: req.Importance,
		Tags:       req.Tags,
		Topic:      req.Topic,
	})
	if err != nil {
		h.handleLookupError(w, "updating memory", err)
		return
	}
	api.JSON(w, http.StatusOK, entry)
}

// Search performs a semantic search over the caller's memories.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	opts := SearchOptions{TopK: req.TopK, Threshold: req.Threshold}
	for _, t := range req.Types {
		if !Type(t).Valid() {
			api.HandleError(w, api.NewValidationError("unknown memory type: "+t))
			return
		}
		opts.Types = append(opts.Types, Type(t))
	}
	for _, s := range req.Scopes {
		if !Scope(s).Valid() {
			api.HandleError(w, api.NewValidationError("unknown scope: "+s))
			return
		}
		opts.Scopes = append(opts.Scopes, Scope(s))
	}

	results := h.coord.Search(r.Context(), owner, req.Query, opts)
	api.JSON(w, http.StatusOK, map[string]any{
		"provider": h.coord.ActiveProvider(),
		"results":  results,
	})
}

// Context returns the assembled memory context for a message.
func (h *Handler) Context(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		api.HandleError(w, api.NewBadRequestError("q is required"))
		return
	}

	text, found := h.coord.BuildContext(r.Context(), owner, q)
	api.JSON(w, http.StatusOK, map[string]any{"found": found, "context": text})
}

func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	n, err := h.coord.CountMemories(r.Context(), owner)
	if err != nil {
		slog.Error("counting memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"count": n, "provider": h.coord.ActiveProvider()})
}

// Delete deletes a single memory.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	id, ok := memoryIDOrFail(w, r)
	if !ok {
		return
	}

	if err := h.coord.DeleteMemory(r.Context(), owner, id); err != nil {
		h.handleLookupError(w, "deleting memory", err)
		return
	}

	api.JSONMessage(w, http.StatusOK, "memory deleted successfully")
}

// DeleteByTag deletes every memory of the caller carrying ?tag=.
func (h *Handler) DeleteByTag(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		api.HandleError(w, api.NewBadRequestError("tag is required"))
		return
	}

	n, err := h.coord.DeleteByTag(r.Context(), owner, tag)
	if err != nil {
		slog.Error("deleting memories by tag", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}

	n, err := h.coord.Reindex(r.Context(), owner)
	if err != nil {
		if errors.Is(err, ErrNoBackend) {
			api.HandleError(w, api.ErrServiceUnavailable)
			return
		}
		slog.Error("reindexing memories", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, map[string]int{"indexed": n})
}

// ConversationTurns returns the structured log of one conversation.
func (h *Handler) ConversationTurns(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	convID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid conversation ID"))
		return
	}

	list, err := h.coord.ConversationTurns(r.Context(), owner, convID)
	if err != nil {
		slog.Error("listing conversation turns", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, list)
}

// TrimTurns keeps only the latest ?keep= turns of the caller.
func (h *Handler) TrimTurns(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerOrFail(w, r)
	if !ok {
		return
	}
	keep, err := strconv.Atoi(r.URL.Query().Get("keep"))
	if err != nil || keep < 1 {
		api.HandleError(w, api.NewBadRequestError("keep must be a positive integer"))
		return
	}

	n, err := h.coord.TrimTurns(r.Context(), owner, keep)
	if err != nil {
		slog.Error("trimming turns", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// EcosystemScan runs the privileged cross-tenant scan. The route must sit
// behind auth.RequireCapability(auth.CapabilityEcosystemScan).
func (h *Handler) EcosystemScan(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil || !claims.Has(auth.CapabilityEcosystemScan) {
		api.HandleError(w, api.ErrForbidden)
		return
	}

	var req struct {
		TopK      int     `json:"top_k" validate:"omitempty,gte=1,lte=100"`
		Threshold float64 `json:"threshold" validate:"omitempty,gte=0,lte=1"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.HandleError(w, api.ErrBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
	}

	findings, err := h.scanner.Scan(r.Context(), ScanOptions{TopK: req.TopK, Threshold: req.Threshold})
	if err != nil {
		slog.Error("ecosystem scan", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	owner, _ := claims.OwnerID()
	h.coord.auditor.Audit(r.Context(), owner, "ecosystem.scanned", nil, map[string]any{"findings": len(findings)})
	if h.reporter != nil && len(findings) > 0 {
		if err := h.reporter.ReportFindings(r.Context(), owner, findings); err != nil {
			slog.Warn("memory: reporting ecosystem findings", "error", err, "findings", len(findings))
		}
	}
	api.JSON(w, http.StatusOK, findings)
}

func (h *Handler) handleLookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		api.HandleError(w, api.NewNotFoundError("memory not found"))
		return
	}
	slog.Error(op, "error", err)
	api.HandleError(w, api.ErrInternalServer)
}
