package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/compiler-lab/internal/auth"
	"github.com/sakif/compiler-lab/internal/model"
	"github.com/sakif/compiler-lab/internal/service"
)

// SnippetHandler manages CRUD operations for code snippets.
//
// Each handler struct "owns" one area of functionality. This makes code easier to:
// - Test (mock dependencies independently)
// - Understand (find all snippet logic in one place)
// - Modify (change snippet storage without touching execution)
type SnippetHandler struct {
	snippets *service.SnippetService
	logger   *slog.Logger
}

// NewSnippetHandler creates a new SnippetHandler.
func NewSnippetHandler(snippets *service.SnippetService, logger *slog.Logger) *SnippetHandler {
	return &SnippetHandler{snippets: snippets, logger: logger}
}

// snippetRequest is the JSON body accepted by create and update.
// meta is passed through opaquely; the service only checks it's valid JSON.
type snippetRequest struct {
	Language string          `json:"language"`
	Code     string          `json:"code"`
	Meta     json.RawMessage `json:"meta"`
}

// HandleList returns saved snippets, newest first.
//
// HTTP: GET /api/snippets?limit=20&offset=0
//
// QUERY PARAMETER PARSING:
// r.URL.Query().Get returns "" for absent parameters; strconv.Atoi on ""
// errors, so absent parameters fall through to the zero value and the
// service applies its defaults (limit 20, capped at 100).
func (h *SnippetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	snippets, err := h.snippets.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	// Guarantee [] instead of null when there are no snippets — a nil slice
	// marshals to null, which trips up strict frontend JSON parsing.
	if snippets == nil {
		snippets = []model.Snippet{}
	}

	writeJSON(w, http.StatusOK, snippets)
}

// HandleGetByID returns a single snippet.
//
// HTTP: GET /api/snippets/{id}
//
// Chi provides r.PathValue("id") to extract URL parameters. For a request
// to GET /api/snippets/abc123, PathValue("id") returns "abc123".
// A missing snippet maps to 404 via writeError.
func (h *SnippetHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	snippet, err := h.snippets.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snippet)
}

// HandleCreate saves a new snippet.
//
// HTTP: POST /api/snippets
// REQUEST BODY: {"language": "python", "code": "print('hi')", "meta": {...}}
//
// The route sits behind OptionalAuth — when the caller is logged in, the
// snippet is attributed to them; otherwise it's stored anonymously.
func (h *SnippetHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid snippet JSON", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_json",
			Message: "request body must be valid JSON",
		})
		return
	}

	userID, _ := auth.UserIDFromContext(r.Context())

	snippet, err := h.snippets.Create(r.Context(), req.Language, req.Code, req.Meta, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, snippet)
}

// HandleUpdate modifies an existing snippet.
//
// HTTP: PUT /api/snippets/{id}
func (h *SnippetHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req snippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid snippet JSON", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_json",
			Message: "request body must be valid JSON",
		})
		return
	}

	userID, _ := auth.UserIDFromContext(r.Context())

	snippet, err := h.snippets.Update(r.Context(), r.PathValue("id"), req.Language, req.Code, req.Meta, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snippet)
}

// HandleDelete removes a saved snippet.
//
// HTTP: DELETE /api/snippets/{id}
func (h *SnippetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	if err := h.snippets.Delete(r.Context(), r.PathValue("id"), userID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent) // 204 — successful deletion, no body
}
