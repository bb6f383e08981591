// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
// In a well-structured Go web app, code is organised into three layers:
//
//   Handler (HTTP layer)    → parses requests, writes responses
//   Service (Business layer) → validates, enforces rules, orchestrates
//   Repository (Data layer) → reads/writes to the database
//
// WHY A SEPARATE SERVICE LAYER?
// Without a service layer, handlers do everything: parse HTTP, validate data,
// call the database, format responses. This creates several problems:
//
//   1. TESTING: To test business logic, you'd need to create HTTP requests.
//      With a service layer, you test business logic with plain Go function calls.
//
//   2. REUSE: What if you need the same logic in a CLI tool or a background job?
//      Handlers are tied to HTTP. Services are not.
//
//   3. SEPARATION: Handlers should only know about HTTP (status codes, headers, JSON).
//      Services should only know about business rules (validation, permissions).
//      Neither should know about SQL or database details.
//
// THE DEPENDENCY CHAIN:
//   main.go creates:  DB → Repository → Service → Handler
//   At runtime:       Handler calls Service calls Repository calls DB
//
// DEPENDENCY INJECTION:
// Notice that SnippetService takes a repository.SnippetRepository (interface),
// NOT a *sqlite.DB (concrete type). This is called "programming to an interface."
//
// Benefits:
// - TESTING: In tests, we pass a mock repository (see snippet_test.go)
// - FLEXIBILITY: Swap SQLite for Postgres by changing one line in main.go
// - DECOUPLING: The service doesn't import the sqlite package at all
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/compiler-lab/internal/apperror"
	"github.com/sakif/compiler-lab/internal/model"
	"github.com/sakif/compiler-lab/internal/repository"
)

// Validation constants.
// Defining these as constants (not magic numbers in code) makes them:
// - Easy to find and change
// - Self-documenting (the name explains the purpose)
// - Referenceable in error messages
const (
	MaxLanguageLength = 40
	MaxCodeLength     = 200000 // characters (runes), not bytes
	MaxMetaBytes      = 16384  // free-form client metadata
	DefaultListLimit  = 20
	MaxListLimit      = 100
)

// SnippetService handles business logic for code snippets.
//
// Both fields are unexported (lowercase) — they're private to this package.
// External code interacts with SnippetService only through its methods.
type SnippetService struct {
	repo   repository.SnippetRepository
	logger *slog.Logger
}

// NewSnippetService creates a new SnippetService.
//
// CONSTRUCTOR PATTERN IN GO:
// Go doesn't have constructors like Java/Python. Instead, we use "New" functions.
// Convention: NewXxx returns *Xxx and takes all dependencies as parameters.
//
// This is where dependency injection happens — the caller decides WHICH
// repository implementation to use (SQLite, Postgres, mock for tests).
func NewSnippetService(repo repository.SnippetRepository, logger *slog.Logger) *SnippetService {
	return &SnippetService{
		repo:   repo,
		logger: logger,
	}
}

// Create validates and saves a new snippet.
//
// The language tag is stored as sent (lowercased) — snippets are allowed to
// carry tags the execution API doesn't run, since the editor also stores
// display-only examples. meta is an opaque JSON object owned by the client;
// we only check that it IS JSON, never what's inside.
//
// userID may be empty (anonymous snippet). When the request is
// authenticated, the handler passes the ID from the JWT.
//
// We return apperror.ValidationFailed, NOT http.StatusBadRequest — the
// handler translates domain errors to HTTP status codes. This keeps the
// service layer HTTP-agnostic.
func (s *SnippetService) Create(ctx context.Context, language, code string, meta json.RawMessage, userID string) (*model.Snippet, error) {
	language = strings.ToLower(strings.TrimSpace(language))

	if language == "" {
		return nil, apperror.ValidationFailed("language", "snippet language is required")
	}
	if len(language) > MaxLanguageLength {
		return nil, apperror.ValidationFailed("language",
			fmt.Sprintf("language must be %d characters or less", MaxLanguageLength))
	}
	// Character count, not byte count — a snippet full of non-ASCII text
	// gets the same budget as plain ASCII.
	if utf8.RuneCountInString(code) > MaxCodeLength {
		return nil, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}
	if err := validateMeta(meta); err != nil {
		return nil, err
	}

	// The repository fills in ID and timestamps.
	snippet := &model.Snippet{
		UserID:   userID,
		Language: language,
		Code:     code,
		Meta:     meta,
	}

	// We pass ctx so the operation can be cancelled if the HTTP request is aborted.
	if err := s.repo.Create(ctx, snippet); err != nil {
		s.logger.Error("failed to create snippet",
			slog.String("language", language),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating snippet: %w", err)
	}

	s.logger.Info("snippet created",
		slog.String("id", snippet.ID),
		slog.String("language", snippet.Language),
	)

	return snippet, nil
}

// GetByID retrieves a snippet by its ID.
// Returns apperror.ErrNotFound if the snippet doesn't exist.
func (s *SnippetService) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}

	snippet, err := s.repo.GetByID(ctx, id)
	if err != nil {
		// Don't log NotFound as an error — it's a normal "not found" response.
		return nil, err // already a proper apperror
	}

	return snippet, nil
}

// List retrieves snippets with pagination, newest first.
//
// The service enforces sane limits so callers can't request 1 million rows:
// limit is clamped to 1-100 with a default of 20.
func (s *SnippetService) List(ctx context.Context, limit, offset int) ([]model.Snippet, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	snippets, err := s.repo.List(ctx, repository.ListOptions{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("failed to list snippets", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing snippets: %w", err)
	}

	return snippets, nil
}

// Update modifies an existing snippet.
//
// STRATEGY: "Fetch then update"
// 1. First, fetch the existing snippet (to confirm it exists and check ownership)
// 2. Apply changes to the fetched copy
// 3. Save the updated version
//
// userID is the caller's identity (empty for anonymous). A snippet owned by a
// user can only be updated by that user; anonymous snippets are editable by
// anyone, matching how they were created.
func (s *SnippetService) Update(ctx context.Context, id, language, code string, meta json.RawMessage, userID string) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}

	snippet, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if snippet.UserID != "" && snippet.UserID != userID {
		return nil, apperror.Forbidden("snippet belongs to another user")
	}

	// Apply updates (empty language means "don't change")
	if language = strings.ToLower(strings.TrimSpace(language)); language != "" {
		if len(language) > MaxLanguageLength {
			return nil, apperror.ValidationFailed("language",
				fmt.Sprintf("language must be %d characters or less", MaxLanguageLength))
		}
		snippet.Language = language
	}

	// Code CAN be empty (user might want to clear it), so always update it
	if utf8.RuneCountInString(code) > MaxCodeLength {
		return nil, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d characters or less", MaxCodeLength))
	}
	snippet.Code = code

	if err := validateMeta(meta); err != nil {
		return nil, err
	}
	snippet.Meta = meta

	if err := s.repo.Update(ctx, snippet); err != nil {
		s.logger.Error("failed to update snippet",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("updating snippet: %w", err)
	}

	s.logger.Info("snippet updated",
		slog.String("id", snippet.ID),
		slog.String("language", snippet.Language),
	)

	return snippet, nil
}

// Delete removes a snippet by its ID, with the same ownership rule as Update.
func (s *SnippetService) Delete(ctx context.Context, id, userID string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "snippet ID is required")
	}

	snippet, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if snippet.UserID != "" && snippet.UserID != userID {
		return apperror.Forbidden("snippet belongs to another user")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("snippet deleted", slog.String("id", id))
	return nil
}

// validateMeta checks the opaque metadata blob: optional, bounded, and must
// be well-formed JSON so a GET never serves bytes that break the client.
func validateMeta(meta json.RawMessage) error {
	if len(meta) == 0 {
		return nil
	}
	if len(meta) > MaxMetaBytes {
		return apperror.ValidationFailed("meta",
			fmt.Sprintf("meta must be %d bytes or less", MaxMetaBytes))
	}
	if !json.Valid(meta) {
		return apperror.ValidationFailed("meta", "meta must be valid JSON")
	}
	return nil
}
