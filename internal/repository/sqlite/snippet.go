package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/compiler-lab/internal/apperror"
	"github.com/sakif/compiler-lab/internal/model"
	"github.com/sakif/compiler-lab/internal/repository"
)

// COMPILE-TIME INTERFACE CHECK:
// This line verifies AT COMPILE TIME that *DB implements repository.SnippetRepository.
//
// How it works:
//   - `var _ X = (*Y)(nil)` creates a nil pointer of type *Y
//   - It assigns it to a variable of type X (the interface)
//   - If *Y doesn't implement X, the compiler errors immediately
//   - The `_` means we don't actually use the variable — it's just a check
//
// Without this, you'd only discover a missing method when you try to pass
// *DB to something that expects SnippetRepository — which could be much later.
// This is a Go best practice for any interface implementation.
var _ repository.SnippetRepository = (*DB)(nil)

// Create inserts a new snippet into the database.
//
// ID GENERATION WITH xid:
// xid generates globally unique IDs that are 20 chars, URL-safe, and sortable
// by creation time (they start with a timestamp). Example: "cv37rs3pp9olc6atsptg".
//
// We take a POINTER (*model.Snippet) so the caller gets the generated ID and
// timestamps back on their struct after Create() returns.
//
// PARAMETERIZED QUERIES (the ? placeholders):
// NEVER build SQL strings with fmt.Sprintf or string concatenation!
// That creates SQL injection vulnerabilities — the driver safely escapes
// placeholder values for us.
func (db *DB) Create(ctx context.Context, snippet *model.Snippet) error {
	snippet.ID = xid.New().String()

	now := time.Now()
	snippet.CreatedAt = now
	snippet.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO snippets (id, user_id, language, code, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snippet.ID,
		nullString(snippet.UserID),
		snippet.Language,
		snippet.Code,
		nullRawJSON(snippet.Meta),
		snippet.CreatedAt,
		snippet.UpdatedAt,
	)
	if err != nil {
		// The %w verb (not %v!) preserves the error chain so callers can use
		// errors.Is() to check the underlying cause.
		return fmt.Errorf("sqlite: creating snippet: %w", err)
	}

	return nil
}

// GetByID retrieves a single snippet by its ID.
//
// sql.ErrNoRows is NOT really an error — it just means "no matching row
// exists." We translate it to our app's NotFound error so the handler knows
// to return 404. This is a common pattern: translate database errors into
// domain errors.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, language, code, meta, created_at, updated_at
		 FROM snippets
		 WHERE id = ?`,
		id,
	)

	snippet, err := scanSnippet(row.Scan)
	if err != nil {
		// sql.ErrNoRows is a sentinel error — we check with ==
		// (not errors.Is, because database/sql doesn't wrap it)
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("snippet", id)
		}
		return nil, fmt.Errorf("sqlite: getting snippet %s: %w", id, err)
	}

	return snippet, nil
}

// List retrieves multiple snippets with pagination, newest first.
//
// defer rows.Close() — ABSOLUTELY CRITICAL:
// sql.Rows holds a database connection from the pool. If you forget to
// Close(), that connection is never returned; after enough leaked
// connections, the app runs out and hangs forever.
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Snippet, error) {
	// Apply defaults if not specified
	limit := opts.Limit
	if limit <= 0 {
		limit = 20 // Default page size
	}
	if limit > 100 {
		limit = 100 // Maximum page size — prevent fetching entire DB
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	// ORDER BY created_at DESC = newest first. created_at has only second
	// precision in SQLite's DATETIME, so the xid (which is itself
	// time-ordered) breaks ties between snippets saved in the same second.
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, language, code, meta, created_at, updated_at
		 FROM snippets
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing snippets: %w", err)
	}
	defer rows.Close()

	snippets := make([]model.Snippet, 0, limit)

	for rows.Next() {
		s, err := scanSnippet(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning snippet row: %w", err)
		}
		snippets = append(snippets, *s)
	}

	// rows.Err() returns any error that occurred during Next() calls —
	// e.g. the database connection dropping mid-iteration.
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating snippets: %w", err)
	}

	return snippets, nil
}

// Update modifies an existing snippet in the database.
//
// ExecContext returns a sql.Result with RowsAffected(). If no rows were
// affected, the snippet doesn't exist → return NotFound. This is more
// efficient than doing a SELECT + UPDATE (one query vs two).
//
// We do NOT update id, user_id or created_at — those are immutable.
func (db *DB) Update(ctx context.Context, snippet *model.Snippet) error {
	snippet.UpdatedAt = time.Now()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE snippets
		 SET language = ?, code = ?, meta = ?, updated_at = ?
		 WHERE id = ?`,
		snippet.Language,
		snippet.Code,
		nullRawJSON(snippet.Meta),
		snippet.UpdatedAt,
		snippet.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating snippet %s: %w", snippet.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("snippet", snippet.ID)
	}

	return nil
}

// Delete removes a snippet from the database by its ID.
//
// Same pattern as Update — check RowsAffected to detect "not found".
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM snippets WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting snippet %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("snippet", id)
	}

	return nil
}

// scanSnippet reads one snippet row. Taking the Scan function as a parameter
// lets the same code serve both sql.Row and sql.Rows.
func scanSnippet(scan func(...any) error) (*model.Snippet, error) {
	var (
		s      model.Snippet
		userID sql.NullString
		meta   sql.NullString
	)
	if err := scan(
		&s.ID, &userID, &s.Language, &s.Code, &meta,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.UserID = userID.String
	if meta.Valid && meta.String != "" {
		s.Meta = json.RawMessage(meta.String)
	}
	return &s, nil
}

// nullString maps the empty string to SQL NULL, so anonymous snippets store
// NULL in user_id instead of tripping the foreign key on users("").
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRawJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}
